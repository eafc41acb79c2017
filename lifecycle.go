package hypermangle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// OrderState is a step of the certificate issuance state machine.
type OrderState int

const (
	StateIdle OrderState = iota
	StateOrderRequested
	StateChallengePending
	StateChallengeValidating
	StateIssued
	StateInstalled
	StateRetryScheduled
	StateFailed
)

var orderStateNames = [...]string{
	StateIdle:                "idle",
	StateOrderRequested:      "order_requested",
	StateChallengePending:    "challenge_pending",
	StateChallengeValidating: "challenge_validating",
	StateIssued:              "issued",
	StateInstalled:           "installed",
	StateRetryScheduled:      "retry_scheduled",
	StateFailed:              "failed",
}

func (s OrderState) String() string {
	if int(s) >= 0 && int(s) < len(orderStateNames) {
		return orderStateNames[s]
	}
	return fmt.Sprintf("OrderState(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s OrderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transitions follow.
func (s OrderState) Terminal() bool {
	return s == StateInstalled || s == StateFailed
}

// OrderStatus is a point-in-time view of an order.
type OrderStatus struct {
	Hostname  string     `json:"hostname"`
	State     OrderState `json:"state"`
	Reason    string     `json:"reason,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	RetryRecord
}

// Order is one issuance run for a hostname, from OrderRequested to
// Installed or Failed, including its retries.
type Order struct {
	Hostname string
	Reason   string

	mu      sync.Mutex
	state   OrderState
	retry   RetryRecord
	updated time.Time
	err     error
	done    chan struct{}
}

// Done is closed when the order reaches a terminal state.
func (o *Order) Done() <-chan struct{} {
	return o.done
}

// Err returns the last error once the order has failed.
func (o *Order) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// State returns the current state.
func (o *Order) State() OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the order.
func (o *Order) Status() OrderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return OrderStatus{
		Hostname:    o.Hostname,
		State:       o.state,
		Reason:      o.Reason,
		UpdatedAt:   o.updated,
		RetryRecord: o.retry,
	}
}

// LifecycleManager drives certificate issuance and renewal for the known
// hostnames. At most one order runs per hostname; triggering a hostname
// with an order in flight joins that order. Failed attempts are retried
// according to Retry and an exhausted order ends in StateFailed without
// affecting the certificate currently being served.
type LifecycleManager struct {
	Issuer     Issuer
	Store      *CertificateStore
	Storage    *CertStorage
	Challenges *ChallengeRegistry
	Retry      RetryPolicy

	// CheckInterval is the period of the proactive renewal scan.
	CheckInterval time.Duration

	// RenewFraction triggers renewal once less than this share of the
	// lifetime remains.
	RenewFraction float64

	// OrderTimeout bounds each attempt.
	OrderTimeout time.Duration

	// OnTransition is called after every state change.
	OnTransition func(hostname string, from, to OrderState)

	Logger  *slog.Logger
	Metrics *Metrics

	mu      sync.Mutex
	hosts   []string
	orders  map[string]*Order
	history map[string]OrderStatus
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewLifecycleManager wires a manager with defaults taken from
// [DefaultACMEConfig].
func NewLifecycleManager(issuer Issuer, store *CertificateStore, challenges *ChallengeRegistry) *LifecycleManager {
	defaults := DefaultACMEConfig()
	ctx, cancel := context.WithCancel(context.Background())
	return &LifecycleManager{
		Issuer:        issuer,
		Store:         store,
		Challenges:    challenges,
		Retry:         defaults.Retry,
		CheckInterval: defaults.CheckInterval,
		RenewFraction: defaults.RenewFraction,
		OrderTimeout:  defaults.OrderTimeout,
		Logger:        slog.Default(),
		orders:        make(map[string]*Order),
		history:       make(map[string]OrderStatus),
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
}

// SetHosts replaces the set of managed hostnames. Once started, hosts
// that need a certificate are triggered immediately.
func (m *LifecycleManager) SetHosts(hosts []string) {
	m.mu.Lock()
	m.hosts = slices.Clone(hosts)
	slices.Sort(m.hosts)
	started := m.started
	m.mu.Unlock()

	if started {
		m.scan("config")
	}
}

// Hosts returns the managed hostnames.
func (m *LifecycleManager) Hosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.hosts)
}

// Start triggers issuance for hosts lacking a valid certificate and starts
// the periodic renewal scan. It returns immediately.
func (m *LifecycleManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.scan("startup")

	interval := m.CheckInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Store.Sweep()
				m.scan("renewal")
			}
		}
	}()

	m.Logger.Info("certificate lifecycle started", "hosts", len(m.Hosts()), "interval", interval)
}

// Close cancels in-flight orders and waits for them to finish.
func (m *LifecycleManager) Close() error {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

func (m *LifecycleManager) scan(reason string) {
	for _, host := range m.Hosts() {
		if !m.needsCertificate(host) {
			continue
		}
		if _, _, err := m.Trigger(host, reason); err != nil {
			m.Logger.Warn("could not start order", "host", host, "error", err)
		}
	}
}

func (m *LifecycleManager) needsCertificate(host string) bool {
	rec, err := m.Store.GetActive(host)
	if err != nil {
		return true
	}
	return rec.NeedsRenewal(m.now(), m.renewFraction())
}

func (m *LifecycleManager) renewFraction() float64 {
	if m.RenewFraction <= 0 || m.RenewFraction >= 1 {
		return DefaultRenewFraction
	}
	return m.RenewFraction
}

// Trigger starts an order for host, or joins the one already in flight.
// The second return value is true when a new order was created.
func (m *LifecycleManager) Trigger(host, reason string) (*Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("lifecycle manager closed: %w", err)
	}

	if o := m.orders[host]; o != nil {
		m.Logger.Debug("joining in-flight order", "host", host, "reason", reason)
		return o, false, nil
	}

	o := &Order{
		Hostname: host,
		Reason:   reason,
		state:    StateIdle,
		updated:  m.now(),
		done:     make(chan struct{}),
	}
	m.orders[host] = o

	m.wg.Add(1)
	go m.run(o)

	return o, true, nil
}

// ForceRenew starts (or joins) an order for a managed hostname regardless
// of the remaining validity of its certificate.
func (m *LifecycleManager) ForceRenew(hostname string) (*Order, error) {
	host, err := NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(m.Hosts(), host) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	o, _, err := m.Trigger(host, "forced")
	return o, err
}

// Status returns the in-flight and most recent orders, sorted by hostname.
func (m *LifecycleManager) Status() []OrderStatus {
	m.mu.Lock()
	out := make([]OrderStatus, 0, len(m.history)+len(m.orders))
	inFlight := make([]*Order, 0, len(m.orders))
	for host, st := range m.history {
		if m.orders[host] == nil {
			out = append(out, st)
		}
	}
	for _, o := range m.orders {
		inFlight = append(inFlight, o)
	}
	m.mu.Unlock()

	for _, o := range inFlight {
		out = append(out, o.Status())
	}
	slices.SortFunc(out, func(a, b OrderStatus) int {
		switch {
		case a.Hostname < b.Hostname:
			return -1
		case a.Hostname > b.Hostname:
			return 1
		}
		return 0
	})
	return out
}

func (m *LifecycleManager) run(o *Order) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.orders, o.Hostname)
		m.history[o.Hostname] = o.Status()
		m.mu.Unlock()
		close(o.done)
	}()

	logger := m.Logger.With("host", o.Hostname, "reason", o.Reason)

	for {
		m.transition(o, StateOrderRequested)

		err := m.attempt(o)
		if err == nil {
			logger.Info("certificate installed", "attempt", o.Status().Attempt+1)
			return
		}

		o.mu.Lock()
		rec, again := m.Retry.Next(o.retry, err, m.now())
		o.retry = rec
		o.err = err
		o.mu.Unlock()

		if !again {
			logger.Error("certificate order failed", "attempts", rec.Attempt, "error", err)
			m.transition(o, StateFailed)
			return
		}

		logger.Warn("certificate order attempt failed",
			"attempt", rec.Attempt, "next_attempt", rec.NextAttempt, "error", err)
		m.transition(o, StateRetryScheduled)

		timer := time.NewTimer(time.Until(rec.NextAttempt))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			o.mu.Lock()
			o.err = m.ctx.Err()
			o.mu.Unlock()
			m.transition(o, StateFailed)
			return
		case <-timer.C:
		}
	}
}

func (m *LifecycleManager) attempt(o *Order) error {
	timeout := m.OrderTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(m.ctx, timeout)
	defer cancel()

	solver := &orderSolver{m: m, order: o}
	issued, err := m.Issuer.Issue(ctx, o.Hostname, solver)
	solver.finish()
	if err != nil {
		return &CertificateError{Hostname: o.Hostname, Op: "obtain", Err: err}
	}
	m.transition(o, StateIssued)

	rec, err := NewCertificateRecord(o.Hostname, issued.Chain, issued.Key, ChallengeState{
		Issuer:        m.Issuer.Name(),
		CertURL:       issued.CertURL,
		CertStableURL: issued.CertStableURL,
		Attempts:      o.Status().Attempt + 1,
	})
	if err != nil {
		return &CertificateError{Hostname: o.Hostname, Op: "validate", Err: err}
	}
	if err := m.Store.Install(rec); err != nil {
		return err
	}
	m.transition(o, StateInstalled)

	if m.Storage != nil {
		if err := m.Storage.Save(rec); err != nil {
			m.Logger.Warn("failed to persist certificate", "host", o.Hostname, "error", err)
		}
	}
	return nil
}

func (m *LifecycleManager) transition(o *Order, to OrderState) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.updated = m.now()
	o.mu.Unlock()

	m.Logger.Debug("order transition", "host", o.Hostname, "from", from, "to", to)
	if m.Metrics != nil {
		m.Metrics.RecordOrderTransition(to.String())
	}
	if m.OnTransition != nil {
		m.OnTransition(o.Hostname, from, to)
	}
}

// orderSolver registers challenge sessions for one order and advances its
// state as the issuer reports progress.
// An issuer that outlives its attempt (lego ignores cancellation) cannot
// register sessions after finish.
type orderSolver struct {
	m     *LifecycleManager
	order *Order

	mu       sync.Mutex
	token    string
	finished bool
}

func (s *orderSolver) Present(hostname, token, keyAuth string) error {
	if hostname != s.order.Hostname {
		return fmt.Errorf("challenge for %s presented to order for %s", hostname, s.order.Hostname)
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return errors.New("order attempt already finished")
	}
	err := s.m.Challenges.Register(&ChallengeSession{
		Hostname:         hostname,
		Token:            token,
		KeyAuthorization: keyAuth,
		Attempt:          s.order.Status().Attempt + 1,
	})
	if err == nil {
		s.token = token
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.m.transition(s.order, StateChallengePending)
	return nil
}

// finish destroys the attempt's session.
func (s *orderSolver) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	if s.token != "" {
		s.m.Challenges.Remove(s.order.Hostname, s.token)
	}
}

func (s *orderSolver) Validating(hostname, _ string) {
	if hostname == s.order.Hostname {
		s.m.transition(s.order, StateChallengeValidating)
	}
}

func (s *orderSolver) CleanUp(hostname, token string) error {
	s.m.Challenges.Remove(hostname, token)
	return nil
}
