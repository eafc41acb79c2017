package hypermangle

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultOverlap is how long a superseded certificate is retained after a
// renewal is installed. It covers handshakes that began before the swap.
const DefaultOverlap = 30 * time.Second

// DefaultRenewFraction is the remaining share of a certificate's lifetime
// below which it is renewed (one third).
const DefaultRenewFraction = 1.0 / 3.0

// ChallengeState records how a certificate was obtained.
type ChallengeState struct {
	Issuer        string `json:"issuer"`
	CertURL       string `json:"cert_url,omitempty"`
	CertStableURL string `json:"cert_stable_url,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
}

// CertificateRecord is an issued certificate for one hostname. Records are
// immutable; a renewal produces a new record.
type CertificateRecord struct {
	Hostname  string
	Chain     []byte // PEM, leaf first
	Key       []byte // PEM
	NotBefore time.Time
	NotAfter  time.Time
	Challenge ChallengeState

	// Certificate is the parsed key pair served during handshakes.
	Certificate *tls.Certificate

	staleWarned atomic.Bool
}

// NewCertificateRecord parses and validates a PEM chain and key for
// hostname. The leaf must cover hostname and the key must match it.
func NewCertificateRecord(hostname string, chainPEM, keyPEM []byte, cs ChallengeState) (*CertificateRecord, error) {
	host, err := NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}

	pair, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse leaf: %w", err)
	}
	if err := leaf.VerifyHostname(host); err != nil {
		return nil, fmt.Errorf("leaf does not cover %s: %w", host, err)
	}
	pair.Leaf = leaf

	return &CertificateRecord{
		Hostname:    host,
		Chain:       chainPEM,
		Key:         keyPEM,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		Challenge:   cs,
		Certificate: &pair,
	}, nil
}

// Lifetime is the validity period of the certificate.
func (r *CertificateRecord) Lifetime() time.Duration {
	return r.NotAfter.Sub(r.NotBefore)
}

// Expired reports whether now is past the hard expiry.
func (r *CertificateRecord) Expired(now time.Time) bool {
	return !now.Before(r.NotAfter)
}

// RenewAt returns the instant at which only fraction of the lifetime
// remains.
func (r *CertificateRecord) RenewAt(fraction float64) time.Time {
	return r.NotAfter.Add(-time.Duration(float64(r.Lifetime()) * fraction))
}

// NeedsRenewal reports whether the certificate has entered its renewal
// window.
func (r *CertificateRecord) NeedsRenewal(now time.Time, fraction float64) bool {
	return !now.Before(r.RenewAt(fraction))
}

// CertEventType identifies a certificate lifecycle event.
type CertEventType int

const (
	EventIssued CertEventType = iota
	EventRenewed
	EventExpired
	EventEvicted
)

func (t CertEventType) String() string {
	switch t {
	case EventIssued:
		return "issued"
	case EventRenewed:
		return "renewed"
	case EventExpired:
		return "expired"
	case EventEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("CertEventType(%d)", int(t))
	}
}

// CertEvent is delivered to [CertificateStore.OnEvent].
type CertEvent struct {
	Type     CertEventType
	Hostname string
	NotAfter time.Time
	Time     time.Time
}

type certSnapshot struct {
	version uint64
	active  map[string]*CertificateRecord
}

// CertificateStore holds exactly one active certificate per hostname.
// Readers (TLS handshakes, status queries) load an immutable snapshot
// without locking. Install copies the snapshot, replaces one entry and
// publishes the copy atomically, so a renewal never leaves a hostname
// without a servable certificate.
type CertificateStore struct {
	// Overlap is how long a superseded record is retained before it is
	// evicted. Defaults to [DefaultOverlap].
	Overlap time.Duration

	// RenewFraction marks records as stale once they enter the renewal
	// window. Stale records are still served, with a warning.
	RenewFraction float64

	// OnEvent receives issued, renewed, expired and evicted events. It is
	// called synchronously and must not block.
	OnEvent func(CertEvent)

	Logger  *slog.Logger
	Metrics *Metrics

	mu       sync.Mutex
	snap     atomic.Pointer[certSnapshot]
	retained map[string]*retainedRecord
	expired  map[string]*CertificateRecord
	closed   bool

	now func() time.Time
}

type retainedRecord struct {
	record *CertificateRecord
	timer  *time.Timer
}

// NewCertificateStore returns an empty store.
func NewCertificateStore() *CertificateStore {
	s := &CertificateStore{
		Overlap:       DefaultOverlap,
		RenewFraction: DefaultRenewFraction,
		Logger:        slog.Default(),
		retained:      make(map[string]*retainedRecord),
		expired:       make(map[string]*CertificateRecord),
		now:           time.Now,
	}
	s.snap.Store(&certSnapshot{active: map[string]*CertificateRecord{}})
	return s
}

// GetActive returns the active record for hostname. It returns
// [ErrCertificateMissing] if none was ever installed and the record
// together with [ErrCertificateExpired] once it is past hard expiry.
func (s *CertificateStore) GetActive(hostname string) (*CertificateRecord, error) {
	rec := s.snap.Load().active[hostname]
	if rec == nil {
		return nil, ErrCertificateMissing
	}
	if rec.Expired(s.now()) {
		return rec, ErrCertificateExpired
	}
	return rec, nil
}

// Previous returns the superseded record still inside its overlap window.
func (s *CertificateStore) Previous(hostname string) *CertificateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.retained[hostname]; r != nil {
		return r.record
	}
	return nil
}

// Install validates rec and makes it the active record for its hostname.
// The record it replaces stays retained for the overlap window. Readers
// are never blocked.
func (s *CertificateStore) Install(rec *CertificateRecord) error {
	if err := s.validate(rec); err != nil {
		return &CertificateError{Hostname: rec.Hostname, Op: "install", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &CertificateError{Hostname: rec.Hostname, Op: "install", Err: errors.New("store closed")}
	}

	cur := s.snap.Load()
	next := &certSnapshot{
		version: cur.version + 1,
		active:  maps.Clone(cur.active),
	}
	prev := next.active[rec.Hostname]
	next.active[rec.Hostname] = rec
	s.snap.Store(next)

	delete(s.expired, rec.Hostname)
	if prev != nil {
		s.retainLocked(prev)
	}
	s.mu.Unlock()

	typ := EventIssued
	if prev != nil {
		typ = EventRenewed
	}
	s.emit(CertEvent{Type: typ, Hostname: rec.Hostname, NotAfter: rec.NotAfter, Time: s.now()})
	if s.Metrics != nil {
		s.Metrics.SetCertExpiry(rec.Hostname, rec.NotAfter)
	}
	return nil
}

func (s *CertificateStore) validate(rec *CertificateRecord) error {
	if rec == nil || rec.Certificate == nil || rec.Certificate.Leaf == nil {
		return errors.New("record has no parsed certificate")
	}
	host, err := NormalizeHostname(rec.Hostname)
	if err != nil {
		return err
	}
	if host != rec.Hostname {
		return fmt.Errorf("hostname %q is not normalized", rec.Hostname)
	}
	if err := rec.Certificate.Leaf.VerifyHostname(host); err != nil {
		return err
	}
	if rec.Expired(s.now()) {
		return ErrCertificateExpired
	}
	return nil
}

func (s *CertificateStore) retainLocked(prev *CertificateRecord) {
	if old := s.retained[prev.Hostname]; old != nil {
		old.timer.Stop()
		s.emitAsync(CertEvent{Type: EventEvicted, Hostname: prev.Hostname, NotAfter: old.record.NotAfter, Time: s.now()})
	}

	overlap := s.Overlap
	if overlap <= 0 {
		overlap = DefaultOverlap
	}

	rr := &retainedRecord{record: prev}
	rr.timer = time.AfterFunc(overlap, func() { s.evict(prev.Hostname, rr) })
	s.retained[prev.Hostname] = rr
}

func (s *CertificateStore) evict(hostname string, rr *retainedRecord) {
	s.mu.Lock()
	if s.retained[hostname] != rr {
		s.mu.Unlock()
		return
	}
	delete(s.retained, hostname)
	s.mu.Unlock()

	s.emit(CertEvent{Type: EventEvicted, Hostname: hostname, NotAfter: rr.record.NotAfter, Time: s.now()})
}

// GetCertificate implements [tls.Config.GetCertificate]. Hostnames without
// a certificate, or whose certificate is past hard expiry, fail the
// handshake. Certificates in their renewal window are served.
func (s *CertificateStore) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	remote := ""
	if hello.Conn != nil {
		remote = hello.Conn.RemoteAddr().String()
	}

	if hello.ServerName == "" {
		s.handshakeFailed("no_sni")
		return nil, &ProtocolError{Remote: remote, Err: errors.New("no SNI provided")}
	}
	host, err := NormalizeHostname(hello.ServerName)
	if err != nil {
		s.handshakeFailed("bad_sni")
		return nil, &ProtocolError{Remote: remote, Err: err}
	}

	rec, err := s.GetActive(host)
	switch {
	case errors.Is(err, ErrCertificateMissing):
		s.handshakeFailed("missing")
		return nil, &CertificateError{Hostname: host, Op: "handshake", Err: err}
	case errors.Is(err, ErrCertificateExpired):
		s.handshakeFailed("expired")
		return nil, &CertificateError{Hostname: host, Op: "handshake", Err: err}
	}

	if rec.NeedsRenewal(s.now(), s.renewFraction()) && rec.staleWarned.CompareAndSwap(false, true) {
		s.Logger.Warn("serving certificate inside renewal window",
			"host", host, "not_after", rec.NotAfter)
	}

	return rec.Certificate, nil
}

func (s *CertificateStore) handshakeFailed(reason string) {
	if s.Metrics != nil {
		s.Metrics.RecordTLSHandshakeError(reason)
	}
}

func (s *CertificateStore) renewFraction() float64 {
	if s.RenewFraction <= 0 || s.RenewFraction >= 1 {
		return DefaultRenewFraction
	}
	return s.RenewFraction
}

// Sweep emits an expired event for each active record that has passed
// hard expiry since the last sweep. It returns the affected hostnames.
func (s *CertificateStore) Sweep() []string {
	now := s.now()
	var expired []*CertificateRecord

	s.mu.Lock()
	for host, rec := range s.snap.Load().active {
		if rec.Expired(now) && s.expired[host] != rec {
			s.expired[host] = rec
			expired = append(expired, rec)
		}
	}
	s.mu.Unlock()

	hosts := make([]string, 0, len(expired))
	for _, rec := range expired {
		s.Logger.Error("certificate expired", "host", rec.Hostname, "not_after", rec.NotAfter)
		s.emit(CertEvent{Type: EventExpired, Hostname: rec.Hostname, NotAfter: rec.NotAfter, Time: now})
		hosts = append(hosts, rec.Hostname)
	}
	slices.Sort(hosts)
	return hosts
}

// Hostnames returns the hostnames with an active record, sorted.
func (s *CertificateStore) Hostnames() []string {
	return slices.Sorted(maps.Keys(s.snap.Load().active))
}

// Expiries returns the NotAfter of every active record.
func (s *CertificateStore) Expiries() map[string]time.Time {
	active := s.snap.Load().active
	out := make(map[string]time.Time, len(active))
	for host, rec := range active {
		out[host] = rec.NotAfter
	}
	return out
}

// Version increases by one on every install.
func (s *CertificateStore) Version() uint64 {
	return s.snap.Load().version
}

// Close stops pending eviction timers. Installs after Close fail.
func (s *CertificateStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for host, rr := range s.retained {
		rr.timer.Stop()
		delete(s.retained, host)
	}
}

func (s *CertificateStore) emit(ev CertEvent) {
	if s.Metrics != nil {
		s.Metrics.RecordCertEvent(ev.Type.String())
	}
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

// emitAsync is used while s.mu is held.
func (s *CertificateStore) emitAsync(ev CertEvent) {
	go s.emit(ev)
}
