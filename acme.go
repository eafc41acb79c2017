package hypermangle

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// ACME CA directory URLs for use with [ACMEConfig].CA.
const (
	LetsEncryptProduction = lego.LEDirectoryProduction
	LetsEncryptStaging    = lego.LEDirectoryStaging
)

// ACMEConfig configures certificate issuance and the lifecycle manager.
//
// Only the HTTP-01 challenge is used. The challenge is answered by the
// gateway's plain HTTP listener, so no separate challenge server is
// started.
type ACMEConfig struct {
	// Email is the address registered with the ACME account.
	Email string `mapstructure:"email"`

	// CA is the ACME directory URL. Defaults to [LetsEncryptProduction].
	CA string `mapstructure:"ca"`

	// KeyType selects the certificate key: ec256 (default), ec384,
	// rsa2048, rsa4096 or rsa8192.
	KeyType string `mapstructure:"key_type"`

	// StoragePath holds account.json and issued certificates.
	StoragePath string `mapstructure:"storage_path"`

	// AcceptTOS must be true to register an account.
	AcceptTOS bool `mapstructure:"accept_tos"`

	// EABKeyID and EABMACKey enable External Account Binding.
	EABKeyID  string `mapstructure:"eab_key_id"`
	EABMACKey string `mapstructure:"eab_mac_key"`

	// SelfSigned issues certificates from a local development CA instead
	// of contacting an ACME server.
	SelfSigned bool `mapstructure:"self_signed"`

	// CheckInterval is how often certificates are checked for renewal.
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// RenewFraction is the share of lifetime remaining at which a
	// certificate is renewed.
	RenewFraction float64 `mapstructure:"renew_fraction"`

	// OrderTimeout bounds one complete issuance attempt, including
	// challenge validation and polling.
	OrderTimeout time.Duration `mapstructure:"order_timeout"`

	// RequestTimeout bounds each HTTP request to the CA.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Overlap is how long a superseded certificate is retained.
	Overlap time.Duration `mapstructure:"overlap"`

	Retry RetryPolicy `mapstructure:"retry"`
}

// DefaultACMEConfig returns production defaults. Email and AcceptTOS must
// still be set before contacting a CA.
func DefaultACMEConfig() ACMEConfig {
	return ACMEConfig{
		CA:             LetsEncryptProduction,
		KeyType:        "ec256",
		StoragePath:    "./acme",
		CheckInterval:  24 * time.Hour,
		RenewFraction:  DefaultRenewFraction,
		OrderTimeout:   5 * time.Minute,
		RequestTimeout: 30 * time.Second,
		Overlap:        DefaultOverlap,
		Retry:          DefaultRetryPolicy(),
	}
}

// IssuedCertificate is the material returned by an [Issuer]. The URLs are
// set when the CA reports them.
type IssuedCertificate struct {
	Chain         []byte
	Key           []byte
	CertURL       string
	CertStableURL string
}

// ChallengeSolver receives HTTP-01 challenge callbacks while an order is
// in flight.
type ChallengeSolver interface {
	// Present publishes the key authorization for token.
	Present(hostname, token, keyAuth string) error
	// Validating signals that the CA has been told the token is ready.
	Validating(hostname, token string)
	// CleanUp withdraws the token.
	CleanUp(hostname, token string) error
}

// Issuer obtains a certificate for a single hostname.
type Issuer interface {
	Name() string
	Issue(ctx context.Context, hostname string, solver ChallengeSolver) (*IssuedCertificate, error)
}

// acmeUser implements registration.User for lego.
type acmeUser struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	KeyPEM       []byte                 `json:"key_pem"`
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string {
	return u.Email
}

func (u *acmeUser) GetRegistration() *registration.Resource {
	return u.Registration
}

func (u *acmeUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	RegisterWithEAB(options registration.RegisterEABOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) RegisterWithEAB(options registration.RegisterEABOptions) (*registration.Resource, error) {
	return l.client.Registration.RegisterWithExternalAccountBinding(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

// LegoIssuer obtains certificates from an ACME CA using lego. A single
// account is registered (or loaded from <StoragePath>/account.json) by
// Initialize; each Issue call runs one order for one hostname.
type LegoIssuer struct {
	config  ACMEConfig
	storage *CertStorage
	logger  *slog.Logger

	clientFactory clientFactory

	mu     sync.Mutex
	client acmeClient
	user   *acmeUser

	// running holds a channel per hostname that is closed when that
	// hostname's Obtain call returns.
	running map[string]chan struct{}

	// solvers routes lego's provider callbacks to the order that owns
	// the hostname.
	solvers sync.Map // hostname -> ChallengeSolver
}

// NewLegoIssuer validates cfg. It does not contact the CA.
func NewLegoIssuer(cfg ACMEConfig, storage *CertStorage) (*LegoIssuer, error) {
	if cfg.Email == "" {
		return nil, errors.New("acme: email is required")
	}
	if !cfg.AcceptTOS {
		return nil, errors.New("acme: must accept Terms of Service (set acme.accept_tos = true)")
	}
	if storage == nil {
		return nil, errors.New("acme: storage is required")
	}
	if cfg.CA == "" {
		cfg.CA = LetsEncryptProduction
	}
	if cfg.KeyType == "" {
		cfg.KeyType = "ec256"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	return &LegoIssuer{
		config:        cfg,
		storage:       storage,
		logger:        slog.Default(),
		clientFactory: defaultClientFactory,
		running:       make(map[string]chan struct{}),
	}, nil
}

// SetLogger replaces the default logger.
func (li *LegoIssuer) SetLogger(logger *slog.Logger) {
	li.logger = logger
}

// Name implements [Issuer].
func (li *LegoIssuer) Name() string {
	return "acme"
}

// Initialize creates the lego client, installs the HTTP-01 provider and
// registers the account if it has not been registered before. Issue calls
// it on first use, so calling it up front is optional.
func (li *LegoIssuer) Initialize(ctx context.Context) error {
	li.mu.Lock()
	defer li.mu.Unlock()
	return li.initialize(ctx)
}

func (li *LegoIssuer) initialize(ctx context.Context) error {
	if li.client != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	user, err := li.loadOrCreateUser()
	if err != nil {
		return fmt.Errorf("acme: load/create user: %w", err)
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = li.config.CA
	legoCfg.Certificate.KeyType = parseKeyType(li.config.KeyType)
	legoCfg.HTTPClient = &http.Client{Timeout: li.config.RequestTimeout}
	if li.config.OrderTimeout > 0 {
		legoCfg.Certificate.Timeout = li.config.OrderTimeout
	}

	client, err := li.clientFactory(legoCfg)
	if err != nil {
		return fmt.Errorf("acme: create client: %w", err)
	}
	if err := client.SetHTTP01Provider(&legoProvider{issuer: li}); err != nil {
		return fmt.Errorf("acme: set HTTP-01 provider: %w", err)
	}

	if user.Registration == nil {
		li.logger.Info("registering ACME account", "email", user.Email, "ca", li.config.CA)

		var reg *registration.Resource
		if li.config.EABKeyID != "" && li.config.EABMACKey != "" {
			reg, err = client.RegisterWithEAB(registration.RegisterEABOptions{
				TermsOfServiceAgreed: true,
				Kid:                  li.config.EABKeyID,
				HmacEncoded:          li.config.EABMACKey,
			})
		} else {
			reg, err = client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		}
		if err != nil {
			return fmt.Errorf("acme: register account: %w", err)
		}
		user.Registration = reg
		if err := li.saveUser(user); err != nil {
			return fmt.Errorf("acme: save user after registration: %w", err)
		}
		li.logger.Info("ACME account registered", "email", user.Email)
	}

	li.user = user
	li.client = client
	return nil
}

// Issue runs one ACME order for hostname. lego does not accept a context,
// so the order runs in its own goroutine and Issue returns as soon as ctx
// is done. An order abandoned that way keeps the hostname busy: the next
// Issue for it waits until the abandoned Obtain returns.
func (li *LegoIssuer) Issue(ctx context.Context, hostname string, solver ChallengeSolver) (*IssuedCertificate, error) {
	li.mu.Lock()
	err := li.initialize(ctx)
	client := li.client
	li.mu.Unlock()
	if err != nil {
		return nil, err
	}

	done, err := li.claim(ctx, hostname)
	if err != nil {
		return nil, err
	}
	li.solvers.Store(hostname, solver)

	type result struct {
		res *certificate.Resource
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer li.release(hostname, done)
		defer li.solvers.CompareAndDelete(hostname, solver)
		res, err := client.Obtain(certificate.ObtainRequest{
			Domains: []string{hostname},
			Bundle:  true,
		})
		ch <- result{res, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("acme: order for %s: %w", hostname, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("acme: obtain: %w", r.err)
		}
		if len(r.res.Certificate) == 0 || len(r.res.PrivateKey) == 0 {
			return nil, errors.New("acme: empty certificate or key in response")
		}
		return &IssuedCertificate{
			Chain:         r.res.Certificate,
			Key:           r.res.PrivateKey,
			CertURL:       r.res.CertURL,
			CertStableURL: r.res.CertStableURL,
		}, nil
	}
}

// claim marks hostname as having an Obtain in flight, first waiting for
// any earlier one to return.
func (li *LegoIssuer) claim(ctx context.Context, hostname string) (chan struct{}, error) {
	for {
		li.mu.Lock()
		prev, busy := li.running[hostname]
		if !busy {
			done := make(chan struct{})
			li.running[hostname] = done
			li.mu.Unlock()
			return done, nil
		}
		li.mu.Unlock()

		li.logger.Warn("waiting for abandoned order to finish", "host", hostname)
		select {
		case <-prev:
		case <-ctx.Done():
			return nil, fmt.Errorf("acme: order for %s: previous order still running: %w", hostname, ctx.Err())
		}
	}
}

func (li *LegoIssuer) release(hostname string, done chan struct{}) {
	li.mu.Lock()
	if li.running[hostname] == done {
		delete(li.running, hostname)
	}
	li.mu.Unlock()
	close(done)
}

// legoProvider adapts lego's challenge.Provider to the per-order solver.
type legoProvider struct {
	issuer *LegoIssuer
}

func (p *legoProvider) solver(domain string) (ChallengeSolver, error) {
	v, ok := p.issuer.solvers.Load(domain)
	if !ok {
		return nil, fmt.Errorf("acme: no order in flight for %s", domain)
	}
	return v.(ChallengeSolver), nil
}

// Present publishes the token. lego notifies the CA as soon as Present
// returns, so the order moves to validating immediately.
func (p *legoProvider) Present(domain, token, keyAuth string) error {
	s, err := p.solver(domain)
	if err != nil {
		return err
	}
	if err := s.Present(domain, token, keyAuth); err != nil {
		return err
	}
	s.Validating(domain, token)
	return nil
}

func (p *legoProvider) CleanUp(domain, token, _ string) error {
	s, err := p.solver(domain)
	if err != nil {
		return nil
	}
	return s.CleanUp(domain, token)
}

func parseKeyType(s string) certcrypto.KeyType {
	switch s {
	case "ec256":
		return certcrypto.EC256
	case "ec384":
		return certcrypto.EC384
	case "rsa2048":
		return certcrypto.RSA2048
	case "rsa4096":
		return certcrypto.RSA4096
	case "rsa8192":
		return certcrypto.RSA8192
	default:
		return certcrypto.EC256
	}
}

func (li *LegoIssuer) loadOrCreateUser() (*acmeUser, error) {
	data, err := os.ReadFile(li.storage.accountPath())
	if err == nil {
		var user acmeUser
		if err := json.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("parse user data: %w", err)
		}
		key, err := parsePrivateKeyPEM(user.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse user key: %w", err)
		}
		user.key = key
		if user.Email != li.config.Email {
			li.logger.Warn("account email differs from configuration; keeping stored account",
				"stored", user.Email, "configured", li.config.Email)
		}
		return &user, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read user file: %w", err)
	}

	li.logger.Info("creating new ACME account key")

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	return &acmeUser{
		Email:  li.config.Email,
		KeyPEM: pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}),
		key:    privateKey,
	}, nil
}

func (li *LegoIssuer) saveUser(user *acmeUser) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	return writeFileAtomic(li.storage.accountPath(), data, 0600)
}

func parsePrivateKeyPEM(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("unsupported key format: %w", err)
	}
	return key, nil
}
