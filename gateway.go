package hypermangle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"
)

// Gateway owns every long-lived component of a running process: the
// listeners, the rule and certificate stores, the certificate lifecycle
// and the control channel. It implements [Controller].
type Gateway struct {
	Config Config
	Logger *slog.Logger

	Metrics    *Metrics
	Health     *HealthChecker
	Rules      *RuleStore
	Reloader   *Reloader
	Certs      *CertificateStore
	Storage    *CertStorage
	Challenges *ChallengeRegistry
	Issuer     Issuer
	Lifecycle  *LifecycleManager
	Transport  *TransportPool
	Dispatcher *Dispatcher
	Control    *ControlServer

	ready     chan struct{}
	httpsAddr net.Addr
	httpAddr  net.Addr
}

// New builds a gateway from cfg. The rule file is loaded and certificates
// persisted by a previous run are installed; a rule file that fails
// validation is a startup error. No listener is opened until Run.
func New(cfg Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		Config:     cfg,
		Logger:     logger,
		Metrics:    NewMetrics(),
		Health:     NewHealthChecker(),
		Challenges: NewChallengeRegistry(),
		ready:      make(chan struct{}),
	}

	storage, err := NewCertStorage(cfg.ACME.StoragePath)
	if err != nil {
		return nil, err
	}
	storage.Logger = logger.With("component", "storage")
	g.Storage = storage

	g.Certs = NewCertificateStore()
	g.Certs.Overlap = cfg.ACME.Overlap
	g.Certs.RenewFraction = cfg.ACME.RenewFraction
	g.Certs.Logger = logger.With("component", "certs")
	g.Certs.Metrics = g.Metrics

	if g.Issuer, err = newIssuer(cfg.ACME, storage, logger); err != nil {
		return nil, err
	}

	g.Lifecycle = NewLifecycleManager(g.Issuer, g.Certs, g.Challenges)
	g.Lifecycle.Storage = storage
	g.Lifecycle.Retry = cfg.ACME.Retry
	g.Lifecycle.CheckInterval = cfg.ACME.CheckInterval
	g.Lifecycle.RenewFraction = cfg.ACME.RenewFraction
	g.Lifecycle.OrderTimeout = cfg.ACME.OrderTimeout
	g.Lifecycle.Logger = logger.With("component", "lifecycle")
	g.Lifecycle.Metrics = g.Metrics

	transformer := NewExprTransformer()
	g.Rules = NewRuleStore(transformer)
	g.Reloader = NewReloader(g.Rules, cfg.RulesFile)
	g.Reloader.Hosts = g.Lifecycle
	g.Reloader.Metrics = g.Metrics
	g.Reloader.Logger = logger.With("component", "rules")

	if _, err := g.Reloader.Reload(context.Background(), "startup"); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	if err := g.restoreCertificates(); err != nil {
		return nil, err
	}

	g.Transport = NewTransportPool(cfg.Upstream)

	d := NewDispatcher(g.Rules, g.Challenges, transformer)
	d.Transport = g.Transport
	d.HTTPDispatch = cfg.Server.HTTPDispatch
	d.Metrics = g.Metrics
	d.Logger = logger.With("component", "dispatcher")
	if cfg.Logging.AccessLog {
		d.AccessLog = NewAccessLogger(logger.With("component", "access"))
	}
	if d.Auth, err = NewBearerAuth(cfg.Gateway.APIToken, cfg.Gateway.PublicPaths); err != nil {
		return nil, err
	}
	if d.Auth != nil {
		d.Auth.Logger = d.Logger
	}
	d.Limiter = NewClientLimiter(cfg.Gateway.RateLimit, cfg.Gateway.RateBurst)
	d.MaxBodySize = cfg.Gateway.MaxBodySize
	g.Dispatcher = d

	g.Control = NewControlServer(g, cfg.Control.Socket, cfg.Control.Token)
	g.Control.Health = g.Health
	g.Control.Metrics = g.Metrics
	g.Control.Logger = logger.With("component", "control")

	g.Health.AddCheck("rules", func() error {
		if g.Rules.Load().Version == 0 {
			return errors.New("no rule table loaded")
		}
		return nil
	})
	g.Health.AddCheck("certificates", func() error {
		if len(g.Certs.Hostnames()) == 0 {
			return ErrCertificateMissing
		}
		return nil
	})

	return g, nil
}

func newIssuer(cfg ACMEConfig, storage *CertStorage, logger *slog.Logger) (Issuer, error) {
	if cfg.SelfSigned {
		logger.Warn("using self-signed development CA, certificates will not be publicly trusted")
		return NewSelfSignedIssuer("hypermangle development CA")
	}
	li, err := NewLegoIssuer(cfg, storage)
	if err != nil {
		return nil, err
	}
	li.SetLogger(logger.With("component", "acme"))
	return li, nil
}

// restoreCertificates installs unexpired certificates saved by a previous
// run for hostnames that are still configured.
func (g *Gateway) restoreCertificates() error {
	recs, err := g.Storage.LoadAll()
	if err != nil {
		return fmt.Errorf("load stored certificates: %w", err)
	}
	table := g.Rules.Load()
	for _, rec := range recs {
		if !table.HasHost(rec.Hostname) {
			g.Logger.Debug("skipping stored certificate for unconfigured host", "host", rec.Hostname)
			continue
		}
		if err := g.Certs.Install(rec); err != nil {
			g.Logger.Warn("stored certificate rejected", "host", rec.Hostname, "error", err)
			continue
		}
		g.Logger.Info("restored certificate", "host", rec.Hostname, "not_after", rec.NotAfter)
	}
	return nil
}

// Ready is closed once every listener is bound.
func (g *Gateway) Ready() <-chan struct{} {
	return g.ready
}

// HTTPSAddr is the bound TLS listener address. Valid after Ready.
func (g *Gateway) HTTPSAddr() net.Addr { return g.httpsAddr }

// HTTPAddr is the bound plain HTTP listener address. Valid after Ready.
func (g *Gateway) HTTPAddr() net.Addr { return g.httpAddr }

// TLSConfig returns the listener TLS configuration. Certificates are
// chosen per handshake from the certificate store, so a hostname without
// an active certificate fails the handshake.
func (g *Gateway) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: g.Certs.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}

// Run binds every listener, starts the certificate lifecycle and blocks
// until ctx is cancelled or a listener fails. Listeners are then shut
// down gracefully within server.shutdown_timeout.
//
// The ACME account is set up by the first order, so an unreachable CA
// is retried by the lifecycle while restored certificates are served.
func (g *Gateway) Run(ctx context.Context) error {
	sc := g.Config.Server
	errorLog := slog.NewLogLogger(g.Logger.Handler(), slog.LevelWarn)

	var handler http.Handler = g.Dispatcher
	if g.Config.Compression.Enabled {
		handler = Compress(g.Config.Compression)(handler)
	}
	handler = CORS(g.Config.Gateway.CORS)(handler)

	httpsSrv := &http.Server{
		Handler:           handler,
		TLSConfig:         g.TLSConfig(),
		ReadTimeout:       sc.ReadTimeout,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ErrorLog:          errorLog,
	}
	if err := http2.ConfigureServer(httpsSrv, nil); err != nil {
		return fmt.Errorf("configure http2: %w", err)
	}

	httpHandler := g.Dispatcher.HTTPHandler()
	if sc.HTTPDispatch {
		httpHandler = CORS(g.Config.Gateway.CORS)(httpHandler)
	}
	httpSrv := &http.Server{
		Handler:           httpHandler,
		ReadTimeout:       sc.ReadTimeout,
		ReadHeaderTimeout: sc.ReadHeaderTimeout,
		WriteTimeout:      sc.WriteTimeout,
		IdleTimeout:       sc.IdleTimeout,
		ErrorLog:          errorLog,
	}

	httpsLn, err := net.Listen("tcp", sc.HTTPSAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sc.HTTPSAddr, err)
	}
	httpLn, err := net.Listen("tcp", sc.HTTPAddr)
	if err != nil {
		_ = httpsLn.Close()
		return fmt.Errorf("listen %s: %w", sc.HTTPAddr, err)
	}
	controlLn, err := g.Control.Listen()
	if err != nil {
		_ = httpsLn.Close()
		_ = httpLn.Close()
		return err
	}

	var opsSrv *http.Server
	var opsLn net.Listener
	if sc.OpsAddr != "" {
		if opsLn, err = net.Listen("tcp", sc.OpsAddr); err != nil {
			_ = httpsLn.Close()
			_ = httpLn.Close()
			_ = controlLn.Close()
			return fmt.Errorf("listen %s: %w", sc.OpsAddr, err)
		}
		opsSrv = &http.Server{
			Handler:           g.opsHandler(),
			ReadHeaderTimeout: sc.ReadHeaderTimeout,
			ErrorLog:          errorLog,
		}
	}

	g.httpsAddr = httpsLn.Addr()
	g.httpAddr = httpLn.Addr()
	if _, port, err := net.SplitHostPort(g.httpsAddr.String()); err == nil {
		g.Dispatcher.RedirectPort = port
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.Logger.Info("https listener started", "addr", g.httpsAddr)
		return serveErr(httpsSrv.ServeTLS(httpsLn, "", ""))
	})
	eg.Go(func() error {
		g.Logger.Info("http listener started", "addr", g.httpAddr, "dispatch", sc.HTTPDispatch)
		return serveErr(httpSrv.Serve(httpLn))
	})
	if opsSrv != nil {
		eg.Go(func() error {
			g.Logger.Info("ops listener started", "addr", opsLn.Addr())
			return serveErr(opsSrv.Serve(opsLn))
		})
	}
	eg.Go(func() error {
		return g.Control.Serve(ctx, controlLn)
	})

	if g.Config.Watch {
		fw := NewFileWatcher(g.Config.RulesFile, func(ctx context.Context) error {
			_, err := g.Reloader.Reload(ctx, "watch")
			return err
		})
		fw.Logger = g.Logger.With("component", "watch")
		eg.Go(func() error { return fw.Run(ctx) })
	}

	hup := WatchSIGHUP(ctx, func(ctx context.Context) error {
		_, err := g.Reloader.Reload(ctx, "signal")
		return err
	}, g.Logger)

	g.Lifecycle.Start()
	g.Health.SetReady(true)
	close(g.ready)
	g.Logger.Info("gateway started",
		"pid", os.Getpid(),
		"rules", g.Rules.Load().Len(),
		"hosts", len(g.Lifecycle.Hosts()),
		"issuer", g.Issuer.Name(),
	)

	eg.Go(func() error {
		<-ctx.Done()
		g.Health.SetReady(false)
		g.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
		defer cancel()

		var errs []error
		errs = append(errs, httpsSrv.Shutdown(shutdownCtx), httpSrv.Shutdown(shutdownCtx))
		if opsSrv != nil {
			errs = append(errs, opsSrv.Shutdown(shutdownCtx))
		}
		hup.Cancel()
		errs = append(errs, g.Lifecycle.Close())
		g.Certs.Close()
		g.Transport.CloseIdleConnections()
		if g.Dispatcher.Limiter != nil {
			g.Dispatcher.Limiter.Close()
		}
		return errors.Join(errs...)
	})

	return eg.Wait()
}

func serveErr(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) opsHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", g.Health.HandleHealthz)
	r.Get("/readyz", g.Health.HandleReadyz)
	r.Handle("/metrics", g.Metrics.Handler())
	return r
}

// RequestReload implements [Controller].
func (g *Gateway) RequestReload(ctx context.Context, payload []byte) (ReloadStatus, error) {
	if len(payload) == 0 {
		return g.Reloader.Reload(ctx, "control")
	}
	return g.Reloader.Apply(ctx, "control", payload)
}

// ForceRenew implements [Controller]. It returns as soon as the order is
// started or joined; progress is visible through Status.
func (g *Gateway) ForceRenew(_ context.Context, hostname string) (OrderStatus, error) {
	o, err := g.Lifecycle.ForceRenew(hostname)
	if err != nil {
		return OrderStatus{}, err
	}
	return o.Status(), nil
}

// Status implements [Controller].
func (g *Gateway) Status() StatusResponse {
	table := g.Rules.Load()
	last := g.Reloader.LastReload()
	stats := g.Transport.Stats()

	return StatusResponse{
		ActiveHostnames: g.Certs.Hostnames(),
		CertExpiries:    g.Certs.Expiries(),
		RuleCount:       table.Len(),
		RuleVersion:     table.Version,
		LastReloadTime:  last.Time,
		LastReloadError: last.Error,
		Orders:          g.Lifecycle.Status(),
		Upstream:        &stats,
		PID:             os.Getpid(),
		Uptime:          g.Health.Uptime().Round(time.Second).String(),
	}
}
