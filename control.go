package hypermangle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MaxReloadPayload bounds the TOML body accepted by POST /reload.
const MaxReloadPayload = 1 << 20

// Controller is the set of operations the control channel can drive.
// [Gateway] implements it.
type Controller interface {
	// RequestReload re-reads the rule file, or applies payload when it
	// is non-empty.
	RequestReload(ctx context.Context, payload []byte) (ReloadStatus, error)

	// ForceRenew starts or joins a certificate order for hostname.
	ForceRenew(ctx context.Context, hostname string) (OrderStatus, error)

	Status() StatusResponse
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	ActiveHostnames []string             `json:"active_hostnames"`
	CertExpiries    map[string]time.Time `json:"cert_expiries"`
	RuleCount       int                  `json:"rule_count"`
	RuleVersion     uint64               `json:"rule_version"`
	LastReloadTime  time.Time            `json:"last_reload_time,omitzero"`
	LastReloadError string               `json:"last_reload_error,omitempty"`
	Orders          []OrderStatus        `json:"orders"`
	Upstream        *TransportPoolStats  `json:"upstream,omitempty"`
	PID             int                  `json:"pid"`
	Uptime          string               `json:"uptime"`
}

// IDResponse is returned by GET /id.
type IDResponse struct {
	PID int `json:"pid"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ControlServer serves the control channel over a local unix socket.
// Every request must carry the shared token as a bearer credential.
type ControlServer struct {
	Controller Controller

	// SocketPath is created with mode 0600. A stale socket left by a
	// previous process is removed.
	SocketPath string

	Health  *HealthChecker
	Metrics *Metrics
	Logger  *slog.Logger

	token  []byte
	router chi.Router
}

// NewControlServer creates a ControlServer guarded by token.
func NewControlServer(ctrl Controller, socketPath, token string) *ControlServer {
	c := &ControlServer{
		Controller: ctrl,
		SocketPath: socketPath,
		Logger:     slog.Default(),
		token:      []byte(token),
	}
	c.buildRouter()
	return c
}

func (c *ControlServer) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(c.authenticate)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))
		r.Get("/status", c.handleStatus)
		r.Get("/id", c.handleID)
		r.Post("/reload", c.handleReload)
		r.Post("/renew/{hostname}", c.handleRenew)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if c.Health == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		c.Health.HandleHealthz(w, r)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if c.Health == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		c.Health.HandleReadyz(w, r)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if c.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		c.Metrics.Handler().ServeHTTP(w, r)
	})

	c.router = r
}

// Handler returns the control channel routes.
func (c *ControlServer) Handler() http.Handler {
	return c.router
}

// ServeHTTP implements http.Handler.
func (c *ControlServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.router.ServeHTTP(w, r)
}

// Listen creates the unix socket.
func (c *ControlServer) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(c.SocketPath), 0700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := removeStaleSocket(c.SocketPath); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", c.SocketPath, err)
	}
	if err := os.Chmod(c.SocketPath, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", c.SocketPath, err)
	}
	return ln, nil
}

// Serve accepts control requests on ln until ctx is cancelled.
func (c *ControlServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           c,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(c.Logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	c.Logger.Info("control socket listening", "path", c.SocketPath)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		_ = os.Remove(c.SocketPath)
		return err
	}
}

// removeStaleSocket deletes a leftover socket that nobody is accepting on.
// A live socket means another instance is running.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%s: another instance is already running", path)
	}
	return os.Remove(path)
}

func (c *ControlServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || !tokenEqual([]byte(tok), c.token) {
			c.Logger.Warn("rejected control request", "path", r.URL.Path, "error", ErrUnauthorized)
			c.record(opName(r), "unauthorized")
			c.writeError(w, &ControlError{Status: http.StatusUnauthorized, Message: "unauthorized", Err: ErrUnauthorized})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *ControlServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	c.record("status", "ok")
	c.writeJSON(w, http.StatusOK, c.Controller.Status())
}

func (c *ControlServer) handleID(w http.ResponseWriter, _ *http.Request) {
	c.writeJSON(w, http.StatusOK, IDResponse{PID: os.Getpid()})
}

func (c *ControlServer) handleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxReloadPayload))
	if err != nil {
		c.record("reload", "rejected")
		c.writeError(w, &ControlError{Status: http.StatusRequestEntityTooLarge, Message: "payload too large", Err: err})
		return
	}

	st, err := c.Controller.RequestReload(r.Context(), body)
	if err != nil {
		c.record("reload", "rejected")
		status := http.StatusInternalServerError
		var ce *ConfigError
		if errors.As(err, &ce) {
			status = http.StatusUnprocessableEntity
		}
		c.writeError(w, &ControlError{Status: status, Message: "reload failed", Err: err})
		return
	}

	c.record("reload", "ok")
	c.Logger.Info("rules reloaded via control channel", "version", st.Version, "payload", len(body) > 0)
	c.writeJSON(w, http.StatusOK, st)
}

func (c *ControlServer) handleRenew(w http.ResponseWriter, r *http.Request) {
	hostname := chi.URLParam(r, "hostname")

	st, err := c.Controller.ForceRenew(r.Context(), hostname)
	if err != nil {
		c.record("renew", "rejected")
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrInvalidHostname):
			status = http.StatusBadRequest
		case errors.Is(err, ErrUnknownHost):
			status = http.StatusNotFound
		}
		c.writeError(w, &ControlError{Status: status, Message: "renew failed", Err: err})
		return
	}

	c.record("renew", "ok")
	c.Logger.Info("renewal forced via control channel", "host", st.Hostname, "state", st.State)
	c.writeJSON(w, http.StatusAccepted, st)
}

func (c *ControlServer) record(op, outcome string) {
	if c.Metrics != nil {
		c.Metrics.RecordControlRequest(op, outcome)
	}
}

func opName(r *http.Request) string {
	op, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if op == "" {
		return "unknown"
	}
	return op
}

func (c *ControlServer) writeError(w http.ResponseWriter, ce *ControlError) {
	if ce.Status >= 500 {
		c.Logger.Error("control request failed", "error", ce)
	} else {
		c.Logger.Warn("control request rejected", "error", ce)
	}
	w.Header().Set("Content-Type", "application/json")
	c.writeJSON(w, ce.Status, ErrorResponse{Error: ce.Error()})
}

func (c *ControlServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.Logger.Error("control write error", "error", err)
	}
}
