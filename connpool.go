package hypermangle

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// UpstreamConfig configures the connections the dispatcher opens to
// forward targets.
type UpstreamConfig struct {
	MaxIdleConns        int `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`

	// MaxConnsPerHost limits dialing, active and idle connections per
	// target host. Zero means no limit.
	MaxConnsPerHost int `mapstructure:"max_conns_per_host"`

	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`

	// ResponseHeaderTimeout bounds the wait for upstream response
	// headers. Exceeding it yields a 504.
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`

	EnableHTTP2        bool `mapstructure:"enable_http2"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
}

// DefaultUpstreamConfig returns the pool settings used when the config
// file has no upstream section.
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		EnableHTTP2:           true,
	}
}

// TransportPool is the shared [http.RoundTripper] used for every
// forwarded request. It counts requests per target host so that status
// output can show where traffic is going.
type TransportPool struct {
	config    UpstreamConfig
	transport atomic.Pointer[http.Transport]

	totalRequests  atomic.Int64
	activeRequests atomic.Int64

	mu      sync.Mutex
	perHost map[string]int64
}

// NewTransportPool creates a pool from cfg. Zero fields fall back to
// DefaultUpstreamConfig.
func NewTransportPool(cfg UpstreamConfig) *TransportPool {
	def := DefaultUpstreamConfig()
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	return &TransportPool{config: cfg, perHost: make(map[string]int64)}
}

// Config returns the settings the pool was built with.
func (tp *TransportPool) Config() UpstreamConfig {
	return tp.config
}

// Build creates a fresh [http.Transport] and closes idle connections on
// the one it replaces.
func (tp *TransportPool) Build() *http.Transport {
	cfg := tp.config
	t := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // opt-in for private upstreams
		},
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}
	if cfg.EnableHTTP2 {
		// ConfigureTransports only fails when the transport was already
		// configured for h2, which cannot happen on a fresh one.
		_, _ = http2.ConfigureTransports(t)
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}
	return t
}

// RoundTrip implements [http.RoundTripper].
func (tp *TransportPool) RoundTrip(req *http.Request) (*http.Response, error) {
	tp.totalRequests.Add(1)
	tp.activeRequests.Add(1)
	defer tp.activeRequests.Add(-1)

	tp.mu.Lock()
	tp.perHost[req.URL.Host]++
	tp.mu.Unlock()

	t := tp.transport.Load()
	if t == nil {
		t = tp.Build()
	}
	return t.RoundTrip(req)
}

// CloseIdleConnections closes all idle connections in the pool.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}

// TransportPoolStats holds a snapshot of pool counters.
type TransportPoolStats struct {
	TotalRequests  int64            `json:"total_requests"`
	ActiveRequests int64            `json:"active_requests"`
	PerHost        map[string]int64 `json:"per_host,omitempty"`
}

// Stats returns a snapshot of the pool counters.
func (tp *TransportPool) Stats() TransportPoolStats {
	tp.mu.Lock()
	perHost := make(map[string]int64, len(tp.perHost))
	for k, v := range tp.perHost {
		perHost[k] = v
	}
	tp.mu.Unlock()

	return TransportPoolStats{
		TotalRequests:  tp.totalRequests.Load(),
		ActiveRequests: tp.activeRequests.Load(),
		PerHost:        perHost,
	}
}
