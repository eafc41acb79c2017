package hypermangle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete process configuration. The rule table
// lives in a separate file (RulesFile) so that it can be reloaded without
// restarting the process.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	ACME        ACMEConfig        `mapstructure:"acme"`
	Control     ControlConfig     `mapstructure:"control"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Upstream    UpstreamConfig    `mapstructure:"upstream"`
	Compression CompressionConfig `mapstructure:"compression"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	// RulesFile is the TOML rule table loaded at startup and on reload.
	RulesFile string `mapstructure:"rules_file"`

	// Watch reloads RulesFile when it changes on disk.
	Watch bool `mapstructure:"watch"`

	// StateDir holds the control socket and, unless acme.storage_path is
	// set, the certificate store.
	StateDir string `mapstructure:"state_dir"`
}

// ServerConfig contains listener settings.
type ServerConfig struct {
	// HTTPSAddr is the TLS listener.
	HTTPSAddr string `mapstructure:"https_addr"`

	// HTTPAddr serves HTTP-01 challenges and redirects to HTTPS.
	HTTPAddr string `mapstructure:"http_addr"`

	// OpsAddr optionally serves /metrics, /healthz and /readyz on a
	// separate listener.
	OpsAddr string `mapstructure:"ops_addr"`

	// HTTPDispatch dispatches plain HTTP requests through the rule table
	// instead of redirecting them.
	HTTPDispatch bool `mapstructure:"http_dispatch"`

	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown of all listeners.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ControlConfig configures the local control socket.
type ControlConfig struct {
	// Socket is the unix socket path. Defaults to <state_dir>/control.sock.
	Socket string `mapstructure:"socket"`

	// Token is the shared bearer token required on every control request.
	Token string `mapstructure:"token"`
}

// GatewayConfig configures bearer authentication, throttling and CORS on
// dispatched traffic.
type GatewayConfig struct {
	// APIToken enables authentication when non-empty.
	APIToken string `mapstructure:"api_token"`

	// PublicPaths are regular expressions for paths that skip
	// authentication.
	PublicPaths []string `mapstructure:"public_paths"`

	// RateLimit is the sustained requests per second allowed per client
	// IP. Zero disables throttling.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`

	// MaxBodySize caps request bodies in bytes. Zero disables the cap.
	MaxBodySize int64 `mapstructure:"max_body_size"`

	CORS CORSConfig `mapstructure:"cors"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// AccessLog enables one log entry per dispatched request.
	AccessLog bool `mapstructure:"access_log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPSAddr:         ":443",
			HTTPAddr:          ":80",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		ACME:        DefaultACMEConfig(),
		Upstream:    DefaultUpstreamConfig(),
		Compression: DefaultCompressionConfig(),
		Gateway: GatewayConfig{
			RateBurst:   20,
			MaxBodySize: 10 << 20,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stderr",
			AccessLog: true,
		},
		RulesFile: "rules.toml",
		Watch:     true,
		StateDir:  "./state",
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./hypermangle.toml
// 3. $HOME/.hypermangle/hypermangle.toml
// 4. /etc/hypermangle/hypermangle.toml
//
// Every key may be overridden from the environment, e.g.
// HYPERMANGLE_CONTROL_TOKEN.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("hypermangle")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.hypermangle")
	v.AddConfigPath("/etc/hypermangle")

	v.SetEnvPrefix("HYPERMANGLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return unmarshalConfig(v, v.ConfigFileUsed())
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, data []byte) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return unmarshalConfig(v, "")
}

func unmarshalConfig(v *viper.Viper, source string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) && ce.Source == "" {
			ce.Source = source
		}
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()

	v.SetDefault("server.https_addr", defaults.Server.HTTPSAddr)
	v.SetDefault("server.http_addr", defaults.Server.HTTPAddr)
	v.SetDefault("server.ops_addr", defaults.Server.OpsAddr)
	v.SetDefault("server.http_dispatch", defaults.Server.HTTPDispatch)
	v.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	v.SetDefault("server.read_header_timeout", defaults.Server.ReadHeaderTimeout)
	v.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", defaults.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaults.Server.ShutdownTimeout)

	v.SetDefault("acme.email", defaults.ACME.Email)
	v.SetDefault("acme.ca", defaults.ACME.CA)
	v.SetDefault("acme.key_type", defaults.ACME.KeyType)
	v.SetDefault("acme.storage_path", "")
	v.SetDefault("acme.accept_tos", defaults.ACME.AcceptTOS)
	v.SetDefault("acme.eab_key_id", "")
	v.SetDefault("acme.eab_mac_key", "")
	v.SetDefault("acme.self_signed", defaults.ACME.SelfSigned)
	v.SetDefault("acme.check_interval", defaults.ACME.CheckInterval)
	v.SetDefault("acme.renew_fraction", defaults.ACME.RenewFraction)
	v.SetDefault("acme.order_timeout", defaults.ACME.OrderTimeout)
	v.SetDefault("acme.request_timeout", defaults.ACME.RequestTimeout)
	v.SetDefault("acme.overlap", defaults.ACME.Overlap)
	v.SetDefault("acme.retry.base", defaults.ACME.Retry.Base)
	v.SetDefault("acme.retry.max", defaults.ACME.Retry.Max)
	v.SetDefault("acme.retry.multiplier", defaults.ACME.Retry.Multiplier)
	v.SetDefault("acme.retry.jitter", defaults.ACME.Retry.Jitter)
	v.SetDefault("acme.retry.max_attempts", defaults.ACME.Retry.MaxAttempts)

	v.SetDefault("control.socket", "")
	v.SetDefault("control.token", "")

	v.SetDefault("gateway.api_token", "")
	v.SetDefault("gateway.public_paths", []string{})
	v.SetDefault("gateway.rate_limit", defaults.Gateway.RateLimit)
	v.SetDefault("gateway.rate_burst", defaults.Gateway.RateBurst)
	v.SetDefault("gateway.max_body_size", defaults.Gateway.MaxBodySize)
	v.SetDefault("gateway.cors.origins", []string{})
	v.SetDefault("gateway.cors.methods", []string{})
	v.SetDefault("gateway.cors.headers", []string{})
	v.SetDefault("gateway.cors.expose_headers", []string{})
	v.SetDefault("gateway.cors.allow_credentials", false)
	v.SetDefault("gateway.cors.max_age", 0)

	v.SetDefault("upstream.max_idle_conns", defaults.Upstream.MaxIdleConns)
	v.SetDefault("upstream.max_idle_conns_per_host", defaults.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.max_conns_per_host", defaults.Upstream.MaxConnsPerHost)
	v.SetDefault("upstream.idle_conn_timeout", defaults.Upstream.IdleConnTimeout)
	v.SetDefault("upstream.dial_timeout", defaults.Upstream.DialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", defaults.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.response_header_timeout", defaults.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.enable_http2", defaults.Upstream.EnableHTTP2)
	v.SetDefault("upstream.insecure_skip_verify", defaults.Upstream.InsecureSkipVerify)

	v.SetDefault("compression.enabled", defaults.Compression.Enabled)
	v.SetDefault("compression.min_size", defaults.Compression.MinSize)
	v.SetDefault("compression.level", defaults.Compression.Level)
	v.SetDefault("compression.prefer_order", defaults.Compression.PreferOrder)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)
	v.SetDefault("logging.output", defaults.Logging.Output)
	v.SetDefault("logging.access_log", defaults.Logging.AccessLog)

	v.SetDefault("rules_file", defaults.RulesFile)
	v.SetDefault("watch", defaults.Watch)
	v.SetDefault("state_dir", defaults.StateDir)
}

func (c *Config) resolvePaths() {
	if c.ACME.StoragePath == "" {
		c.ACME.StoragePath = filepath.Join(c.StateDir, "acme")
	}
	if c.Control.Socket == "" {
		c.Control.Socket = filepath.Join(c.StateDir, "control.sock")
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	ce := &ConfigError{}

	if c.Server.HTTPSAddr == "" {
		ce.add("server.https_addr is required")
	}
	if c.RulesFile == "" {
		ce.add("rules_file is required")
	}
	if c.StateDir == "" {
		ce.add("state_dir is required")
	}
	if c.Control.Token == "" {
		ce.add("control.token is required")
	}

	if !c.ACME.SelfSigned {
		if c.ACME.Email == "" {
			ce.add("acme.email is required unless acme.self_signed is set")
		}
		if !c.ACME.AcceptTOS {
			ce.add("acme.accept_tos must be true unless acme.self_signed is set")
		}
		if c.ACME.CA == "" {
			ce.add("acme.ca is required")
		}
	}
	switch c.ACME.KeyType {
	case "", "ec256", "ec384", "rsa2048", "rsa4096", "rsa8192":
	default:
		ce.add("acme.key_type %q is not supported", c.ACME.KeyType)
	}
	if f := c.ACME.RenewFraction; f <= 0 || f >= 1 {
		ce.add("acme.renew_fraction must be between 0 and 1, got %v", f)
	}
	if c.ACME.CheckInterval <= 0 {
		ce.add("acme.check_interval must be positive")
	}
	if c.ACME.OrderTimeout <= 0 {
		ce.add("acme.order_timeout must be positive")
	}
	if c.ACME.Retry.MaxAttempts < 1 {
		ce.add("acme.retry.max_attempts must be at least 1")
	}
	if c.ACME.Retry.Base <= 0 || c.ACME.Retry.Max < c.ACME.Retry.Base {
		ce.add("acme.retry: base must be positive and not exceed max")
	}

	if c.Gateway.RateLimit < 0 {
		ce.add("gateway.rate_limit must not be negative")
	}
	if c.Gateway.MaxBodySize < 0 {
		ce.add("gateway.max_body_size must not be negative")
	}

	if c.Gateway.CORS.MaxAge < 0 {
		ce.add("gateway.cors.max_age must not be negative")
	}
	if c.Gateway.CORS.AllowCredentials && slices.Contains(c.Gateway.CORS.Origins, "*") {
		ce.add("gateway.cors.allow_credentials cannot be combined with origin \"*\"")
	}

	for i, p := range c.Gateway.PublicPaths {
		if _, err := compilePublicPath(p); err != nil {
			ce.add("gateway.public_paths[%d]: %v", i, err)
		}
	}

	return ce.orNil()
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# hypermangle - TLS gateway configuration
# Every key can be overridden with HYPERMANGLE_<SECTION>_<KEY>.

rules_file = "rules.toml"
watch = true
state_dir = "/var/lib/hypermangle"

[server]
https_addr = ":443"
http_addr = ":80"
# ops_addr = "127.0.0.1:9090"
# Dispatch plain HTTP through the rules instead of redirecting to HTTPS.
http_dispatch = false
read_timeout = "30s"
read_header_timeout = "10s"
write_timeout = "60s"
idle_timeout = "120s"
shutdown_timeout = "15s"

[acme]
email = "admin@example.com"
accept_tos = true
ca = "https://acme-v02.api.letsencrypt.org/directory"
# ca = "https://acme-staging-v02.api.letsencrypt.org/directory"
key_type = "ec256"
# Issue from a local CA instead of contacting a CA (development only).
self_signed = false
check_interval = "24h"
renew_fraction = 0.333
order_timeout = "5m"
request_timeout = "30s"
overlap = "30s"

  [acme.retry]
  base = "30s"
  max = "30m"
  multiplier = 2.0
  jitter = 0.2
  max_attempts = 5

[control]
# socket = "/var/lib/hypermangle/control.sock"
token = "change-me"

[gateway]
# Require Authorization: Bearer <api_token> on dispatched requests.
# api_token = ""
# public_paths = ["^/healthz$", "^/\\.well-known/"]
# Requests per second per client IP; 0 disables throttling.
rate_limit = 0
rate_burst = 20
# Largest accepted request body in bytes; 0 disables the cap.
max_body_size = 10485760

  [gateway.cors]
  # Allowed origins; empty disables CORS.
  # origins = ["https://app.example.com"]
  # methods = ["GET", "POST"]
  # headers = ["Content-Type", "Authorization"]
  # max_age = 600

[upstream]
max_idle_conns = 200
max_idle_conns_per_host = 10
response_header_timeout = "60s"
enable_http2 = true

[compression]
enabled = true
min_size = 256

[logging]
# Log level: debug, info, warn, error
level = "info"
# Log format: text, json
format = "text"
# Output: stdout, stderr, or file path
output = "stderr"
access_log = true
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}
