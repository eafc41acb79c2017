package hypermangle

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSConfig configures cross-origin handling on dispatched traffic.
// CORS is disabled when Origins is empty.
type CORSConfig struct {
	// Origins lists allowed origins. "*" allows any origin; a single
	// wildcard inside an entry, as in "https://*.example.test", matches
	// subdomains.
	Origins []string `mapstructure:"origins"`

	// Methods defaults to GET, POST and HEAD.
	Methods []string `mapstructure:"methods"`

	// Headers lists request headers a preflight may ask for.
	Headers []string `mapstructure:"headers"`

	ExposeHeaders    []string `mapstructure:"expose_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`

	// MaxAge is how long, in seconds, browsers may cache a preflight.
	MaxAge int `mapstructure:"max_age"`
}

// Enabled reports whether any origin is allowed.
func (c CORSConfig) Enabled() bool {
	return len(c.Origins) > 0
}

// CORS returns middleware answering preflight requests and decorating
// responses for allowed origins. It must wrap authentication so that
// preflights, which carry no credentials, are answered directly.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins,
		AllowedMethods:   cfg.Methods,
		AllowedHeaders:   cfg.Headers,
		ExposedHeaders:   cfg.ExposeHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	})
}
