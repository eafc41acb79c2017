package hypermangle

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// BearerAuth rejects requests that do not carry the configured token,
// either as "Authorization: Bearer <token>" or as an api_token query
// parameter. Paths matching a public pattern pass without a token.
type BearerAuth struct {
	token  []byte
	public []*regexp.Regexp

	// Realm is sent in WWW-Authenticate on 401 responses.
	Realm string

	Logger *slog.Logger
}

// NewBearerAuth compiles publicPaths. An empty token yields a nil
// *BearerAuth, meaning authentication is disabled.
func NewBearerAuth(token string, publicPaths []string) (*BearerAuth, error) {
	if token == "" {
		return nil, nil
	}
	a := &BearerAuth{
		token:  []byte(token),
		Realm:  "hypermangle",
		Logger: slog.Default(),
	}
	for _, p := range publicPaths {
		re, err := compilePublicPath(p)
		if err != nil {
			return nil, err
		}
		a.public = append(a.public, re)
	}
	return a, nil
}

func compilePublicPath(p string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("public path %q: %w", p, err)
	}
	return re, nil
}

// Public reports whether path skips authentication.
func (a *BearerAuth) Public(path string) bool {
	for _, re := range a.public {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Authorized reports whether r carries the token.
func (a *BearerAuth) Authorized(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		return ok && tokenEqual([]byte(tok), a.token)
	}
	if q := r.URL.Query().Get("api_token"); q != "" {
		return tokenEqual([]byte(q), a.token)
	}
	return false
}

// Admit reports whether r may proceed. When r carries the token, the
// token is removed from its Authorization header and query so that it is
// never forwarded upstream.
func (a *BearerAuth) Admit(r *http.Request) bool {
	if a.Authorized(r) {
		stripCredentials(r)
		return true
	}
	if a.Public(r.URL.Path) {
		return true
	}
	a.Logger.Warn("unauthorized request",
		"remote", r.RemoteAddr,
		"host", r.Host,
		"path", r.URL.Path,
	)
	return false
}

// stripCredentials replaces r's header map and URL with copies lacking
// the gateway token.
func stripCredentials(r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		r.Header = r.Header.Clone()
		r.Header.Del("Authorization")
	}
	if r.URL.RawQuery != "" {
		u := *r.URL
		u.RawQuery = removeQueryParam(u.RawQuery, "api_token")
		r.URL = &u
	}
}

// removeQueryParam drops every name parameter from raw, keeping the order
// and encoding of the rest.
func removeQueryParam(raw, name string) string {
	parts := strings.Split(raw, "&")
	kept := parts[:0]
	for _, p := range parts {
		k, _, _ := strings.Cut(p, "=")
		if key, err := url.QueryUnescape(k); err == nil && key == name {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

func tokenEqual(got, want []byte) bool {
	return len(want) > 0 && subtle.ConstantTimeCompare(got, want) == 1
}
