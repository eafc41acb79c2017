package hypermangle

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/challenge/http01"
)

// ChallengePathPrefix is the well-known prefix served for HTTP-01.
var ChallengePathPrefix = http01.ChallengePath("")

// IsChallengePath reports whether path is under the HTTP-01 prefix.
func IsChallengePath(path string) bool {
	return strings.HasPrefix(path, ChallengePathPrefix)
}

// ChallengeSession is a live HTTP-01 challenge for one hostname. It exists
// only while an order is in flight.
type ChallengeSession struct {
	Hostname         string    `json:"hostname"`
	Token            string    `json:"token"`
	KeyAuthorization string    `json:"-"`
	AuthorizationURL string    `json:"authorization_url,omitempty"`
	Expiry           time.Time `json:"expiry"`
	Attempt          int       `json:"attempt"`
}

// ChallengeRegistry tracks live sessions by token and by hostname and
// serves their key authorizations. At most one session exists per
// hostname.
type ChallengeRegistry struct {
	// TTL bounds how long a session is served if never removed.
	TTL time.Duration

	mu      sync.RWMutex
	byToken map[string]*ChallengeSession
	byHost  map[string]*ChallengeSession

	now func() time.Time
}

// NewChallengeRegistry returns an empty registry with a 10 minute TTL.
func NewChallengeRegistry() *ChallengeRegistry {
	return &ChallengeRegistry{
		TTL:     10 * time.Minute,
		byToken: make(map[string]*ChallengeSession),
		byHost:  make(map[string]*ChallengeSession),
		now:     time.Now,
	}
}

// Register adds sess. A second live session for the same hostname with a
// different token fails with [ErrChallengeConflict].
func (r *ChallengeRegistry) Register(sess *ChallengeSession) error {
	if sess.Token == "" || sess.Hostname == "" {
		return fmt.Errorf("challenge: hostname and token are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if cur := r.byHost[sess.Hostname]; cur != nil && cur.Token != sess.Token && now.Before(cur.Expiry) {
		return fmt.Errorf("%w: %s", ErrChallengeConflict, sess.Hostname)
	} else if cur != nil {
		delete(r.byToken, cur.Token)
	}

	if sess.Expiry.IsZero() {
		sess.Expiry = now.Add(r.TTL)
	}
	r.byToken[sess.Token] = sess
	r.byHost[sess.Hostname] = sess
	return nil
}

// Remove destroys the session for hostname if its token matches.
func (r *ChallengeRegistry) Remove(hostname, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur := r.byHost[hostname]; cur != nil && (token == "" || cur.Token == token) {
		delete(r.byHost, hostname)
		delete(r.byToken, cur.Token)
	}
}

// Lookup returns the live session for token.
func (r *ChallengeRegistry) Lookup(token string) (*ChallengeSession, bool) {
	r.mu.RLock()
	sess := r.byToken[token]
	r.mu.RUnlock()

	if sess == nil || !r.now().Before(sess.Expiry) {
		return nil, false
	}
	return sess, true
}

// Active returns the live session for hostname, if any.
func (r *ChallengeRegistry) Active(hostname string) (*ChallengeSession, bool) {
	r.mu.RLock()
	sess := r.byHost[hostname]
	r.mu.RUnlock()

	if sess == nil || !r.now().Before(sess.Expiry) {
		return nil, false
	}
	return sess, true
}

// Len returns the number of registered sessions, expired or not.
func (r *ChallengeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// ServeHTTP answers HTTP-01 validation requests. The key authorization is
// returned only for a live token whose hostname matches the Host header;
// everything else is 404.
func (r *ChallengeRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(req.URL.Path, ChallengePathPrefix)
	if token == req.URL.Path || token == "" || strings.Contains(token, "/") {
		http.NotFound(w, req)
		return
	}

	sess, ok := r.Lookup(token)
	if !ok || sess.Hostname != hostOnly(req.Host) {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(sess.KeyAuthorization))
}
