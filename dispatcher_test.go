package hypermangle

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoUpstream reports what it received in response headers.
func echoUpstream(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", name)
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Query", r.URL.RawQuery)
		w.Header().Set("X-Seen-Gateway", r.Header.Get("X-Gateway"))
		w.Header().Set("X-Seen-Request-Id", r.Header.Get(RequestIDHeader))
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Seen-Connection-Token", r.Header.Get("X-Hop"))
		w.Header().Set("X-Seen-Authorization", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDispatcher(t *testing.T, doc string) *Dispatcher {
	t.Helper()
	tr := NewExprTransformer()
	store := NewRuleStore(tr)
	_, err := store.Publish(mustSnapshot(t, doc))
	require.NoError(t, err)

	d := NewDispatcher(store, NewChallengeRegistry(), tr)
	d.Logger = discardLogger()
	return d
}

func serve(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func routingRules(a, b string) string {
	return fmt.Sprintf(`
hosts = ["example.test"]

[fallback]
status = 404
body = "no route"

[[rules]]
name = "catch-all"
host = "^example\\.test$"
priority = -1
action = "forward"
target = %q

[[rules]]
name = "legacy"
path = "^/old"
priority = 10
action = "forward"
target = %q

[[rules]]
name = "deny-admin"
path = "^/admin"
action = "reject"
status = 403
body = "forbidden"
`, b, a)
}

func TestDispatcherRoutesByPriority(t *testing.T) {
	a := echoUpstream(t, "svc-a")
	b := echoUpstream(t, "svc-b")
	d := newTestDispatcher(t, routingRules(a.URL, b.URL))

	w := serve(d, http.MethodGet, "http://example.test/old/page?x=1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "svc-a", w.Body.String())
	assert.Equal(t, "/old/page", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "x=1", w.Header().Get("X-Seen-Query"))

	w = serve(d, http.MethodGet, "http://example.test/new", nil)
	assert.Equal(t, "svc-b", w.Body.String())
}

func TestDispatcherReject(t *testing.T) {
	b := echoUpstream(t, "svc-b")
	d := newTestDispatcher(t, routingRules(b.URL, b.URL))

	w := serve(d, http.MethodGet, "http://example.test/admin/users", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", w.Body.String())
	assert.Empty(t, w.Header().Get("X-Upstream"))
}

func TestDispatcherFallbackStatus(t *testing.T) {
	b := echoUpstream(t, "svc-b")
	d := newTestDispatcher(t, routingRules(b.URL, b.URL))

	w := serve(d, http.MethodGet, "http://unknown.test/", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no route", w.Body.String())
}

func TestDispatcherFallbackTarget(t *testing.T) {
	fb := echoUpstream(t, "fallback")
	d := newTestDispatcher(t, fmt.Sprintf(`
[fallback]
target = %q
`, fb.URL))

	w := serve(d, http.MethodGet, "http://anything.test/x", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fallback", w.Body.String())
}

func TestDispatcherRewriteContinuesMatching(t *testing.T) {
	up := echoUpstream(t, "api")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "mangle"
path = "^/v1/"
priority = 10
action = "rewrite"
  [rules.rewrite]
  strip_prefix = "/v1"
  [[rules.rewrite.headers]]
  name = "X-Gateway"
  value = "hypermangle"
  [[rules.rewrite.response_headers]]
  name = "X-Served-By"
  value = "hypermangle"

[[rules]]
name = "api"
path = "^/users"
action = "forward"
target = %q
`, up.URL))

	w := serve(d, http.MethodGet, "http://example.test/v1/users/7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/users/7", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "hypermangle", w.Header().Get("X-Seen-Gateway"))
	assert.Equal(t, "hypermangle", w.Header().Get("X-Served-By"))
}

func TestDispatcherScriptDirectResponse(t *testing.T) {
	d := newTestDispatcher(t, `
[[rules]]
name = "teapot"
action = "rewrite"
  [rules.rewrite]
  script = 'request.path == "/brew" ? {"status": 418, "body": "short and stout"} : nil'
`)

	w := serve(d, http.MethodGet, "http://example.test/brew", nil)
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, "short and stout", w.Body.String())

	w = serve(d, http.MethodGet, "http://example.test/other", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no target and no later rule falls through to the fallback")
}

type fixedTransformer struct{ res *TransformResult }

func (f fixedTransformer) Transform(context.Context, *TransformRequest) (*TransformResult, error) {
	return f.res, nil
}

func TestDispatcherTransformStatusChecked(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{0, http.StatusInternalServerError},
		{http.StatusContinue, http.StatusInternalServerError},
		{600, http.StatusInternalServerError},
		{http.StatusNoContent, http.StatusNoContent},
		{http.StatusAccepted, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			d := newTestDispatcher(t, `
[[rules]]
name = "scripted"
action = "rewrite"
  [rules.rewrite]
  script = 'true'
`)
			d.Transformer = fixedTransformer{&TransformResult{Response: &TransformResponse{Status: tt.status}}}

			w := serve(d, http.MethodGet, "http://example.test/", nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestDispatcherScriptModifiesRequest(t *testing.T) {
	up := echoUpstream(t, "api")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "script"
action = "rewrite"
  [rules.rewrite]
  script = '{"path": "/rewritten", "query": "a=b", "headers": {"X-Gateway": "script"}}'
  target = %q
`, up.URL))

	w := serve(d, http.MethodGet, "http://example.test/orig?z=9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "/rewritten", w.Header().Get("X-Seen-Path"))
	assert.Equal(t, "a=b", w.Header().Get("X-Seen-Query"))
	assert.Equal(t, "script", w.Header().Get("X-Seen-Gateway"))
}

func TestDispatcherUpstreamUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "dead"
action = "forward"
target = "http://%s"
`, addr))

	w := serve(d, http.MethodGet, "http://example.test/", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestDispatcherUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "slow"
action = "forward"
target = %q
`, slow.URL))
	cfg := DefaultUpstreamConfig()
	cfg.ResponseHeaderTimeout = 50 * time.Millisecond
	d.Transport = NewTransportPool(cfg)

	w := serve(d, http.MethodGet, "http://example.test/", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestDispatcherAuth(t *testing.T) {
	up := echoUpstream(t, "svc")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "all"
action = "forward"
target = %q
`, up.URL))
	auth, err := NewBearerAuth("s3cret", []string{"^/public/"})
	require.NoError(t, err)
	d.Auth = auth

	w := serve(d, http.MethodGet, "http://example.test/private", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

	w = serve(d, http.MethodGet, "http://example.test/private", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(d, http.MethodGet, "http://example.test/public/logo.png", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatcherStripsGatewayCredentials(t *testing.T) {
	up := echoUpstream(t, "svc")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "all"
action = "forward"
target = %q
`, up.URL))
	auth, err := NewBearerAuth("s3cret", []string{"^/public/"})
	require.NoError(t, err)
	auth.Logger = discardLogger()
	d.Auth = auth

	w := serve(d, http.MethodGet, "http://example.test/private?a=1", map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Seen-Authorization"))
	assert.Equal(t, "a=1", w.Header().Get("X-Seen-Query"))

	w = serve(d, http.MethodGet, "http://example.test/private?api_token=s3cret&a=1&b=%20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a=1&b=%20", w.Header().Get("X-Seen-Query"))

	// Credentials meant for the upstream pass through on public paths.
	w = serve(d, http.MethodGet, "http://example.test/public/x", map[string]string{"Authorization": "Bearer upstream-token"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer upstream-token", w.Header().Get("X-Seen-Authorization"))
}

func TestDispatcherRateLimit(t *testing.T) {
	up := echoUpstream(t, "svc")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "all"
action = "forward"
target = %q
`, up.URL))
	d.Limiter = NewClientLimiter(0.001, 1)
	t.Cleanup(d.Limiter.Close)

	assert.Equal(t, http.StatusOK, serve(d, http.MethodGet, "http://example.test/", nil).Code)
	w := serve(d, http.MethodGet, "http://example.test/", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestDispatcherBodyTooLarge(t *testing.T) {
	up := echoUpstream(t, "svc")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "all"
action = "forward"
target = %q
`, up.URL))
	d.MaxBodySize = 4

	req := httptest.NewRequest(http.MethodPost, "http://example.test/upload", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()
	d.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodPost, "http://example.test/upload", strings.NewReader("ok"))
	w = httptest.NewRecorder()
	d.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDispatcherRequestID(t *testing.T) {
	up := echoUpstream(t, "svc")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "all"
action = "forward"
target = %q
`, up.URL))

	inbound := uuid.NewString()
	w := serve(d, http.MethodGet, "http://example.test/", map[string]string{RequestIDHeader: inbound})
	assert.Equal(t, inbound, w.Header().Get(RequestIDHeader))
	assert.Equal(t, inbound, w.Header().Get("X-Seen-Request-Id"))

	w = serve(d, http.MethodGet, "http://example.test/", map[string]string{RequestIDHeader: "not-a-uuid"})
	id := w.Header().Get(RequestIDHeader)
	assert.NotEqual(t, "not-a-uuid", id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	w = serve(d, http.MethodGet, "http://nowhere.test/", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader), "generated responses carry an id too")
}

func TestDispatcherStripsHopByHopAndSetsForwarded(t *testing.T) {
	up := echoUpstream(t, "svc")
	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "all"
action = "forward"
target = %q
`, up.URL))

	w := serve(d, http.MethodGet, "http://example.test/", map[string]string{
		"Connection": "X-Hop",
		"X-Hop":      "secret",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Seen-Connection-Token"))
	assert.Equal(t, "192.0.2.1", w.Header().Get("X-Seen-Forwarded-For"))
}

func TestDispatcherHTTPHandler(t *testing.T) {
	d := newTestDispatcher(t, `hosts = ["example.test"]`)
	d.RedirectPort = "8443"
	require.NoError(t, d.Challenges.Register(&ChallengeSession{
		Hostname: "example.test", Token: "tok", KeyAuthorization: "tok.thumb",
	}))
	h := d.HTTPHandler()

	w := serve(h, http.MethodGet, "http://example.test"+ChallengePathPrefix+"tok", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tok.thumb", w.Body.String())

	w = serve(h, http.MethodGet, "http://example.test:80/a/b?c=d", nil)
	assert.Equal(t, http.StatusPermanentRedirect, w.Code)
	assert.Equal(t, "https://example.test:8443/a/b?c=d", w.Header().Get("Location"))

	d.RedirectPort = "443"
	w = serve(h, http.MethodGet, "http://example.test/", nil)
	assert.Equal(t, "https://example.test/", w.Header().Get("Location"))
}

func TestDispatcherHTTPDispatch(t *testing.T) {
	d := newTestDispatcher(t, `
[fallback]
status = 410
`)
	d.HTTPDispatch = true

	w := serve(d.HTTPHandler(), http.MethodGet, "http://example.test/", nil)
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestDispatcherCapturesTablePerRequest(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, "old")
	}))
	t.Cleanup(slow.Close)

	d := newTestDispatcher(t, fmt.Sprintf(`
[[rules]]
name = "v1"
action = "forward"
target = %q
`, slow.URL))

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- serve(d, http.MethodGet, "http://example.test/", nil) }()
	<-entered

	_, err := d.Rules.Publish(mustSnapshot(t, `
[[rules]]
name = "v2"
action = "reject"
status = 503
`))
	require.NoError(t, err)
	close(release)

	assert.Equal(t, "old", (<-done).Body.String(), "in-flight request finishes against its table")
	assert.Equal(t, http.StatusServiceUnavailable, serve(d, http.MethodGet, "http://example.test/", nil).Code)
}
