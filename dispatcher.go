package hypermangle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnectionContext is the per-request scratch state owned by the
// [Dispatcher] for the lifetime of one request.
type ConnectionContext struct {
	// ID is the correlation id echoed in X-Request-Id.
	ID string

	Start time.Time

	// Rule is the name of the last matched rule, or "fallback".
	Rule string

	// Action is forward, rewrite, reject, fallback or unauthorized.
	Action string

	// TableVersion is the version of the rule table captured at the
	// start of the request.
	TableVersion uint64

	Upstream string
	Err      error
}

// Elapsed returns the time since the request started.
func (cc *ConnectionContext) Elapsed() time.Duration {
	return time.Since(cc.Start)
}

type connectionContextKey struct{}

// WithConnectionContext attaches cc to ctx.
func WithConnectionContext(ctx context.Context, cc *ConnectionContext) context.Context {
	return context.WithValue(ctx, connectionContextKey{}, cc)
}

// ConnectionContextFrom returns the ConnectionContext attached to ctx, or nil.
func ConnectionContextFrom(ctx context.Context) *ConnectionContext {
	cc, _ := ctx.Value(connectionContextKey{}).(*ConnectionContext)
	return cc
}

// RequestIDHeader carries the correlation id to clients and upstreams.
const RequestIDHeader = "X-Request-Id"

// Dispatcher matches requests against the active [RuleTable] and executes
// the matched action. The table is captured once per request, so a reload
// never changes the rules a request is evaluated against.
type Dispatcher struct {
	Rules *RuleStore

	// Challenges answers HTTP-01 validation requests on the plain HTTP
	// listener regardless of the rule table.
	Challenges *ChallengeRegistry

	// Transformer evaluates rewrite scripts. Rules with a script are
	// rejected at load time when it is nil.
	Transformer Transformer

	// Transport forwards requests upstream. Defaults to a [TransportPool]
	// with default settings.
	Transport http.RoundTripper

	// Auth, when set, guards every dispatched request.
	Auth *BearerAuth

	// Limiter, when set, throttles clients with 429 responses.
	Limiter *ClientLimiter

	// MaxBodySize caps request bodies forwarded upstream. Zero disables
	// the cap.
	MaxBodySize int64

	// HTTPDispatch routes plain HTTP requests through the rule table
	// instead of redirecting them to HTTPS.
	HTTPDispatch bool

	// RedirectPort is appended to HTTPS redirects when the TLS listener
	// is not on 443.
	RedirectPort string

	AccessLog *AccessLogger
	Metrics   *Metrics
	Logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher reading from rules.
func NewDispatcher(rules *RuleStore, challenges *ChallengeRegistry, transformer Transformer) *Dispatcher {
	return &Dispatcher{
		Rules:       rules,
		Challenges:  challenges,
		Transformer: transformer,
		Transport:   NewTransportPool(DefaultUpstreamConfig()),
		Logger:      slog.Default(),
	}
}

// ServeHTTP dispatches a request received on the TLS listener.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	table := d.Rules.Load()
	cc := &ConnectionContext{
		ID:           requestID(r),
		Start:        time.Now(),
		TableVersion: table.Version,
	}
	r = r.WithContext(WithConnectionContext(r.Context(), cc))
	w.Header().Set(RequestIDHeader, cc.ID)

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	if d.Metrics != nil {
		d.Metrics.IncActiveRequests()
		defer d.Metrics.DecActiveRequests()
	}
	defer d.finish(rec, r, cc)

	if d.Auth != nil && !d.Auth.Admit(r) {
		cc.Action = "unauthorized"
		cc.Err = ErrUnauthorized
		rec.Header().Set("WWW-Authenticate", `Bearer realm="`+d.Auth.Realm+`"`)
		d.respond(rec, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), nil, nil)
		return
	}

	if d.Limiter != nil && !d.Limiter.Allow(r.RemoteAddr) {
		cc.Action = "throttled"
		rec.Header().Set("Retry-After", "1")
		d.respond(rec, http.StatusTooManyRequests, "rate limit exceeded", nil, nil)
		return
	}

	if d.MaxBodySize > 0 && r.Body != nil && r.Body != http.NoBody {
		if r.ContentLength > d.MaxBodySize {
			cc.Action = "too_large"
			cc.Err = ErrBodyTooLarge
			d.respond(rec, http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge), nil, nil)
			return
		}
		r.Body = limitBody(r.Body, d.MaxBodySize)
	}

	d.dispatch(rec, r, table, cc)
}

// HTTPHandler returns the handler for the plain HTTP listener: challenge
// responses first, then a permanent redirect to HTTPS or, with
// HTTPDispatch, normal dispatch.
func (d *Dispatcher) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IsChallengePath(r.URL.Path) && d.Challenges != nil {
			d.Challenges.ServeHTTP(w, r)
			return
		}
		if d.HTTPDispatch {
			d.ServeHTTP(w, r)
			return
		}

		host := hostOnly(r.Host)
		if host == "" {
			http.Error(w, "missing host", http.StatusBadRequest)
			return
		}
		if d.RedirectPort != "" && d.RedirectPort != "443" {
			host = net.JoinHostPort(host, d.RedirectPort)
		}
		target := url.URL{Scheme: "https", Host: host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
		http.Redirect(w, r, target.String(), http.StatusPermanentRedirect)
	})
}

func (d *Dispatcher) dispatch(w http.ResponseWriter, r *http.Request, table *RuleTable, cc *ConnectionContext) {
	var responseOps []HeaderMutation

	for from := 0; ; {
		rule, idx := table.Match(r, from)
		if rule == nil {
			d.fallback(w, r, table.Fallback, cc, responseOps)
			return
		}

		cc.Rule = rule.Name
		if d.Metrics != nil {
			d.Metrics.RecordRuleMatch(rule.Name)
		}

		switch a := rule.Action.(type) {
		case ForwardAction:
			cc.Action = a.Kind()
			d.forward(w, r, a.Target, cc, responseOps)
			return

		case RejectAction:
			cc.Action = a.Kind()
			d.respond(w, a.Status, a.Body, nil, responseOps)
			return

		case RewriteAction:
			cc.Action = a.Kind()
			next, resp, err := d.rewrite(r, rule.Name, a, cc)
			if err != nil {
				cc.Err = err
				if d.Metrics != nil {
					d.Metrics.RecordTransformFailure()
				}
				d.Logger.Error("rewrite failed", "rule", rule.Name, "request_id", cc.ID, "error", err)
				d.respond(w, http.StatusInternalServerError, "rewrite failed", nil, nil)
				return
			}
			responseOps = append(responseOps, a.ResponseHeaders...)
			if resp != nil {
				if resp.Status < 200 || !validStatus(resp.Status) {
					cc.Err = fmt.Errorf("transform returned invalid status %d", resp.Status)
					d.Logger.Error("rewrite failed", "rule", rule.Name, "request_id", cc.ID, "error", cc.Err)
					d.respond(w, http.StatusInternalServerError, "rewrite failed", nil, nil)
					return
				}
				d.respond(w, resp.Status, resp.Body, resp.Header, responseOps)
				return
			}
			r = next
			if a.Target != nil {
				d.forward(w, r, a.Target, cc, responseOps)
				return
			}
			from = idx + 1

		default:
			cc.Err = fmt.Errorf("unhandled action %T", a)
			d.respond(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), nil, nil)
			return
		}
	}
}

func (d *Dispatcher) fallback(w http.ResponseWriter, r *http.Request, fb Fallback, cc *ConnectionContext, responseOps []HeaderMutation) {
	cc.Rule = "fallback"
	cc.Action = "fallback"
	if fb.Target != nil {
		d.forward(w, r, fb.Target, cc, responseOps)
		return
	}
	status := fb.Status
	if status == 0 {
		status = http.StatusNotFound
	}
	body := fb.Body
	if body == "" {
		body = http.StatusText(status)
	}
	d.respond(w, status, body, nil, responseOps)
}

// rewrite returns either a modified copy of r or a direct response.
func (d *Dispatcher) rewrite(r *http.Request, ruleName string, a RewriteAction, cc *ConnectionContext) (*http.Request, *TransformResponse, error) {
	out := r.Clone(r.Context())

	path := out.URL.Path
	if a.StripPrefix != "" && strings.HasPrefix(path, a.StripPrefix) {
		path = strings.TrimPrefix(path, a.StripPrefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}
	if a.PathPattern != nil {
		path = a.PathPattern.ReplaceAllString(path, a.PathReplace)
	}
	if a.AddPrefix != "" {
		path = singleJoiningSlash(a.AddPrefix, path)
	}
	out.URL.Path = path
	out.URL.RawPath = ""

	for _, op := range a.Headers {
		op.Apply(out.Header)
	}

	if a.Script == "" {
		return out, nil, nil
	}
	if d.Transformer == nil {
		return nil, nil, errors.New("no transformer configured")
	}

	res, err := d.Transformer.Transform(r.Context(), &TransformRequest{
		Script:     a.Script,
		Rule:       ruleName,
		Method:     out.Method,
		Host:       hostOnly(out.Host),
		Path:       out.URL.Path,
		RawQuery:   out.URL.RawQuery,
		Header:     out.Header.Clone(),
		RemoteAddr: out.RemoteAddr,
		RequestID:  cc.ID,
	})
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		return out, nil, nil
	}
	if res.Response != nil {
		return nil, res.Response, nil
	}

	if res.Path != "" {
		if !strings.HasPrefix(res.Path, "/") {
			return nil, nil, fmt.Errorf("script returned relative path %q", res.Path)
		}
		out.URL.Path = res.Path
	}
	if res.RawQuery != nil {
		out.URL.RawQuery = *res.RawQuery
	}
	for k, v := range res.SetHeaders {
		if hopByHop(k) {
			continue
		}
		out.Header.Set(k, v)
	}
	for _, k := range res.DeleteHeaders {
		out.Header.Del(k)
	}
	return out, nil, nil
}

func (d *Dispatcher) forward(w http.ResponseWriter, r *http.Request, target *url.URL, cc *ConnectionContext, responseOps []HeaderMutation) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	out.URL.RawPath = ""
	switch {
	case target.RawQuery == "":
	case out.URL.RawQuery == "":
		out.URL.RawQuery = target.RawQuery
	default:
		out.URL.RawQuery = target.RawQuery + "&" + out.URL.RawQuery
	}
	out.Host = target.Host
	if out.ContentLength == 0 {
		out.Body = nil
	}

	removeHopByHopHeaders(out.Header)
	setForwardedHeaders(out, r)
	out.Header.Set(RequestIDHeader, cc.ID)

	cc.Upstream = target.String()

	resp, err := d.transport().RoundTrip(out)
	if err != nil {
		uerr := &UpstreamError{Target: target.Host, Timeout: isTimeout(err), Err: err}
		cc.Err = uerr
		if d.Metrics != nil {
			d.Metrics.RecordUpstreamError(target.Host)
		}
		d.Logger.Warn("upstream request failed",
			"request_id", cc.ID,
			"rule", cc.Rule,
			"target", target.Host,
			"error", err,
		)
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrBodyTooLarge):
			status = http.StatusRequestEntityTooLarge
		case uerr.Timeout:
			status = http.StatusGatewayTimeout
		}
		d.respond(w, status, http.StatusText(status), nil, nil)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopByHopHeaders(resp.Header)
	h := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			h.Add(k, v)
		}
	}
	h.Set(RequestIDHeader, cc.ID)
	for _, op := range responseOps {
		op.Apply(h)
	}
	w.WriteHeader(resp.StatusCode)

	if err := copyResponse(w, resp.Body, resp.ContentLength < 0); err != nil && !errors.Is(err, context.Canceled) {
		cc.Err = &UpstreamError{Target: target.Host, Err: err}
		d.Logger.Debug("copy upstream body", "request_id", cc.ID, "error", err)
	}
}

func (d *Dispatcher) respond(w http.ResponseWriter, status int, body string, header map[string]string, responseOps []HeaderMutation) {
	h := w.Header()
	for k, v := range header {
		h.Set(k, v)
	}
	if body != "" && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	for _, op := range responseOps {
		op.Apply(h)
	}
	w.WriteHeader(status)
	if body != "" {
		_, _ = io.WriteString(w, body)
	}
}

func (d *Dispatcher) finish(rec *statusRecorder, r *http.Request, cc *ConnectionContext) {
	dur := time.Since(cc.Start)
	if d.Metrics != nil {
		d.Metrics.RecordRequest(r.Method, cc.Action, rec.status, dur)
	}
	if d.AccessLog == nil {
		return
	}
	e := AccessLogEntry{
		Timestamp:    cc.Start,
		RequestID:    cc.ID,
		Method:       r.Method,
		Host:         r.Host,
		Path:         r.URL.Path,
		Proto:        r.Proto,
		Rule:         cc.Rule,
		Action:       cc.Action,
		TableVersion: cc.TableVersion,
		Upstream:     cc.Upstream,
		StatusCode:   rec.status,
		Duration:     dur,
		BytesWritten: rec.bytes,
		ClientAddr:   r.RemoteAddr,
		UserAgent:    r.UserAgent(),
	}
	if cc.Err != nil {
		e.Error = cc.Err.Error()
	}
	d.AccessLog.Log(e)
}

func (d *Dispatcher) transport() http.RoundTripper {
	if d.Transport != nil {
		return d.Transport
	}
	return http.DefaultTransport
}

// requestID keeps an inbound X-Request-Id when it is a UUID and mints a
// new one otherwise.
func requestID(r *http.Request) string {
	if id := r.Header.Get(RequestIDHeader); id != "" {
		if u, err := uuid.Parse(id); err == nil {
			return u.String()
		}
	}
	return uuid.NewString()
}

func setForwardedHeaders(out, in *http.Request) {
	if ip, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := out.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Header.Set("X-Forwarded-Host", in.Host)
	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// copyResponse streams body to w, flushing after every chunk when the
// upstream did not declare a length.
func copyResponse(w http.ResponseWriter, body io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, body)
		return err
	}
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// statusRecorder captures the status and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
