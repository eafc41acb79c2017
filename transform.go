package hypermangle

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// TransformRequest is the plain view of a request handed to a
// [Transformer]. It carries no reference to the live *http.Request.
type TransformRequest struct {
	Script     string
	Rule       string
	Method     string
	Host       string
	Path       string
	RawQuery   string
	Header     map[string][]string
	RemoteAddr string
	RequestID  string
}

// TransformResponse is a direct answer produced by a script.
type TransformResponse struct {
	Status int
	Header map[string]string
	Body   string
}

// TransformResult is either a short-circuit Response or a set of changes
// to apply to the request before processing continues. A nil result, or
// one with no fields set, leaves the request unchanged.
type TransformResult struct {
	Response *TransformResponse

	Path          string
	RawQuery      *string
	SetHeaders    map[string]string
	DeleteHeaders []string
}

// Transformer is the capability a rewrite rule delegates to. Implementations
// must be safe for concurrent use.
type Transformer interface {
	Transform(ctx context.Context, req *TransformRequest) (*TransformResult, error)
}

// ExprTransformer evaluates rewrite scripts written in the expr language.
// The script sees a single variable, request, with the fields method, host,
// path, query, headers, remote_addr, rule and id. It may return:
//
//   - nil or true to leave the request unchanged
//   - false to answer 403
//   - a map with "status" (and optionally "body", "headers") to answer directly
//   - a map with any of "path", "query", "headers", "delete_headers" to
//     modify the request
//
// Example:
//
//	request.path == "/ping" ? {"status": 200, "body": "pong"} : {"headers": {"X-Seen": "1"}}
type ExprTransformer struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprTransformer returns a transformer with an empty program cache.
func NewExprTransformer() *ExprTransformer {
	return &ExprTransformer{programs: make(map[string]*vm.Program)}
}

// Compile checks and caches script.
func (t *ExprTransformer) Compile(script string) error {
	_, err := t.program(script)
	return err
}

// Transform runs req.Script against req.
func (t *ExprTransformer) Transform(ctx context.Context, req *TransformRequest) (*TransformResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	program, err := t.program(req.Script)
	if err != nil {
		return nil, err
	}

	out, err := expr.Run(program, scriptEnv(req))
	if err != nil {
		return nil, fmt.Errorf("eval script for rule %q: %w", req.Rule, err)
	}

	return resultFromValue(out)
}

func (t *ExprTransformer) program(script string) (*vm.Program, error) {
	t.mu.RLock()
	p, ok := t.programs[script]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := expr.Compile(script, expr.Env(scriptEnv(&TransformRequest{})))
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}

	t.mu.Lock()
	if existing, ok := t.programs[script]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	t.programs[script] = p
	t.mu.Unlock()

	return p, nil
}

func scriptEnv(req *TransformRequest) map[string]any {
	headers := make(map[string]any, len(req.Header))
	for k, v := range req.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return map[string]any{
		"request": map[string]any{
			"method":      req.Method,
			"host":        req.Host,
			"path":        req.Path,
			"query":       req.RawQuery,
			"headers":     headers,
			"remote_addr": req.RemoteAddr,
			"rule":        req.Rule,
			"id":          req.RequestID,
		},
	}
}

func resultFromValue(v any) (*TransformResult, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if val {
			return nil, nil
		}
		return &TransformResult{Response: &TransformResponse{Status: http.StatusForbidden}}, nil
	case map[string]any:
		return resultFromMap(val)
	default:
		return nil, fmt.Errorf("script returned unsupported type %T", v)
	}
}

func resultFromMap(m map[string]any) (*TransformResult, error) {
	res := &TransformResult{}

	if raw, ok := m["status"]; ok {
		status, err := toInt(raw)
		if err != nil || !validStatus(status) {
			return nil, fmt.Errorf("script returned invalid status %v", raw)
		}
		resp := &TransformResponse{Status: status}
		if body, ok := m["body"]; ok && body != nil {
			resp.Body = fmt.Sprint(body)
		}
		if h, ok := m["headers"].(map[string]any); ok {
			resp.Header = stringMap(h)
		}
		res.Response = resp
		return res, nil
	}

	if p, ok := m["path"].(string); ok {
		res.Path = p
	}
	if q, ok := m["query"].(string); ok {
		res.RawQuery = &q
	}
	if h, ok := m["headers"].(map[string]any); ok {
		res.SetHeaders = stringMap(h)
	}
	if del, ok := m["delete_headers"].([]any); ok {
		for _, d := range del {
			res.DeleteHeaders = append(res.DeleteHeaders, fmt.Sprint(d))
		}
	}

	return res, nil
}

func stringMap(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
