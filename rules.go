package hypermangle

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Action is what a matched [Rule] does with the request. The set of
// actions is closed: [ForwardAction], [RewriteAction] and [RejectAction].
type Action interface {
	// Kind returns "forward", "rewrite" or "reject".
	Kind() string
	action()
}

// ForwardAction proxies the request to Target.
type ForwardAction struct {
	Target *url.URL
}

// RewriteAction mangles the request locally, optionally delegates to the
// configured [Transformer], and then forwards to Target or resumes
// matching with the rules that follow.
type RewriteAction struct {
	StripPrefix     string
	AddPrefix       string
	PathPattern     *regexp.Regexp
	PathReplace     string
	Headers         []HeaderMutation
	ResponseHeaders []HeaderMutation
	Script          string
	Target          *url.URL
}

// RejectAction answers immediately without contacting an upstream.
type RejectAction struct {
	Status int
	Body   string
}

func (ForwardAction) Kind() string { return "forward" }
func (RewriteAction) Kind() string { return "rewrite" }
func (RejectAction) Kind() string  { return "reject" }

func (ForwardAction) action() {}
func (RewriteAction) action() {}
func (RejectAction) action()  {}

// Rule is a compiled routing rule. Rules are immutable once placed in a
// [RuleTable].
type Rule struct {
	Name     string
	Priority int
	Host     *regexp.Regexp
	Path     *regexp.Regexp
	Methods  []string
	Action   Action
}

// Matches reports whether the request's host, path and method satisfy the
// rule. Empty patterns match everything.
func (r *Rule) Matches(req *http.Request) bool {
	if len(r.Methods) > 0 && !slices.Contains(r.Methods, req.Method) {
		return false
	}
	if r.Host != nil && !r.Host.MatchString(hostOnly(req.Host)) {
		return false
	}
	if r.Path != nil && !r.Path.MatchString(req.URL.Path) {
		return false
	}
	return true
}

// Fallback is applied when no rule matches.
type Fallback struct {
	Status int
	Body   string
	Target *url.URL
}

// RuleTable is an immutable, versioned snapshot of the routing rules,
// ordered by priority (highest first) with declaration order breaking
// ties. Tables are replaced as a whole, never modified.
type RuleTable struct {
	Version  uint64
	Digest   uint64
	Hosts    []string
	Rules    []*Rule
	Fallback Fallback
	LoadedAt time.Time
}

// Len returns the number of rules.
func (t *RuleTable) Len() int {
	return len(t.Rules)
}

// Match returns the first rule at or after index from that matches req,
// along with its index. It returns (nil, -1) when nothing matches.
func (t *RuleTable) Match(req *http.Request, from int) (*Rule, int) {
	for i := from; i < len(t.Rules); i++ {
		if t.Rules[i].Matches(req) {
			return t.Rules[i], i
		}
	}
	return nil, -1
}

// HasHost reports whether host is one of the table's served hostnames.
func (t *RuleTable) HasHost(host string) bool {
	return slices.Contains(t.Hosts, host)
}

// ScriptCompiler validates rewrite scripts at load time so that a broken
// expression rejects the whole reload instead of failing per request.
type ScriptCompiler interface {
	Compile(script string) error
}

// NewRuleTable validates snapshot and compiles it into a table. Every
// problem found is collected into a single [ConfigError]. Target
// reachability is not checked.
func NewRuleTable(s *ConfigSnapshot, compiler ScriptCompiler) (*RuleTable, error) {
	ce := &ConfigError{}
	t := &RuleTable{
		Digest:   s.Digest(),
		LoadedAt: time.Now(),
	}

	seen := make(map[string]bool)
	for _, h := range s.Hosts {
		n, err := NormalizeHostname(h)
		if err != nil {
			ce.add("hosts: %w", err)
			continue
		}
		if !seen[n] {
			seen[n] = true
			t.Hosts = append(t.Hosts, n)
		}
	}

	t.Fallback = Fallback{Status: s.Fallback.Status, Body: s.Fallback.Body}
	if t.Fallback.Status == 0 {
		t.Fallback.Status = http.StatusNotFound
	} else if !validStatus(t.Fallback.Status) {
		ce.add("fallback: invalid status %d", t.Fallback.Status)
	}
	if s.Fallback.Target != "" {
		u, err := parseTarget(s.Fallback.Target)
		if err != nil {
			ce.add("fallback: %v", err)
		}
		t.Fallback.Target = u
	}

	names := make(map[string]bool)
	for i, rc := range s.Rules {
		name := rc.Name
		if name == "" {
			name = fmt.Sprintf("rule-%d", i)
		}
		if names[name] {
			ce.add("rule %q: duplicate name", name)
		}
		names[name] = true

		r, err := compileRule(name, rc, compiler)
		if err != nil {
			ce.add("rule %q: %v", name, err)
			continue
		}
		t.Rules = append(t.Rules, r)
	}

	if err := ce.orNil(); err != nil {
		return nil, err
	}

	sort.SliceStable(t.Rules, func(i, j int) bool {
		return t.Rules[i].Priority > t.Rules[j].Priority
	})

	return t, nil
}

func compileRule(name string, rc RuleConfig, compiler ScriptCompiler) (*Rule, error) {
	r := &Rule{Name: name, Priority: rc.Priority}

	var err error
	if rc.Host != "" {
		if r.Host, err = regexp.Compile(rc.Host); err != nil {
			return nil, fmt.Errorf("host pattern: %w", err)
		}
	}
	if rc.Path != "" {
		if r.Path, err = regexp.Compile(rc.Path); err != nil {
			return nil, fmt.Errorf("path pattern: %w", err)
		}
	}
	for _, m := range rc.Methods {
		r.Methods = append(r.Methods, strings.ToUpper(strings.TrimSpace(m)))
	}

	switch strings.ToLower(rc.Action) {
	case "forward":
		if rc.Rewrite != nil {
			return nil, fmt.Errorf("rewrite table on a forward rule")
		}
		u, err := parseTarget(rc.Target)
		if err != nil {
			return nil, err
		}
		r.Action = ForwardAction{Target: u}

	case "reject":
		status := rc.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		if !validStatus(status) {
			return nil, fmt.Errorf("invalid status %d", rc.Status)
		}
		r.Action = RejectAction{Status: status, Body: rc.Body}

	case "rewrite":
		if rc.Rewrite == nil {
			return nil, fmt.Errorf("rewrite action requires a [rules.rewrite] table")
		}
		a, err := compileRewrite(*rc.Rewrite, rc.Target, compiler)
		if err != nil {
			return nil, err
		}
		r.Action = a

	case "":
		return nil, fmt.Errorf("action is required")
	default:
		return nil, fmt.Errorf("unknown action %q", rc.Action)
	}

	return r, nil
}

func compileRewrite(rc RewriteConfig, ruleTarget string, compiler ScriptCompiler) (RewriteAction, error) {
	a := RewriteAction{
		StripPrefix: rc.StripPrefix,
		AddPrefix:   rc.AddPrefix,
		PathReplace: rc.PathReplace,
		Script:      rc.Script,
	}

	var err error
	if rc.PathPattern != "" {
		if a.PathPattern, err = regexp.Compile(rc.PathPattern); err != nil {
			return a, fmt.Errorf("path_pattern: %w", err)
		}
	}
	if a.Headers, err = compileHeaderOps(rc.Headers); err != nil {
		return a, fmt.Errorf("headers: %w", err)
	}
	if a.ResponseHeaders, err = compileHeaderOps(rc.ResponseHeaders); err != nil {
		return a, fmt.Errorf("response_headers: %w", err)
	}

	if rc.Script != "" {
		if compiler == nil {
			return a, fmt.Errorf("script configured but no transformer is available")
		}
		if err := compiler.Compile(rc.Script); err != nil {
			return a, fmt.Errorf("script: %w", err)
		}
	}

	target := rc.Target
	if target == "" {
		target = ruleTarget
	}
	if target != "" {
		if a.Target, err = parseTarget(target); err != nil {
			return a, err
		}
	}

	return a, nil
}

func parseTarget(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("target is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target %q: host is required", raw)
	}
	return u, nil
}

func validStatus(code int) bool {
	return code >= 100 && code <= 599
}

// RuleStore holds the active [RuleTable] behind an atomic pointer. Readers
// call Load once per unit of work and never block; writers serialize on an
// internal mutex and either publish a complete table or leave the current
// one untouched.
type RuleStore struct {
	// Compiler validates rewrite scripts during Publish.
	Compiler ScriptCompiler

	mu      sync.Mutex
	version uint64
	current atomic.Pointer[RuleTable]
}

// NewRuleStore returns a store holding an empty version-0 table whose
// fallback answers 404.
func NewRuleStore(compiler ScriptCompiler) *RuleStore {
	s := &RuleStore{Compiler: compiler}
	s.current.Store(&RuleTable{
		Fallback: Fallback{Status: http.StatusNotFound},
		LoadedAt: time.Now(),
	})
	return s
}

// Load returns the active table.
func (s *RuleStore) Load() *RuleTable {
	return s.current.Load()
}

// Publish validates snap and atomically replaces the active table. On
// error the previous table stays active and a [ConfigError] is returned.
func (s *RuleStore) Publish(snap *ConfigSnapshot) (*RuleTable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := NewRuleTable(snap, s.Compiler)
	if err != nil {
		return nil, err
	}
	s.version++
	t.Version = s.version
	s.current.Store(t)
	return t, nil
}
