package hypermangle

import (
	"fmt"
	"net/http"
	"strings"
)

// HeaderOp determines how a header is modified.
type HeaderOp int

const (
	HeaderOpSet     HeaderOp = iota // Removes existing values and sets one
	HeaderOpAdd                     // Appends a value, keeping existing ones
	HeaderOpDelete                  // Deletes all values
	HeaderOpDefault                 // Sets the header only if it is absent
)

func (op HeaderOp) String() string {
	switch op {
	case HeaderOpSet:
		return "set"
	case HeaderOpAdd:
		return "add"
	case HeaderOpDelete:
		return "delete"
	case HeaderOpDefault:
		return "default"
	default:
		return fmt.Sprintf("HeaderOp(%d)", int(op))
	}
}

func parseHeaderOp(s string) (HeaderOp, error) {
	switch strings.ToLower(s) {
	case "", "set", "replace":
		return HeaderOpSet, nil
	case "add":
		return HeaderOpAdd, nil
	case "delete", "del", "remove":
		return HeaderOpDelete, nil
	case "default":
		return HeaderOpDefault, nil
	default:
		return 0, fmt.Errorf("unknown header op %q", s)
	}
}

// HeaderMutation is a compiled header change applied during a rewrite.
type HeaderMutation struct {
	Name  string
	Value string
	Op    HeaderOp
}

// Apply mutates h in place.
func (m HeaderMutation) Apply(h http.Header) {
	switch m.Op {
	case HeaderOpSet:
		h.Set(m.Name, m.Value)
	case HeaderOpAdd:
		h.Add(m.Name, m.Value)
	case HeaderOpDelete:
		h.Del(m.Name)
	case HeaderOpDefault:
		if h.Get(m.Name) == "" {
			h.Set(m.Name, m.Value)
		}
	}
}

func compileHeaderOps(cfgs []HeaderOpConfig) ([]HeaderMutation, error) {
	var out []HeaderMutation
	for _, c := range cfgs {
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("header name is required")
		}
		op, err := parseHeaderOp(c.Op)
		if err != nil {
			return nil, err
		}
		if hopByHop(c.Name) {
			return nil, fmt.Errorf("header %q is hop-by-hop and cannot be rewritten", c.Name)
		}
		out = append(out, HeaderMutation{
			Name:  http.CanonicalHeaderKey(c.Name),
			Value: c.Value,
			Op:    op,
		})
	}
	return out, nil
}

// Hop-by-hop headers that are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func hopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func removeHopByHopHeaders(h http.Header) {
	// Headers listed in Connection are hop-by-hop as well (RFC 9110 7.6.1).
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
