package hypermangle

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHostname returns the canonical form of host used as the key for
// certificate issuance and routing: lowercase, no trailing dot, ASCII
// (punycode) labels. A port suffix is stripped when present.
//
// Wildcards, IP literals and empty labels are rejected with
// [ErrInvalidHostname].
func NormalizeHostname(host string) (string, error) {
	h := strings.TrimSpace(host)
	if hh, _, err := net.SplitHostPort(h); err == nil {
		h = hh
	}
	h = strings.TrimSuffix(strings.ToLower(h), ".")

	if h == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHostname)
	}
	if strings.Contains(h, "*") {
		return "", fmt.Errorf("%w: %q: wildcards are not issued over HTTP-01", ErrInvalidHostname, host)
	}
	if net.ParseIP(strings.Trim(h, "[]")) != nil {
		return "", fmt.Errorf("%w: %q: IP literal", ErrInvalidHostname, host)
	}

	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidHostname, host, err)
	}
	for _, label := range strings.Split(ascii, ".") {
		if label == "" {
			return "", fmt.Errorf("%w: %q: empty label", ErrInvalidHostname, host)
		}
	}

	return ascii, nil
}

// hostOnly strips the port from a Host header without validating it.
func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.TrimSuffix(strings.ToLower(h), ".")
	}
	return strings.TrimSuffix(strings.ToLower(hostport), ".")
}
