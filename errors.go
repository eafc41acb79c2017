package hypermangle

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Callers should match with [errors.Is].
var (
	// ErrCertificateMissing means no certificate was ever installed for the
	// hostname. TLS handshakes for it are refused.
	ErrCertificateMissing = errors.New("certificate missing")

	// ErrCertificateExpired means the active certificate is past its hard
	// expiry. GetActive still returns the record alongside this error.
	ErrCertificateExpired = errors.New("certificate expired")

	ErrInvalidHostname   = errors.New("invalid hostname")
	ErrUnknownHost       = errors.New("unknown host")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrChallengeConflict = errors.New("challenge already registered for host")
)

// ConfigError reports every problem found while validating a rule document.
// A reload that fails with a ConfigError leaves the active table in place.
type ConfigError struct {
	Source string
	Issues []error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config")
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	b.WriteString(": ")
	for i, issue := range e.Issues {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(issue.Error())
	}
	return b.String()
}

// Unwrap exposes the individual issues to errors.Is and errors.As.
func (e *ConfigError) Unwrap() []error {
	return e.Issues
}

func (e *ConfigError) add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Errorf(format, args...))
}

func (e *ConfigError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CertificateError wraps a failure to obtain, validate or install a
// certificate for a single hostname.
type CertificateError struct {
	Hostname string
	Op       string
	Err      error
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate %s %s: %v", e.Op, e.Hostname, e.Err)
}

func (e *CertificateError) Unwrap() error { return e.Err }

// UpstreamError is returned when a forward target cannot be reached or
// fails mid-response.
type UpstreamError struct {
	Target  string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// ProtocolError describes a malformed client handshake or request. It is
// logged and counted, never propagated beyond the connection.
type ProtocolError struct {
	Remote string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %v", e.Remote, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ControlError is a rejected control channel request.
type ControlError struct {
	Status  int
	Message string
	Err     error
}

func (e *ControlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("control: %s: %v", e.Message, e.Err)
	}
	return "control: " + e.Message
}

func (e *ControlError) Unwrap() error { return e.Err }
