package hypermangle

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/pelletier/go-toml/v2"
)

// ConfigSnapshot is the serializable rule document: the hostnames the
// gateway serves and obtains certificates for, the ordered rules and the
// fallback applied when nothing matches. It is decoded from the rules file
// or from a control channel payload and always validated before use.
//
//	hosts = ["example.test"]
//
//	[fallback]
//	status = 404
//
//	[[rules]]
//	name = "legacy"
//	path = "^/old"
//	priority = 10
//	action = "forward"
//	target = "http://svc-a:8080"
type ConfigSnapshot struct {
	Hosts    []string       `toml:"hosts"`
	Fallback FallbackConfig `toml:"fallback"`
	Rules    []RuleConfig   `toml:"rules"`
}

// FallbackConfig is applied when no rule matches. A non-empty Target
// forwards the request; otherwise Status (default 404) is returned.
type FallbackConfig struct {
	Status int    `toml:"status,omitempty"`
	Body   string `toml:"body,omitempty"`
	Target string `toml:"target,omitempty"`
}

// RuleConfig is the on-disk form of a [Rule].
type RuleConfig struct {
	Name     string   `toml:"name"`
	Host     string   `toml:"host,omitempty"`
	Path     string   `toml:"path,omitempty"`
	Methods  []string `toml:"methods,omitempty"`
	Priority int      `toml:"priority,omitempty"`

	// Action is one of "forward", "rewrite" or "reject".
	Action string `toml:"action"`

	// Target is the upstream for "forward".
	Target string `toml:"target,omitempty"`

	// Status and Body are the response for "reject".
	Status int    `toml:"status,omitempty"`
	Body   string `toml:"body,omitempty"`

	Rewrite *RewriteConfig `toml:"rewrite,omitempty"`
}

// RewriteConfig describes the mangling applied by a "rewrite" rule.
type RewriteConfig struct {
	StripPrefix string `toml:"strip_prefix,omitempty"`
	AddPrefix   string `toml:"add_prefix,omitempty"`

	// PathPattern and PathReplace rewrite the path with regexp.ReplaceAllString.
	PathPattern string `toml:"path_pattern,omitempty"`
	PathReplace string `toml:"path_replace,omitempty"`

	Headers         []HeaderOpConfig `toml:"headers,omitempty"`
	ResponseHeaders []HeaderOpConfig `toml:"response_headers,omitempty"`

	// Script is an expression evaluated by the configured Transformer.
	Script string `toml:"script,omitempty"`

	// Target forwards the rewritten request. When empty, matching resumes
	// with the rules after this one.
	Target string `toml:"target,omitempty"`
}

// HeaderOpConfig is a single header mutation. Op is "set" (default),
// "add", "delete" or "default".
type HeaderOpConfig struct {
	Name  string `toml:"name"`
	Value string `toml:"value,omitempty"`
	Op    string `toml:"op,omitempty"`
}

// ParseSnapshot decodes a TOML rule document. Unknown keys are rejected so
// that typos surface as a [ConfigError] rather than silently dropped rules.
func ParseSnapshot(data []byte) (*ConfigSnapshot, error) {
	var s ConfigSnapshot
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		ce := &ConfigError{}
		var strict *toml.StrictMissingError
		var derr *toml.DecodeError
		switch {
		case errors.As(err, &strict):
			ce.add("unknown keys: %s", strict.String())
		case errors.As(err, &derr):
			row, col := derr.Position()
			ce.add("line %d column %d: %s", row, col, derr.Error())
		default:
			ce.add("decode: %v", err)
		}
		return nil, ce
	}
	return &s, nil
}

// LoadSnapshot reads and decodes the rule document at path.
func LoadSnapshot(path string) (*ConfigSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	s, err := ParseSnapshot(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Source = path
		}
		return nil, err
	}
	return s, nil
}

// Marshal encodes the snapshot back to TOML.
func (s *ConfigSnapshot) Marshal() ([]byte, error) {
	return toml.Marshal(s)
}

// Digest returns a content hash of the canonical encoding. Two snapshots
// with the same hosts, rules and fallback have the same digest regardless
// of formatting in the source file.
func (s *ConfigSnapshot) Digest() uint64 {
	data, err := s.Marshal()
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// Save writes the snapshot to path atomically: the document is written to
// a temporary file in the same directory and renamed over the target.
func (s *ConfigSnapshot) Save(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	return writeFileAtomic(path, data, 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dirPerm := os.FileMode(0755)
	if perm&0077 == 0 {
		dirPerm = 0700
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
