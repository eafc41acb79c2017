package hypermangle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRules = `
hosts = ["example.test", "api.example.test"]

[fallback]
status = 404
body = "no route"

[[rules]]
name = "legacy"
path = "^/old"
priority = 10
action = "forward"
target = "http://svc-a:8080"

[[rules]]
name = "api"
host = "^api\\."
action = "rewrite"
  [rules.rewrite]
  strip_prefix = "/v1"
  target = "http://svc-api:8080"
  [[rules.rewrite.headers]]
  name = "X-Gateway"
  value = "hypermangle"

[[rules]]
name = "deny-admin"
path = "^/admin"
action = "reject"
status = 403

[[rules]]
name = "catch-all"
path = ".*"
priority = -1
action = "forward"
target = "http://svc-b:8080"
`

func TestParseSnapshot(t *testing.T) {
	s, err := ParseSnapshot([]byte(sampleRules))
	require.NoError(t, err)

	assert.Equal(t, []string{"example.test", "api.example.test"}, s.Hosts)
	assert.Equal(t, 404, s.Fallback.Status)
	require.Len(t, s.Rules, 4)
	assert.Equal(t, "legacy", s.Rules[0].Name)
	require.NotNil(t, s.Rules[1].Rewrite)
	assert.Equal(t, "/v1", s.Rules[1].Rewrite.StripPrefix)
	require.Len(t, s.Rules[1].Rewrite.Headers, 1)
	assert.Equal(t, "X-Gateway", s.Rules[1].Rewrite.Headers[0].Name)
}

func TestParseSnapshotUnknownKey(t *testing.T) {
	_, err := ParseSnapshot([]byte(`
[[rules]]
name = "typo"
actoin = "forward"
`))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "actoin")
}

func TestParseSnapshotSyntaxError(t *testing.T) {
	_, err := ParseSnapshot([]byte("hosts = [\"a\""))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Issues)
}

func TestLoadSnapshotSetsSource(t *testing.T) {
	path := writeFile(t, t.TempDir(), "rules.toml", "hosts = 3")
	_, err := LoadSnapshot(path)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, path, ce.Source)
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSnapshotDigestIgnoresFormatting(t *testing.T) {
	a := mustSnapshot(t, `hosts = ["example.test"]
[[rules]]
name = "r"
action = "reject"`)
	b := mustSnapshot(t, `
# same rules, different layout
hosts = [ "example.test" ]

[[rules]]
action = "reject"
name   = "r"
`)
	c := mustSnapshot(t, `hosts = ["other.test"]`)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestSnapshotSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "rules.toml")

	s := mustSnapshot(t, sampleRules)
	require.NoError(t, s.Save(path))

	loaded, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, s.Digest(), loaded.Digest())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}
