package hypermangle

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBearerAuth_EmptyTokenDisables(t *testing.T) {
	a, err := NewBearerAuth("", []string{"^/public"})
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewBearerAuth_InvalidPublicPath(t *testing.T) {
	_, err := NewBearerAuth("secret", []string{"(unclosed"})
	assert.Error(t, err)
}

func TestBearerAuth_Admit(t *testing.T) {
	a, err := NewBearerAuth("s3cret", []string{`^/healthz$`, `^/static/`})
	require.NoError(t, err)
	a.Logger = discardLogger()

	tests := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{"bearer header", "/api", "Bearer s3cret", true},
		{"wrong token", "/api", "Bearer nope", false},
		{"basic scheme", "/api", "Basic s3cret", false},
		{"no credentials", "/api", "", false},
		{"query token", "/api?api_token=s3cret", "", true},
		{"wrong query token", "/api?api_token=s3cre", "", false},
		{"public exact", "/healthz", "", true},
		{"public prefix", "/static/app.js", "", true},
		{"header wins over query", "/api?api_token=s3cret", "Bearer bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, a.Admit(req))
		})
	}
}

func TestBearerAuth_AdmitStripsToken(t *testing.T) {
	a, err := NewBearerAuth("s3cret", nil)
	require.NoError(t, err)
	a.Logger = discardLogger()

	orig := httptest.NewRequest(http.MethodGet, "/api?x=1&api_token=s3cret&y=2", nil)
	orig.Header.Set("Authorization", "Bearer s3cret")
	req := orig.WithContext(orig.Context())

	require.True(t, a.Admit(req))
	assert.Empty(t, req.Header.Get("Authorization"))
	assert.Equal(t, "x=1&y=2", req.URL.RawQuery)

	// The request Admit was handed a shallow copy of is left untouched.
	assert.Equal(t, "Bearer s3cret", orig.Header.Get("Authorization"))
	assert.Equal(t, "x=1&api_token=s3cret&y=2", orig.URL.RawQuery)
}

func TestRemoveQueryParam(t *testing.T) {
	tests := map[string]string{
		"":                            "",
		"api_token=x":                 "",
		"a=1&api_token=x":             "a=1",
		"api%5Ftoken=x&a=1":           "a=1",
		"a=1&api_token&b=2":           "a=1&b=2",
		"api_tokens=x&a=%2F":          "api_tokens=x&a=%2F",
		"a=1&api_token=x&api_token=y": "a=1",
	}
	for in, want := range tests {
		assert.Equal(t, want, removeQueryParam(in, "api_token"), in)
	}
}
