package hypermangle

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestAccessLogger_Log(t *testing.T) {
	tests := []struct {
		name  string
		entry AccessLogEntry
		check func(t *testing.T, m map[string]any)
	}{
		{
			name: "forwarded request",
			entry: AccessLogEntry{
				Timestamp:    time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				RequestID:    "7f8c1f9e-0000-4000-8000-000000000001",
				Method:       "GET",
				Host:         "example.com",
				Path:         "/api/users",
				Proto:        "HTTP/2.0",
				Rule:         "api",
				Action:       "forward",
				TableVersion: 4,
				Upstream:     "http://svc-a:8080",
				StatusCode:   200,
				Duration:     150 * time.Millisecond,
				BytesWritten: 4096,
				ClientAddr:   "192.168.1.1:54321",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["request_id"] != "7f8c1f9e-0000-4000-8000-000000000001" {
					t.Errorf("request_id = %v", m["request_id"])
				}
				if m["rule"] != "api" {
					t.Errorf("rule = %v, want api", m["rule"])
				}
				if m["action"] != "forward" {
					t.Errorf("action = %v, want forward", m["action"])
				}
				if m["table_version"] != float64(4) {
					t.Errorf("table_version = %v, want 4", m["table_version"])
				}
				if m["upstream"] != "http://svc-a:8080" {
					t.Errorf("upstream = %v", m["upstream"])
				}
				if m["status"] != float64(200) {
					t.Errorf("status = %v, want 200", m["status"])
				}
				if m["bytes"] != float64(4096) {
					t.Errorf("bytes = %v, want 4096", m["bytes"])
				}
				if m["proto"] != "HTTP/2.0" {
					t.Errorf("proto = %v", m["proto"])
				}
				if _, ok := m["error"]; ok {
					t.Error("error should not be present for a successful request")
				}
			},
		},
		{
			name: "rejected request",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "DELETE",
				Host:       "example.com",
				Path:       "/admin",
				Rule:       "deny-admin",
				Action:     "reject",
				StatusCode: 403,
				Duration:   time.Millisecond,
				ClientAddr: "10.0.0.1:12345",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["action"] != "reject" {
					t.Errorf("action = %v, want reject", m["action"])
				}
				if _, ok := m["upstream"]; ok {
					t.Error("upstream should not be present for a rejected request")
				}
			},
		},
		{
			name: "upstream failure",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "GET",
				Host:       "example.com",
				Path:       "/slow",
				Rule:       "catch-all",
				Action:     "forward",
				Upstream:   "http://svc-b:8080",
				StatusCode: 504,
				Duration:   30 * time.Second,
				ClientAddr: "10.0.0.2:22222",
				Error:      "upstream timeout",
				UserAgent:  "curl/8.5.0",
			},
			check: func(t *testing.T, m map[string]any) {
				if m["error"] != "upstream timeout" {
					t.Errorf("error = %v, want upstream timeout", m["error"])
				}
				if m["status"] != float64(504) {
					t.Errorf("status = %v, want 504", m["status"])
				}
				if m["user_agent"] != "curl/8.5.0" {
					t.Errorf("user_agent = %v", m["user_agent"])
				}
			},
		},
		{
			name: "empty user agent omitted",
			entry: AccessLogEntry{
				Timestamp:  time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
				Method:     "GET",
				Host:       "example.com",
				Path:       "/",
				Rule:       "fallback",
				Action:     "fallback",
				StatusCode: 404,
			},
			check: func(t *testing.T, m map[string]any) {
				if _, ok := m["user_agent"]; ok {
					t.Error("user_agent should not be present when empty")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

			al.Log(tt.entry)

			var m map[string]any
			if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
				t.Fatalf("failed to parse JSON: %v\nraw: %s", err, buf.String())
			}
			if m["msg"] != "access" {
				t.Errorf("msg = %v, want access", m["msg"])
			}
			tt.check(t, m)
		})
	}
}

func BenchmarkAccessLogger_Log(b *testing.B) {
	var buf bytes.Buffer
	al := NewAccessLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	entry := AccessLogEntry{
		Timestamp:    time.Now(),
		RequestID:    "bench",
		Method:       "GET",
		Host:         "example.com",
		Path:         "/index.html",
		Rule:         "static",
		Action:       "forward",
		Upstream:     "http://svc-a:8080",
		StatusCode:   200,
		Duration:     150 * time.Millisecond,
		BytesWritten: 4096,
		ClientAddr:   "192.168.1.1:54321",
		UserAgent:    "Mozilla/5.0",
	}

	b.ReportAllocs()
	for b.Loop() {
		buf.Reset()
		al.Log(entry)
	}
}
