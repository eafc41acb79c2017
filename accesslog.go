package hypermangle

import (
	"context"
	"log/slog"
	"time"
)

// AccessLogger writes structured access log entries for each dispatched
// request. It uses slog.LogAttrs for low-allocation logging on the hot
// path.
type AccessLogger struct {
	logger *slog.Logger
}

// AccessLogEntry contains all fields for a single access log record.
type AccessLogEntry struct {
	Timestamp time.Time

	// RequestID is the correlation id also returned in X-Request-Id.
	RequestID string

	Method string
	Host   string
	Path   string

	// Proto is the negotiated protocol, e.g. "HTTP/2.0".
	Proto string

	// Rule is the name of the matched rule, or "fallback".
	Rule string

	// Action is forward, rewrite, reject or fallback.
	Action string

	// TableVersion is the rule table version the request executed against.
	TableVersion uint64

	// Upstream is the target URL for forwarded requests.
	Upstream string

	StatusCode   int
	Duration     time.Duration
	BytesWritten int64
	ClientAddr   string
	UserAgent    string
	Error        string
}

// NewAccessLogger creates a new AccessLogger that writes to the given slog.Logger.
// For best performance, pass a logger configured with slog.NewJSONHandler.
func NewAccessLogger(logger *slog.Logger) *AccessLogger {
	return &AccessLogger{logger: logger}
}

// Log writes an access log entry using slog.LogAttrs to minimize allocations.
func (al *AccessLogger) Log(e AccessLogEntry) {
	attrs := make([]slog.Attr, 0, 16)

	attrs = append(attrs,
		slog.Time("timestamp", e.Timestamp),
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("host", e.Host),
		slog.String("path", e.Path),
		slog.String("proto", e.Proto),
		slog.String("client", e.ClientAddr),
		slog.String("rule", e.Rule),
		slog.String("action", e.Action),
		slog.Uint64("table_version", e.TableVersion),
		slog.Int("status", e.StatusCode),
		slog.Int64("bytes", e.BytesWritten),
		slog.Duration("duration", e.Duration),
	)

	if e.Upstream != "" {
		attrs = append(attrs, slog.String("upstream", e.Upstream))
	}

	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}

	if e.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", e.UserAgent))
	}

	al.logger.LogAttrs(context.Background(), slog.LevelInfo, "access", attrs...)
}
