package hypermangle

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression encoding constants.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// CompressionConfig controls response compression on the gateway
// listeners.
type CompressionConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// MinSize is the minimum response size to compress (default: 256 bytes).
	MinSize int `mapstructure:"min_size"`

	// Level is the compression level (1-9 for gzip, 1-11 for brotli, 1-4
	// for zstd). 0 uses the default level for each algorithm.
	Level int `mapstructure:"level"`

	// ContentTypes is a list of content-type prefixes to compress.
	// Empty means common text types.
	ContentTypes []string `mapstructure:"content_types"`

	// PreferOrder is the preferred encoding order when the client
	// accepts several. Default: br, zstd, gzip.
	PreferOrder []string `mapstructure:"prefer_order"`
}

// DefaultCompressionConfig returns a CompressionConfig with sensible defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		Enabled:     true,
		MinSize:     256,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

var defaultCompressibleTypes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"application/xhtml+xml",
	"application/rss+xml",
	"application/atom+xml",
	"image/svg+xml",
}

// Compress returns middleware that compresses responses the client
// accepts. Upstream responses that already carry a Content-Encoding are
// passed through untouched.
func Compress(cfg CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			encoding := selectEncoding(cfg.PreferOrder, r.Header.Get("Accept-Encoding"))
			if encoding == "" || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			cw := &compressResponseWriter{
				ResponseWriter: w,
				encoding:       encoding,
				config:         cfg,
				status:         http.StatusOK,
			}
			defer func() { _ = cw.Close() }()

			next.ServeHTTP(cw, r)
		})
	}
}

func selectEncoding(preferOrder []string, acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}
	accepted := parseAcceptEncoding(acceptEncoding)

	if len(preferOrder) == 0 {
		preferOrder = []string{EncodingBrotli, EncodingZstd, EncodingGzip}
	}
	for _, enc := range preferOrder {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding parses Accept-Encoding into a set. Codings with
// q=0 are excluded.
func parseAcceptEncoding(header string) map[string]struct{} {
	result := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if q := strings.TrimSpace(params); strings.HasPrefix(q, "q=0") && strings.Trim(q[2:], "0.") == "" {
			continue
		}
		if name != "" && name != "identity" {
			result[name] = struct{}{}
		}
	}
	return result
}

// compressResponseWriter buffers the first MinSize bytes so that the
// decision to compress is made before the status line is written.
type compressResponseWriter struct {
	http.ResponseWriter
	encoding string
	config   CompressionConfig

	status      int
	wroteHeader bool
	decided     bool
	writer      io.WriteCloser
	buffer      []byte
}

func (cw *compressResponseWriter) WriteHeader(statusCode int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	cw.status = statusCode

	if statusCode == http.StatusNoContent || statusCode == http.StatusNotModified ||
		statusCode < http.StatusOK || !cw.compressible() {
		cw.passthrough()
	}
}

func (cw *compressResponseWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.decided {
		if cw.writer != nil {
			return cw.writer.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.buffer = append(cw.buffer, b...)
	if len(cw.buffer) < cw.minSize() {
		return len(b), nil
	}
	if err := cw.startCompression(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close flushes any buffered bytes and finishes the compressed stream.
func (cw *compressResponseWriter) Close() error {
	if !cw.wroteHeader {
		return nil
	}
	if !cw.decided {
		cw.passthrough()
	}
	if cw.writer != nil {
		return cw.writer.Close()
	}
	return nil
}

// Flush implements http.Flusher. A streaming response is compressed from
// the first flush on, regardless of MinSize.
func (cw *compressResponseWriter) Flush() {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if !cw.decided {
		if err := cw.startCompression(); err != nil {
			return
		}
	}
	if f, ok := cw.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (cw *compressResponseWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

func (cw *compressResponseWriter) passthrough() {
	cw.decided = true
	cw.ResponseWriter.WriteHeader(cw.status)
	if len(cw.buffer) > 0 {
		_, _ = cw.ResponseWriter.Write(cw.buffer)
		cw.buffer = nil
	}
}

func (cw *compressResponseWriter) startCompression() error {
	cw.decided = true

	h := cw.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")
	cw.ResponseWriter.WriteHeader(cw.status)

	var err error
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		cw.writer, err = gzip.NewWriterLevel(cw.ResponseWriter, level)

	case EncodingZstd:
		level := zstd.EncoderLevelFromZstd(cw.config.Level)
		if cw.config.Level == 0 {
			level = zstd.SpeedDefault
		}
		cw.writer, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))

	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}
	if err != nil {
		return err
	}

	if len(cw.buffer) > 0 {
		_, err = cw.writer.Write(cw.buffer)
		cw.buffer = nil
	}
	return err
}

func (cw *compressResponseWriter) minSize() int {
	if cw.config.MinSize <= 0 {
		return 256
	}
	return cw.config.MinSize
}

func (cw *compressResponseWriter) compressible() bool {
	if cw.Header().Get("Content-Encoding") != "" {
		return false
	}
	contentType := strings.ToLower(cw.Header().Get("Content-Type"))
	if contentType == "" {
		return false
	}

	types := cw.config.ContentTypes
	if len(types) == 0 {
		types = defaultCompressibleTypes
	}
	for _, t := range types {
		if strings.HasPrefix(contentType, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
