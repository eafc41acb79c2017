package hypermangle

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrBodyTooLarge is returned when a request body exceeds gateway.max_body_size.
var ErrBodyTooLarge = errors.New("request body too large")

// ClientLimiter throttles dispatched requests per client IP with a token
// bucket. Each client refills at Rate tokens per second up to Burst.
type ClientLimiter struct {
	Rate  float64
	Burst int

	// CleanupInterval controls how often idle buckets are dropped.
	// Defaults to 1 minute.
	CleanupInterval time.Duration

	mu      sync.Mutex
	buckets map[string]*tokenBucket
	done    chan struct{}
	once    sync.Once

	now func() time.Time
}

type tokenBucket struct {
	tokens   float64
	lastTime time.Time
}

// NewClientLimiter starts a limiter. It returns nil when rate is not
// positive, which disables throttling.
func NewClientLimiter(rate float64, burst int) *ClientLimiter {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	l := &ClientLimiter{
		Rate:            rate,
		Burst:           burst,
		CleanupInterval: time.Minute,
		buckets:         make(map[string]*tokenBucket),
		done:            make(chan struct{}),
		now:             time.Now,
	}
	go l.cleanup()
	return l
}

// Allow reports whether a request from remoteAddr may proceed.
func (l *ClientLimiter) Allow(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	b, ok := l.buckets[host]
	if !ok {
		l.buckets[host] = &tokenBucket{tokens: float64(l.Burst) - 1, lastTime: now}
		return true
	}

	b.tokens = min(b.tokens+now.Sub(b.lastTime).Seconds()*l.Rate, float64(l.Burst))
	b.lastTime = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Clients returns the number of tracked client addresses.
func (l *ClientLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup goroutine.
func (l *ClientLimiter) Close() {
	l.once.Do(func() { close(l.done) })
}

func (l *ClientLimiter) cleanup() {
	interval := l.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case now := <-ticker.C:
			stale := now.Add(-2 * interval)
			l.mu.Lock()
			for host, b := range l.buckets {
				if b.lastTime.Before(stale) {
					delete(l.buckets, host)
				}
			}
			l.mu.Unlock()
		}
	}
}

// limitedBody fails reads once more than limit bytes have been consumed.
// Requests without a Content-Length are only caught here.
type limitedBody struct {
	io.ReadCloser
	remaining int64
	limit     int64
}

func limitBody(body io.ReadCloser, limit int64) io.ReadCloser {
	return &limitedBody{ReadCloser: body, remaining: limit, limit: limit}
}

func (l *limitedBody) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		var peek [1]byte
		if n, _ := l.ReadCloser.Read(peek[:]); n > 0 {
			return 0, fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, l.limit)
		}
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.ReadCloser.Read(p)
	l.remaining -= int64(n)
	return n, err
}
