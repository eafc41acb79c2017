package hypermangle

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy computes the delay before the next issuance attempt.
type RetryPolicy struct {
	// Base is the delay after the first failure.
	Base time.Duration `mapstructure:"base"`

	// Max caps the delay before jitter is applied.
	Max time.Duration `mapstructure:"max"`

	// Multiplier grows the delay between attempts.
	Multiplier float64 `mapstructure:"multiplier"`

	// Jitter is the randomization factor in [0,1). A delay d becomes a
	// random value in [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64 `mapstructure:"jitter"`

	// MaxAttempts is the number of attempts after which an order fails.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// DefaultRetryPolicy returns 30s doubling to 30m with 20% jitter and five
// attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        30 * time.Second,
		Max:         30 * time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
		MaxAttempts: 5,
	}
}

// RetryRecord is the scheduled-retry state of an order.
type RetryRecord struct {
	Attempt     int       `json:"attempt"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := p.backoff()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Next records a failed attempt and reports whether another is allowed.
// When it is not, the returned record has a zero NextAttempt.
func (p RetryPolicy) Next(rec RetryRecord, err error, now time.Time) (RetryRecord, bool) {
	rec.Attempt++
	if err != nil {
		rec.LastError = err.Error()
	}
	if p.MaxAttempts > 0 && rec.Attempt >= p.MaxAttempts {
		rec.NextAttempt = time.Time{}
		return rec, false
	}
	rec.NextAttempt = now.Add(p.Delay(rec.Attempt))
	return rec, true
}

func (p RetryPolicy) backoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	if b.InitialInterval <= 0 {
		b.InitialInterval = 30 * time.Second
	}
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Minute
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	} else {
		b.Multiplier = 2
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
