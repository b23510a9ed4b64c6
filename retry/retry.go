// Package retry runs operations with bounded retries and exponential
// backoff. Only errors judged recoverable are retried.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultMaxRetries is the number of retries after the initial attempt.
	DefaultMaxRetries = 3

	// DefaultBaseWait is the wait before the first retry.
	DefaultBaseWait = time.Second

	// DefaultMaxWait caps the exponentially growing wait.
	DefaultMaxWait = 30 * time.Second
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	jitter     bool
}

// Option configures a call to Do.
type Option func(*config)

// WithMaxRetries sets how many retries follow the initial attempt. Zero
// means the operation runs exactly once.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry. Subsequent waits
// double, capped by the max wait.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the backoff wait.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithJitter toggles full jitter on the backoff wait.
func WithJitter(enabled bool) Option {
	return func(c *config) { c.jitter = enabled }
}

// Do runs fn, retrying recoverable failures with exponential backoff
// until it succeeds, exhausts its retries, or the context ends. The last
// error from fn is returned on failure.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := config{
		maxRetries: DefaultMaxRetries,
		baseWait:   DefaultBaseWait,
		maxWait:    DefaultMaxWait,
		jitter:     true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.wait(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return lastErr
			case <-timer.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRecoverable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// wait computes the backoff before retry attempt n (1-indexed).
func (c *config) wait(attempt int) time.Duration {
	d := time.Duration(float64(c.baseWait) * math.Pow(2, float64(attempt-1)))
	if c.maxWait > 0 && d > c.maxWait {
		d = c.maxWait
	}
	if c.jitter && d > 0 {
		d = time.Duration(rand.Float64() * float64(d))
	}
	return d
}
