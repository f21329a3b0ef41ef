package resilience

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	// Retryable reports whether a failure is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DoContext runs fn until it succeeds, the retry budget is spent, or ctx ends.
// fn receives the zero-based attempt number.
func (r RetryPolicy) DoContext(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn(ctx, i)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || ctx.Err() != nil {
			return err
		}
		if r.Retryable != nil && !r.Retryable(err) {
			return err
		}
		if r.Backoff > 0 {
			timer := time.NewTimer(r.Backoff * time.Duration(i+1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
		}
	}
	return err
}

// Backoff returns base*2^attempt capped at max, spread by +/- jitter (a
// fraction of the delay).
func Backoff(base, max time.Duration, jitter float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		spread := float64(d) * jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	return d
}
