package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays and pre-request jitter.
// Delay grows linearly with the attempt number: base, 2*base, 3*base, ...
// (for the default 2s base and 5 attempts that is the 2/4/6/8/10s ladder).
// Jitter is drawn uniformly from [JitterMin, JitterMax] before every provider
// call, retry or not, to desynchronize concurrent workers.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
	JitterMin   time.Duration
	JitterMax   time.Duration
}

// Delay returns the backoff delay for a failed attempt (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return b.Base * time.Duration(attempt+1)
}

// Jitter returns a random delay in [JitterMin, JitterMax].
func (b Backoff) Jitter() time.Duration {
	span := b.JitterMax - b.JitterMin
	if span <= 0 {
		return b.JitterMin
	}
	return b.JitterMin + time.Duration(rand.Int64N(int64(span)+1))
}

// Exhausted reports whether a job that has made the given number of attempts
// has used up its retry budget.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
