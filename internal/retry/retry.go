// Package retry implements the bounded retry loop shared by file IO, the
// sync engine and the device link.
package retry

import (
	"context"
	"time"
)

// Backoff returns the delay to wait after the given failed attempt (1-based).
type Backoff func(attempt int, base time.Duration) time.Duration

// Linear waits attempt × base after each failure.
func Linear(attempt int, base time.Duration) time.Duration {
	return time.Duration(attempt) * base
}

// Fixed always waits base.
func Fixed(_ int, base time.Duration) time.Duration {
	return base
}

// Policy configures Do.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	BaseDelay   time.Duration
	// Backoff defaults to Linear.
	Backoff Backoff
	// IsRetryable decides whether an error is worth another attempt.
	// Nil means every error is retryable.
	IsRetryable func(error) bool
	// OnRetry is called before sleeping, for logging.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error from fn is returned; when the
// context ends during a wait, ctx.Err() is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff
	if backoff == nil {
		backoff = Linear
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if p.IsRetryable != nil && !p.IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		delay := backoff(attempt, p.BaseDelay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if sleepErr := Sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done. A non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
