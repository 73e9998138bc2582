package recovery

import (
	"context"
	"time"
)

// RetryPolicy decides whether another strategy attempt is allowed and how
// long to wait before it. Delays grow as BaseDelay * 2^retry_count, capped at
// MaxDelay.
type RetryPolicy struct {
	// BaseDelay is the backoff unit.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// Pause is the mandatory gap between loop iterations.
	Pause time.Duration
}

// DefaultRetryPolicy returns a 10s base, 300s cap and 1s pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: 10 * time.Second,
		MaxDelay:  300 * time.Second,
		Pause:     time.Second,
	}
}

// EffectiveMaxRetries is 1 for critical failures and MaxRetries otherwise.
func (p RetryPolicy) EffectiveMaxRetries(ec *ErrorContext) int {
	if ec.Severity == SeverityCritical {
		return min(1, ec.MaxRetries)
	}
	return ec.MaxRetries
}

// Delay returns the backoff window that follows retryCount attempts.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retryCount && i < 32; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Remaining returns how long the caller must still wait before the next
// attempt, zero when the window has passed or no attempt was made yet.
func (p RetryPolicy) Remaining(ec *ErrorContext, now time.Time) time.Duration {
	if ec.LastAttempt == nil {
		return 0
	}
	elapsed := now.Sub(*ec.LastAttempt)
	if wait := p.Delay(ec.RetryCount) - elapsed; wait > 0 {
		return wait
	}
	return 0
}

// ShouldRetry reports whether another attempt is allowed at now.
func (p RetryPolicy) ShouldRetry(ec *ErrorContext, now time.Time) bool {
	if ec.RetryCount >= p.EffectiveMaxRetries(ec) {
		return false
	}
	return p.Remaining(ec, now) == 0
}

// Wait blocks until the backoff window after ec's last attempt has passed or
// ctx is done.
func (p RetryPolicy) Wait(ctx context.Context, ec *ErrorContext) error {
	return sleep(ctx, p.Remaining(ec, time.Now()))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
