package recovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10 * time.Second, MaxDelay: 300 * time.Second}

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{4, 160 * time.Second},
		{5, 300 * time.Second},
		{60, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.retries); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}

	uncapped := RetryPolicy{BaseDelay: time.Second}
	if got := uncapped.Delay(3); got != 8*time.Second {
		t.Errorf("uncapped Delay(3) = %v, want 8s", got)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	p := DefaultRetryPolicy()
	now := time.Now()

	ec := NewErrorContext(ClassAPI, "rate limit", SeverityMedium, nil)
	if !p.ShouldRetry(ec, now) {
		t.Error("first attempt should always be allowed")
	}

	last := now.Add(-5 * time.Second)
	ec.RetryCount = 1
	ec.LastAttempt = &last
	if p.ShouldRetry(ec, now) {
		t.Error("retry inside the backoff window should be refused")
	}
	if got := p.Remaining(ec, now); got != 15*time.Second {
		t.Errorf("Remaining = %v, want 15s", got)
	}

	if !p.ShouldRetry(ec, now.Add(20*time.Second)) {
		t.Error("retry after the backoff window should be allowed")
	}

	ec.RetryCount = ec.MaxRetries
	if p.ShouldRetry(ec, now.Add(time.Hour)) {
		t.Error("retry past the ceiling should be refused")
	}
}

func TestRetryPolicyCriticalSeverity(t *testing.T) {
	p := DefaultRetryPolicy()

	ec := NewErrorContext(ClassNetwork, "link down", SeverityCritical, nil)
	if got := p.EffectiveMaxRetries(ec); got != 1 {
		t.Errorf("critical ceiling = %d, want 1", got)
	}

	ec.RetryCount = 1
	if p.ShouldRetry(ec, time.Now().Add(time.Hour)) {
		t.Error("critical failure should get a single attempt")
	}

	ec.Severity = SeverityHigh
	if got := p.EffectiveMaxRetries(ec); got != DefaultMaxRetries {
		t.Errorf("high ceiling = %d, want %d", got, DefaultMaxRetries)
	}
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if err := sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRetryPolicyWait(t *testing.T) {
	p := RetryPolicy{BaseDelay: 20 * time.Millisecond}
	ec := NewErrorContext(ClassNetwork, "dial tcp: i/o timeout", SeverityMedium, nil)

	if err := p.Wait(context.Background(), ec); err != nil {
		t.Fatalf("wait before first attempt: %v", err)
	}

	last := time.Now()
	ec.RetryCount = 1
	ec.LastAttempt = &last
	start := time.Now()
	if err := p.Wait(context.Background(), ec); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("waited %v, want about 40ms", elapsed)
	}
}
