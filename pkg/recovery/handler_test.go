package recovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/inframate/inframate/pkg/advisor"
	"github.com/inframate/inframate/pkg/telemetry"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	}
}

type stubAdvisor struct {
	sol   *advisor.Solution
	err   error
	calls atomic.Int32
	panic bool
}

func (a *stubAdvisor) Name() string    { return "stub" }
func (a *stubAdvisor) Available() bool { return true }

func (a *stubAdvisor) Advise(_ context.Context, _ advisor.Request) (*advisor.Solution, error) {
	a.calls.Add(1)
	if a.panic {
		panic("advisor exploded")
	}
	return a.sol, a.err
}

func lastEntry(t *testing.T, h *Handler) ErrorContext {
	t.Helper()
	entries := h.History().Entries()
	if len(entries) == 0 {
		t.Fatal("history is empty")
	}
	return entries[len(entries)-1]
}

func TestHandleRateLimitedAPI(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	recovered, sol := h.Handle(context.Background(), "api", "API rate limit exceeded", SeverityMedium, nil)
	if !recovered {
		t.Fatal("expected rate limit to be recovered")
	}
	if sol != nil {
		t.Errorf("expected no advisory solution without an advisor, got %+v", sol)
	}

	entry := lastEntry(t, h)
	if entry.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", entry.RetryCount)
	}
	if entry.RecoveryOutcome != OutcomeRetry {
		t.Errorf("expected outcome %q, got %q", OutcomeRetry, entry.RecoveryOutcome)
	}
	if entry.LastAttempt == nil {
		t.Error("expected last attempt timestamp to be set")
	}
}

func TestHandleResourceAlreadyExists(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	recovered, _ := h.Handle(context.Background(), "infrastructure_tool", "Resource already exists", SeverityHigh, nil)
	if recovered {
		t.Fatal("expected already-exists to be unrecovered")
	}

	entry := lastEntry(t, h)
	if entry.RetryCount != 0 {
		t.Errorf("declined attempts should not count, got retry_count %d", entry.RetryCount)
	}
	if entry.LastAttempt != nil {
		t.Error("expected no attempt timestamp after a decline")
	}
}

func TestHandleStateLockRetries(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	recovered, _ := h.Handle(context.Background(), "terraform", "Error acquiring the state lock", SeverityHigh, nil)
	if !recovered {
		t.Fatal("expected state lock to be recovered")
	}
	if got := lastEntry(t, h).Classification; got != ClassInfrastructureTool {
		t.Errorf("expected alias to resolve to %s, got %s", ClassInfrastructureTool, got)
	}
}

func TestHandleCriticalCapsAttempts(t *testing.T) {
	var calls atomic.Int32
	never := StrategyFunc(func(context.Context, *ErrorContext) (Outcome, error) {
		calls.Add(1)
		return "", nil
	})
	h := NewHandler(WithPolicy(fastPolicy()), WithStrategy(ClassResource, never))

	recovered, _ := h.Handle(context.Background(), "resource", "disk full", SeverityCritical, nil)
	if recovered {
		t.Fatal("expected failure to stay unrecovered")
	}
	if got := lastEntry(t, h).RetryCount; got != 1 {
		t.Errorf("critical failures get one attempt, got %d", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected strategy to run once, ran %d times", calls.Load())
	}

	h.Handle(context.Background(), "resource", "disk full", SeverityHigh, nil)
	if lastEntry(t, h).RetryCount != DefaultMaxRetries {
		t.Errorf("expected %d attempts for high severity, got %d", DefaultMaxRetries, lastEntry(t, h).RetryCount)
	}
}

func TestHandleNormalizesUnknownClassification(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	recovered, _ := h.Handle(context.Background(), "quantum_flux", "something broke", SeverityLow, map[string]any{"step": "analyze"})
	if !recovered {
		t.Fatal("expected generic retry to recover")
	}

	entry := lastEntry(t, h)
	if entry.Classification != ClassSystem {
		t.Errorf("expected %s, got %s", ClassSystem, entry.Classification)
	}
	if got := entry.ContextData[ContextKeyOriginalClassification]; got != "quantum_flux" {
		t.Errorf("expected original classification to be kept, got %v", got)
	}
	if got := entry.ContextData["step"]; got != "analyze" {
		t.Errorf("expected caller context to be kept, got %v", got)
	}
}

func TestHandleCanonicalClassificationKeepsContextClean(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	h.Handle(context.Background(), "network", "connection reset", SeverityMedium, nil)
	if _, ok := lastEntry(t, h).ContextData[ContextKeyOriginalClassification]; ok {
		t.Error("canonical classification should not be recorded as original")
	}
}

func TestHandleContextNormalizesPreparedContext(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	ec := NewErrorContext("database_error", "boom", SeverityMedium, nil)
	h.HandleContext(context.Background(), ec)

	if ec.Classification != ClassSystem {
		t.Errorf("expected %s, got %s", ClassSystem, ec.Classification)
	}
	entry := lastEntry(t, h)
	if !entry.Classification.Valid() || entry.Classification != ClassSystem {
		t.Errorf("history classification = %q, want %s", entry.Classification, ClassSystem)
	}
	if got := entry.ContextData[ContextKeyOriginalClassification]; got != "database_error" {
		t.Errorf("expected original classification to be kept, got %v", got)
	}

	report := h.Report()
	if report.ErrorTypes[ClassSystem] != 1 || len(report.ErrorTypes) != 1 {
		t.Errorf("error types = %v, want only %s", report.ErrorTypes, ClassSystem)
	}
}

func TestHandleAdvisorWithoutSolution(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	adv := &stubAdvisor{}
	h := NewHandler(WithPolicy(fastPolicy()), WithAdvisor(adv), WithMetrics(m))

	recovered, sol := h.Handle(context.Background(), "api", "429 Too Many Requests", SeverityMedium, nil)
	if !recovered {
		t.Error("expected rate limit to recover")
	}
	if sol != nil {
		t.Errorf("expected no solution, got %+v", sol)
	}

	// One series: the call is recorded as ok and never also as error.
	n, err := testutil.GatherAndCount(m.Registry(), "test_advisor_calls_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 1 {
		t.Errorf("advisor call series = %d, want 1", n)
	}
}

func TestHandleStrategyFailuresCount(t *testing.T) {
	tests := []struct {
		name     string
		strategy StrategyFunc
	}{
		{
			name: "error",
			strategy: func(context.Context, *ErrorContext) (Outcome, error) {
				return "", errors.New("boom")
			},
		},
		{
			name: "panic",
			strategy: func(context.Context, *ErrorContext) (Outcome, error) {
				panic("strategy bug")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(WithPolicy(fastPolicy()), WithStrategy(ClassNetwork, tt.strategy))

			recovered, _ := h.Handle(context.Background(), "network", "unreachable", SeverityMedium, nil)
			if recovered {
				t.Fatal("expected failure to stay unrecovered")
			}
			if got := lastEntry(t, h).RetryCount; got != DefaultMaxRetries {
				t.Errorf("expected %d counted attempts, got %d", DefaultMaxRetries, got)
			}
		})
	}
}

func TestHandleStrategyCannotMutateRecord(t *testing.T) {
	meddler := StrategyFunc(func(_ context.Context, ec *ErrorContext) (Outcome, error) {
		ec.RetryCount = 100
		ec.ContextData["tampered"] = true
		return OutcomeRetry, nil
	})
	h := NewHandler(WithPolicy(fastPolicy()), WithStrategy(ClassAPI, meddler))

	h.Handle(context.Background(), "api", "quota exceeded", SeverityMedium, nil)

	entry := lastEntry(t, h)
	if entry.RetryCount != 1 {
		t.Errorf("expected retry_count 1, got %d", entry.RetryCount)
	}
	if _, ok := entry.ContextData["tampered"]; ok {
		t.Error("strategy changes leaked into the record")
	}
}

func TestHandleMaxRetriesOption(t *testing.T) {
	never := StrategyFunc(func(context.Context, *ErrorContext) (Outcome, error) { return "", nil })
	h := NewHandler(WithPolicy(fastPolicy()), WithMaxRetries(5), WithStrategy(ClassAPI, never))

	h.Handle(context.Background(), "api", "bad gateway", SeverityLow, nil)
	if got := lastEntry(t, h).RetryCount; got != 5 {
		t.Errorf("expected 5 attempts, got %d", got)
	}

	h = NewHandler(WithPolicy(fastPolicy()), WithMaxRetries(0))
	if recovered, _ := h.Handle(context.Background(), "api", "rate limit", SeverityLow, nil); recovered {
		t.Error("zero max retries should leave the failure unrecovered")
	}
}

func TestHandleAdvisorGuidedConfiguration(t *testing.T) {
	adv := &stubAdvisor{sol: &advisor.Solution{
		RootCause:        "missing variable",
		RemediationSteps: []string{"Set the region variable"},
		Source:           "stub",
	}}
	h := NewHandler(WithPolicy(fastPolicy()), WithAdvisor(adv))

	recovered, sol := h.Handle(context.Background(), "configuration", "variable region is not set", SeverityMedium, nil)
	if !recovered {
		t.Fatal("expected advisor-backed recovery")
	}
	if sol == nil || len(sol.RemediationSteps) != 1 {
		t.Fatalf("expected advisory solution to be returned, got %+v", sol)
	}
	if got := lastEntry(t, h).RecoveryOutcome; got != OutcomeAIGuided {
		t.Errorf("expected %q, got %q", OutcomeAIGuided, got)
	}
	if adv.calls.Load() != 1 {
		t.Errorf("advisor should be consulted once, got %d", adv.calls.Load())
	}
}

func TestHandleConfigurationWithoutAdviceDeclines(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))

	recovered, _ := h.Handle(context.Background(), "configuration", "variable region is not set", SeverityMedium, nil)
	if recovered {
		t.Fatal("expected configuration failure without advice to stay unrecovered")
	}
	if got := lastEntry(t, h).RetryCount; got != 0 {
		t.Errorf("expected no counted attempts, got %d", got)
	}
}

func TestHandleAdvisorFailureIsAbsorbed(t *testing.T) {
	tests := []struct {
		name string
		adv  *stubAdvisor
	}{
		{name: "error", adv: &stubAdvisor{err: errors.New("503 from provider")}},
		{name: "panic", adv: &stubAdvisor{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(WithPolicy(fastPolicy()), WithAdvisor(tt.adv))

			recovered, sol := h.Handle(context.Background(), "api", "429 Too Many Requests", SeverityMedium, nil)
			if !recovered {
				t.Error("advisor failure must not affect strategy outcome")
			}
			if sol != nil {
				t.Errorf("expected no solution, got %+v", sol)
			}
		})
	}
}

func TestHandleCancelledContext(t *testing.T) {
	never := StrategyFunc(func(context.Context, *ErrorContext) (Outcome, error) { return "", nil })
	h := NewHandler(
		WithPolicy(RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour}),
		WithStrategy(ClassNetwork, never),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	recovered, _ := h.Handle(ctx, "network", "no route to host", SeverityMedium, nil)
	if recovered {
		t.Fatal("expected cancelled handling to be unrecovered")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("handler ignored cancellation, took %v", elapsed)
	}
	if got := lastEntry(t, h).RetryCount; got != 1 {
		t.Errorf("expected exactly one attempt before backoff, got %d", got)
	}
}

func TestHandleRecordsEveryCall(t *testing.T) {
	h := NewHandler(WithPolicy(fastPolicy()))
	ctx := context.Background()

	h.Handle(ctx, "api", "rate limit", SeverityMedium, nil)
	h.Handle(ctx, "infrastructure_tool", "bucket already exists", SeverityHigh, nil)
	h.Handle(ctx, "validation", "value out of range", SeverityLow, nil)

	if h.History().Len() != 3 {
		t.Fatalf("expected 3 history entries, got %d", h.History().Len())
	}

	report := h.Report()
	if report.TotalErrorCount != 3 || report.RecoveredCount != 1 || report.UnrecoveredCount != 2 {
		t.Errorf("unexpected report counts: %+v", report)
	}
}

func TestSharedHistory(t *testing.T) {
	hist := NewHistory()
	a := NewHandler(WithPolicy(fastPolicy()), WithHistory(hist))
	b := NewHandler(WithPolicy(fastPolicy()), WithHistory(hist))

	a.Handle(context.Background(), "api", "rate limit", SeverityLow, nil)
	b.Handle(context.Background(), "network", "timeout", SeverityLow, nil)

	if hist.Len() != 2 {
		t.Errorf("expected both handlers to append to the shared history, got %d", hist.Len())
	}
}
