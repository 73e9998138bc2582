package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/advisor"
	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/remediate"
	"github.com/inframate/inframate/pkg/telemetry"
)

func fastHandler(opts ...recovery.HandlerOption) *recovery.Handler {
	opts = append([]recovery.HandlerOption{
		recovery.WithPolicy(recovery.RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}),
	}, opts...)
	return recovery.NewHandler(opts...)
}

// countingStep succeeds unless fail returns an error for the given call.
type countingStep struct {
	calls atomic.Int32
	fail  func(call int) error
}

func (s *countingStep) run(context.Context) (any, error) {
	n := int(s.calls.Add(1))
	if s.fail != nil {
		if err := s.fail(n); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func okStep() *countingStep { return &countingStep{} }

func failFirst(err error) *countingStep {
	return &countingStep{fail: func(call int) error {
		if call == 1 {
			return err
		}
		return nil
	}}
}

func failAlways(err error) *countingStep {
	return &countingStep{fail: func(int) error { return err }}
}

func register(t *testing.T, w *Workflow, steps map[string]*countingStep) {
	t.Helper()
	for name, s := range steps {
		if err := w.Register(name, s.run); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
}

func TestRun_SupervisedHaltsAtUnrecoveredStep(t *testing.T) {
	w := New(fastHandler(), Options{Mode: ModeSupervised})
	steps := map[string]*countingStep{
		StepAnalyze:   okStep(),
		StepOptimize:  failAlways(recovery.NewValidationError("schema mismatch in module inputs", nil)),
		StepSecure:    okStep(),
		StepVisualize: okStep(),
	}
	register(t, w, steps)

	s, err := w.Run(context.Background(), ActionAuto)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if s.Success {
		t.Error("expected success=false")
	}
	if s.Status != RunStatusPartial {
		t.Errorf("status = %s, want partial", s.Status)
	}
	names := s.StepNames()
	if len(names) != 2 || names[0] != StepAnalyze || names[1] != StepOptimize {
		t.Fatalf("steps = %v, want [analyze optimize]", names)
	}
	if s.Steps[0].Status != StepStatusCompleted || s.Steps[1].Status != StepStatusFailed {
		t.Errorf("step statuses = %s, %s", s.Steps[0].Status, s.Steps[1].Status)
	}
	if steps[StepSecure].calls.Load() != 0 || steps[StepVisualize].calls.Load() != 0 {
		t.Error("steps after the halt must not run")
	}
	if len(s.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(s.Failures))
	}
	f := s.Failures[0]
	if f.Step != StepOptimize || f.Classification != recovery.ClassValidation || f.Recovered {
		t.Errorf("unexpected failure record: %+v", f)
	}
	if s.ErrorReport.TotalErrorCount != 1 || s.ErrorReport.UnrecoveredCount != 1 {
		t.Errorf("report = %+v", s.ErrorReport)
	}
	if w.State() != StateFailed {
		t.Errorf("state = %s, want failed", w.State())
	}
}

func TestRun_AutonomousRecoversTwoSteps(t *testing.T) {
	w := New(fastHandler(), Options{Mode: ModeAutonomous})
	steps := map[string]*countingStep{
		StepAnalyze:   okStep(),
		StepOptimize:  failFirst(recovery.NewAPIError("rate limit exceeded", nil)),
		StepSecure:    failFirst(recovery.NewNetworkError("connection reset by peer", nil)),
		StepVisualize: okStep(),
	}
	register(t, w, steps)

	s, err := w.Run(context.Background(), ActionAuto)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !s.Success || s.Status != RunStatusSucceeded {
		t.Fatalf("success=%v status=%s, want success", s.Success, s.Status)
	}
	if len(s.Steps) != 4 {
		t.Fatalf("steps = %v, want all 4", s.StepNames())
	}
	want := []StepStatus{StepStatusCompleted, StepStatusRecovered, StepStatusRecovered, StepStatusCompleted}
	for i, st := range s.Steps {
		if st.Status != want[i] {
			t.Errorf("step %s status = %s, want %s", st.Name, st.Status, want[i])
		}
	}
	if s.Steps[1].Attempts != 2 {
		t.Errorf("recovered step attempts = %d, want 2", s.Steps[1].Attempts)
	}
	if len(s.Failures) != 0 {
		t.Errorf("failures = %+v, want none", s.Failures)
	}
	if s.ErrorReport.TotalErrorCount != 2 || s.ErrorReport.RecoveredCount != 2 {
		t.Errorf("report = %+v", s.ErrorReport)
	}
	if w.State() != StateCompleted {
		t.Errorf("state = %s, want completed", w.State())
	}
}

func TestRun_AutonomousContinuesPastFailure(t *testing.T) {
	w := New(fastHandler(), Options{Mode: ModeAutonomous})
	steps := map[string]*countingStep{
		StepAnalyze:   okStep(),
		StepOptimize:  failAlways(recovery.NewValidationError("schema mismatch in module inputs", nil)),
		StepSecure:    okStep(),
		StepVisualize: okStep(),
	}
	register(t, w, steps)

	s, err := w.Run(context.Background(), ActionAuto)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Success || s.Status != RunStatusFailed {
		t.Errorf("success=%v status=%s, want failed", s.Success, s.Status)
	}
	if len(s.Steps) != 4 {
		t.Errorf("steps = %v, want all 4", s.StepNames())
	}
	if len(s.Failures) != 1 || s.Failures[0].Step != StepOptimize {
		t.Errorf("failures = %+v", s.Failures)
	}
	if w.State() != StateFailed {
		t.Errorf("state = %s, want failed", w.State())
	}
}

func TestRun_FailedReattemptIsFinal(t *testing.T) {
	w := New(fastHandler(), Options{Mode: ModeSupervised})
	step := failAlways(recovery.NewAPIError("rate limit exceeded", nil))
	register(t, w, map[string]*countingStep{StepAnalyze: step})

	s, err := w.Run(context.Background(), StepAnalyze)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := step.calls.Load(); got != 2 {
		t.Errorf("step calls = %d, want 2 (one re-attempt)", got)
	}
	if s.Status != RunStatusPartial {
		t.Errorf("status = %s, want partial", s.Status)
	}
	if len(s.Failures) != 1 {
		t.Fatalf("failures = %d, want 1", len(s.Failures))
	}
	f := s.Failures[0]
	if !f.Recovered {
		t.Error("failure should record that the handler recovered before the re-attempt")
	}
	if s.Steps[0].Status != StepStatusFailed {
		t.Errorf("step status = %s, want failed", s.Steps[0].Status)
	}
	if f.RecoveryOutcome != recovery.OutcomeRetry {
		t.Errorf("outcome = %q, want retry", f.RecoveryOutcome)
	}
	// The handler itself did recover; the report reflects that.
	if s.ErrorReport.RecoveredCount != 1 {
		t.Errorf("report recovered = %d, want 1", s.ErrorReport.RecoveredCount)
	}
}

func TestRun_EscalatesRepeatedFailures(t *testing.T) {
	w := New(fastHandler(), Options{Mode: ModeSupervised, EscalationThreshold: 1})
	step := failAlways(recovery.NewResourceError("resource busy", nil))
	register(t, w, map[string]*countingStep{StepAnalyze: step})

	first, err := w.Run(context.Background(), StepAnalyze)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sev := first.ErrorReport.Errors[0].Severity; sev != recovery.SeverityHigh {
		t.Errorf("first run severity = %s, want high", sev)
	}

	second, err := w.Run(context.Background(), StepAnalyze)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sev := second.ErrorReport.Errors[0].Severity; sev != recovery.SeverityCritical {
		t.Errorf("second run severity = %s, want critical", sev)
	}
	if second.RunID == first.RunID {
		t.Error("runs must get distinct IDs")
	}
}

func TestRun_Cancelled(t *testing.T) {
	w := New(fastHandler(), Options{Timeout: 30 * time.Millisecond})
	blocking := func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := w.Register(StepAnalyze, blocking); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	s, err := w.Run(context.Background(), StepAnalyze)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Status != RunStatusCancelled || s.Success {
		t.Errorf("status = %s success=%v, want cancelled", s.Status, s.Success)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancelled run took %v", elapsed)
	}
}

func TestRun_DeadlineAfterLastStepSucceeds(t *testing.T) {
	w := New(fastHandler(), Options{Timeout: 20 * time.Millisecond})
	err := w.Register(StepAnalyze, func(context.Context) (any, error) {
		time.Sleep(40 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := w.Run(context.Background(), StepAnalyze)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Status != RunStatusSucceeded || !s.Success {
		t.Errorf("status = %s success=%v, want succeeded", s.Status, s.Success)
	}
	if len(s.Failures) != 0 {
		t.Errorf("failures = %+v, want none", s.Failures)
	}
	if got := w.State(); got != StateCompleted {
		t.Errorf("state = %s, want %s", got, StateCompleted)
	}
}

func TestRun_DeadlineSkipsRemainingSteps(t *testing.T) {
	w := New(fastHandler(), Options{Timeout: 20 * time.Millisecond})
	slow := func(context.Context) (any, error) {
		time.Sleep(40 * time.Millisecond)
		return "ok", nil
	}
	for _, name := range Pipeline() {
		if err := w.Register(name, slow); err != nil {
			t.Fatal(err)
		}
	}

	s, err := w.Run(context.Background(), ActionAuto)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.Status != RunStatusCancelled || s.Success {
		t.Errorf("status = %s success=%v, want cancelled", s.Status, s.Success)
	}
	if len(s.Steps) != 1 {
		t.Errorf("steps = %v, want only %s", s.StepNames(), StepAnalyze)
	}
}

func TestRun_PanickingStepRecovers(t *testing.T) {
	h := fastHandler()
	w := New(h, Options{Mode: ModeAutonomous})
	var calls atomic.Int32
	err := w.Register(StepVisualize, func(context.Context) (any, error) {
		if calls.Add(1) == 1 {
			panic("graph renderer crashed")
		}
		return "diagram.svg", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := w.Run(context.Background(), StepVisualize)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !s.Success {
		t.Fatalf("status = %s, want succeeded", s.Status)
	}
	if s.Results[StepVisualize] != "diagram.svg" {
		t.Errorf("result = %v", s.Results[StepVisualize])
	}

	entries := h.History().Entries()
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].Classification != recovery.ClassSystem {
		t.Errorf("classification = %s, want system", entries[0].Classification)
	}
	if trace, _ := entries[0].ContextData["stack_trace"].(string); trace == "" {
		t.Error("expected the panic stack trace in the context data")
	}
	if entries[0].ContextData["step"] != StepVisualize {
		t.Errorf("context step = %v", entries[0].ContextData["step"])
	}
}

func TestRun_StepReadsEarlierResult(t *testing.T) {
	w := New(fastHandler(), Options{})
	var seen any
	_ = w.Register(StepAnalyze, func(context.Context) (any, error) { return "terraform", nil })
	_ = w.Register(StepOptimize, func(ctx context.Context) (any, error) {
		seen, _ = StepResult(ctx, StepAnalyze)
		return nil, nil
	})
	_ = w.Register(StepSecure, okStep().run)
	_ = w.Register(StepVisualize, okStep().run)

	if _, err := w.Run(context.Background(), ActionAuto); err != nil {
		t.Fatal(err)
	}
	if seen != "terraform" {
		t.Errorf("optimize saw %v, want the analysis result", seen)
	}
	if _, ok := StepResult(context.Background(), StepAnalyze); ok {
		t.Error("StepResult outside a run must report false")
	}
}

func TestRun_PlanErrors(t *testing.T) {
	w := New(fastHandler(), Options{})

	if _, err := w.Run(context.Background(), "deploy"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action error = %v", err)
	}
	if _, err := w.Run(context.Background(), ActionAuto); !errors.Is(err, ErrStepNotRegistered) {
		t.Errorf("unregistered step error = %v", err)
	}
	if err := w.Register("deploy", okStep().run); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("Register(deploy) error = %v", err)
	}
	if err := w.Register(StepAnalyze, nil); err == nil {
		t.Error("Register(nil) should fail")
	}
}

func TestRun_InjectedFaultRecovers(t *testing.T) {
	inj := NewFaultInjector()
	inj.Inject(StepSecure, recovery.ClassInfrastructureTool)

	w := New(fastHandler(), Options{Mode: ModeSupervised, Injector: inj})
	step := okStep()
	register(t, w, map[string]*countingStep{StepSecure: step})

	s, err := w.Run(context.Background(), StepSecure)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Success || s.Steps[0].Status != StepStatusRecovered {
		t.Fatalf("status = %s steps = %+v", s.Status, s.Steps)
	}
	if step.calls.Load() != 1 {
		t.Errorf("the real step should run once, ran %d", step.calls.Load())
	}
	entry := s.ErrorReport.Errors[0]
	if entry.Classification != recovery.ClassInfrastructureTool || entry.RecoveryOutcome != recovery.OutcomeRetry {
		t.Errorf("report entry = %+v", entry)
	}
}

type fakeRemediator struct {
	reqs []remediate.Request
}

func (f *fakeRemediator) Remediate(_ context.Context, req remediate.Request) ([]remediate.Result, error) {
	f.reqs = append(f.reqs, req)
	return []remediate.Result{{Command: "terraform init", Decision: remediate.DecisionExecuted}}, nil
}

func TestRun_RemediatesRecoveredFailures(t *testing.T) {
	rem := &fakeRemediator{}
	adv := advisor.Basic{}
	w := New(fastHandler(recovery.WithAdvisor(adv)), Options{
		Mode:       ModeAutonomous,
		RepoPath:   "/repo",
		Remediator: rem,
	})
	register(t, w, map[string]*countingStep{
		StepAnalyze: failFirst(recovery.NewToolError("no state file found, run terraform init", nil)),
	})

	s, err := w.Run(context.Background(), StepAnalyze)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Success {
		t.Fatalf("status = %s", s.Status)
	}
	if len(rem.reqs) != 1 {
		t.Fatalf("remediation requests = %d, want 1", len(rem.reqs))
	}
	req := rem.reqs[0]
	if !req.Autonomous || req.WorkDir != "/repo" || req.Step != StepAnalyze || req.RunID != s.RunID {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.Error.RecoveryOutcome != recovery.OutcomeReinitialize {
		t.Errorf("outcome = %s, want reinitialize", req.Error.RecoveryOutcome)
	}
	if len(s.Remediations) != 1 || s.Remediations[0].Step != StepAnalyze {
		t.Errorf("remediations = %+v", s.Remediations)
	}
}

type memoryStore struct {
	saved []RunStatus
}

func (m *memoryStore) SaveRun(_ context.Context, s *Summary) error {
	m.saved = append(m.saved, s.Status)
	return nil
}

func TestRun_EventsAndStore(t *testing.T) {
	ep, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	counts := make(map[string]int)
	ep.Subscribe(func(ev telemetry.Event) { counts[ev.Type]++ }, nil)

	store := &memoryStore{}
	w := New(fastHandler(), Options{Events: ep, Store: store, Logger: zerolog.Nop()})
	register(t, w, map[string]*countingStep{
		StepOptimize: failFirst(recovery.NewNetworkError("connection refused", nil)),
	})

	if _, err := w.Run(context.Background(), StepOptimize); err != nil {
		t.Fatal(err)
	}

	for typ, want := range map[string]int{
		telemetry.EventTypeRunStarted:        1,
		telemetry.EventTypeStepStarted:       2,
		telemetry.EventTypeStepFailed:        1,
		telemetry.EventTypeRecoverySucceeded: 1,
		telemetry.EventTypeStepCompleted:     1,
		telemetry.EventTypeRunCompleted:      1,
	} {
		if counts[typ] != want {
			t.Errorf("%s events = %d, want %d", typ, counts[typ], want)
		}
	}
	// initializing->optimizing->error_handling->recovery->optimizing->completed
	if counts[telemetry.EventTypeStateChanged] != 5 {
		t.Errorf("state changes = %d, want 5", counts[telemetry.EventTypeStateChanged])
	}

	if len(store.saved) != 2 || store.saved[0] != RunStatusRunning || store.saved[1] != RunStatusSucceeded {
		t.Errorf("saved statuses = %v", store.saved)
	}
}

func TestRun_IndependentWorkflowsShareNothing(t *testing.T) {
	a := New(fastHandler(), Options{})
	b := New(fastHandler(), Options{})
	register(t, a, map[string]*countingStep{StepAnalyze: failAlways(errors.New("permission denied"))})
	register(t, b, map[string]*countingStep{StepAnalyze: okStep()})

	if _, err := a.Run(context.Background(), StepAnalyze); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), StepAnalyze); err != nil {
		t.Fatal(err)
	}
	if a.Executor().Attempts(StepAnalyze) == 0 {
		t.Error("expected failures counted on the first workflow")
	}
	if b.Executor().Attempts(StepAnalyze) != 0 || b.Handler().History().Len() != 0 {
		t.Error("second workflow must not see the first one's failures")
	}
}
