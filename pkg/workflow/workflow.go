package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/remediate"
	"github.com/inframate/inframate/pkg/telemetry"
)

// Pipeline step names.
const (
	StepAnalyze   = "analyze"
	StepOptimize  = "optimize"
	StepSecure    = "secure"
	StepVisualize = "visualize"

	// ActionAuto runs every step in pipeline order.
	ActionAuto = "auto"
)

var pipeline = []string{StepAnalyze, StepOptimize, StepSecure, StepVisualize}

var stepStates = map[string]State{
	StepAnalyze:   StateAnalyzing,
	StepOptimize:  StateOptimizing,
	StepSecure:    StateSecuring,
	StepVisualize: StateVisualizing,
}

// Pipeline returns the step names in execution order.
func Pipeline() []string {
	return append([]string(nil), pipeline...)
}

var (
	// ErrUnknownAction is returned for an action that is neither a step nor
	// ActionAuto.
	ErrUnknownAction = errors.New("unknown action")

	// ErrStepNotRegistered is returned when a planned step has no function.
	ErrStepNotRegistered = errors.New("step not registered")
)

// Remediator applies remediation after a recovered failure.
type Remediator interface {
	Remediate(ctx context.Context, req remediate.Request) ([]remediate.Result, error)
}

// RunStore persists run summaries. SaveRun is called when a run starts and
// again when it finishes.
type RunStore interface {
	SaveRun(ctx context.Context, s *Summary) error
}

// Options configures a Workflow.
type Options struct {
	// Mode selects supervised or autonomous behavior. Defaults to supervised.
	Mode Mode

	// Timeout bounds a whole run. Zero means no deadline.
	Timeout time.Duration

	// EscalationThreshold is the number of consecutive failures of one step
	// after which its faults are handled as critical.
	EscalationThreshold int

	// RepoPath is the working directory handed to remediation.
	RepoPath string

	Remediator Remediator
	Injector   *FaultInjector
	Store      RunStore

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
	Logger  zerolog.Logger
}

// Workflow drives the step pipeline, handing failures to the recovery
// handler. Step attempt counters live as long as the Workflow, so repeated
// failures of a step across runs escalate; each run gets its own state
// machine.
type Workflow struct {
	handler  *recovery.Handler
	executor *ActionExecutor
	opts     Options
	logger   zerolog.Logger

	mu      sync.RWMutex
	steps   map[string]StepFunc
	machine *Machine
}

// New creates a workflow that recovers failures through handler.
func New(handler *recovery.Handler, opts Options) *Workflow {
	if opts.Mode == "" {
		opts.Mode = ModeSupervised
	}
	if opts.EscalationThreshold <= 0 {
		opts.EscalationThreshold = recovery.DefaultMaxRetries
	}
	logger := opts.Logger.With().Str("component", "workflow").Logger()
	return &Workflow{
		handler:  handler,
		executor: NewActionExecutor(opts.Logger),
		opts:     opts,
		logger:   logger,
		steps:    make(map[string]StepFunc),
		machine:  NewMachine(nil),
	}
}

// Register binds fn to a pipeline step.
func (w *Workflow) Register(name string, fn StepFunc) error {
	if _, ok := stepStates[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	if fn == nil {
		return fmt.Errorf("step %s: nil function", name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.steps[name] = fn
	return nil
}

// Executor returns the action executor shared by all runs.
func (w *Workflow) Executor() *ActionExecutor {
	return w.executor
}

// Handler returns the recovery handler.
func (w *Workflow) Handler() *recovery.Handler {
	return w.handler
}

// State returns the state of the current or most recent run.
func (w *Workflow) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.machine.Current()
}

// Transitions returns the state changes of the current or most recent run.
func (w *Workflow) Transitions() []Transition {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.machine.Transitions()
}

// plan resolves an action to its steps and their functions.
func (w *Workflow) plan(action string) ([]string, map[string]StepFunc, error) {
	var names []string
	switch {
	case action == ActionAuto:
		names = Pipeline()
	case stepStates[action] != "":
		names = []string{action}
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	fns := make(map[string]StepFunc, len(names))
	for _, name := range names {
		fn, ok := w.steps[name]
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrStepNotRegistered, name)
		}
		if w.opts.Injector != nil {
			fn = w.opts.Injector.Wrap(name, fn)
		}
		fns[name] = fn
	}
	return names, fns, nil
}

// run is the per-run state.
type run struct {
	summary *Summary
	machine *Machine
	fns     map[string]StepFunc
	errors  []recovery.ErrorContext
	log     zerolog.Logger
	halted  bool

	// cancelled is set when cancellation kept a planned step from
	// completing.
	cancelled bool
}

// Run executes action, either a single step or ActionAuto. It returns an
// error only when the action cannot be planned; failures inside the run are
// reported through the Summary.
func (w *Workflow) Run(ctx context.Context, action string) (*Summary, error) {
	names, fns, err := w.plan(action)
	if err != nil {
		return nil, err
	}

	if w.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.Timeout)
		defer cancel()
	}

	runID := uuid.New().String()
	log := w.logger.With().Str("run_id", runID).Str("action", action).Str("mode", string(w.opts.Mode)).Logger()
	r := &run{
		summary: newSummary(runID, action, w.opts.Mode),
		fns:     fns,
		log:     log,
	}
	r.machine = NewMachine(func(from, to State) {
		log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
		w.emit(log, w.opts.Events.PublishStateChanged(runID, string(from), string(to)))
	})
	w.mu.Lock()
	w.machine = r.machine
	w.mu.Unlock()

	ctx, span := w.opts.Tracer.StartRunSpan(ctx, runID, string(w.opts.Mode))
	defer span.End()

	log.Info().Strs("steps", names).Msg("Starting workflow run")
	w.opts.Metrics.RecordRunStarted(string(w.opts.Mode))
	w.emit(log, w.opts.Events.PublishRunStarted(runID, string(w.opts.Mode), names))
	w.save(ctx, r)

	for _, name := range names {
		if ctx.Err() != nil {
			r.cancelled = true
			break
		}
		w.runStep(ctx, r, name)
		if r.halted {
			break
		}
	}

	w.finish(ctx, r)
	s := r.summary

	if s.Success {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("run %s", s.Status))
	}
	w.opts.Metrics.RecordRunCompleted(string(s.Status), s.Duration())
	w.emit(log, w.opts.Events.PublishRunCompleted(runID, string(s.Status), s.Duration()))
	w.save(context.WithoutCancel(ctx), r)

	log.Info().
		Str("status", string(s.Status)).
		Int("steps", len(s.Steps)).
		Int("failures", len(s.Failures)).
		Dur("duration", s.Duration()).
		Msg("Workflow run finished")
	return s, nil
}

// finish settles the run status and the machine's terminal state.
func (w *Workflow) finish(ctx context.Context, r *run) {
	s := r.summary
	switch {
	case r.cancelled:
		s.Status = RunStatusCancelled
	case r.halted:
		s.Status = RunStatusPartial
	case len(s.Failures) == 0:
		s.Status = RunStatusSucceeded
	default:
		s.Status = RunStatusFailed
	}
	s.Success = s.Status == RunStatusSucceeded
	s.CompletedAt = time.Now().UTC()
	s.ErrorReport = recovery.NewReport(r.errors)

	final := StateFailed
	if s.Success {
		final = StateCompleted
	}
	if err := r.machine.Transition(final); err != nil {
		r.log.Warn().Err(err).Msg("Could not record final state")
	}
}

// runStep executes one step, handling a failure through recovery and
// re-attempting the step once when recovery succeeds.
func (w *Workflow) runStep(ctx context.Context, r *run, name string) {
	log := r.log.With().Str("step", name).Logger()
	runID := r.summary.RunID

	if err := r.machine.Transition(stepStates[name]); err != nil {
		log.Warn().Err(err).Msg("Unexpected state transition")
	}

	stepCtx, span := w.opts.Tracer.StartStepSpan(ctx, name)
	defer span.End()
	stepCtx = withResults(stepCtx, r.summary.Results)

	timer := telemetry.NewTimer()
	fn := r.fns[name]
	attempts := 1

	w.emit(log, w.opts.Events.PublishStepStarted(runID, name, attempts))
	ok, result, fault := w.executor.Execute(stepCtx, name, fn)
	if ok {
		w.stepDone(r, name, StepStatusCompleted, attempts, timer, result, log)
		telemetry.RecordSuccess(span)
		return
	}

	if cancelledBy(ctx, fault) {
		r.cancelled = true
	}
	class, severity := Classify(fault)
	if n := w.executor.Attempts(name); n > w.opts.EscalationThreshold {
		log.Warn().Int("failures", n).Msg("Step keeps failing; escalating to critical")
		severity = recovery.SeverityCritical
	}

	if err := r.machine.Transition(StateErrorHandling); err != nil {
		log.Warn().Err(err).Msg("Unexpected state transition")
	}
	w.emit(log, w.opts.Events.PublishStepFailed(runID, name, string(class), fault.Message))

	ec := w.handler.NewErrorContext(string(class), fault.Message, severity, map[string]any{
		"step":       name,
		"run_id":     runID,
		"fault_type": fault.TypeName,
		"attempt":    w.executor.Attempts(name),
	})
	if fault.StackTrace != "" {
		ec.ContextData["stack_trace"] = fault.StackTrace
	}
	w.handler.HandleContext(stepCtx, ec)
	r.errors = append(r.errors, ec.Clone())
	w.emit(log, w.opts.Events.PublishRecovery(runID, name, string(ec.Classification), string(ec.RecoveryOutcome), ec.RetryCount))

	if !ec.Recovered() {
		w.stepFailed(r, name, attempts, timer, FailureRecord{
			Step:           name,
			Classification: ec.Classification,
			Message:        ec.Message,
			Severity:       ec.Severity,
			RetryCount:     ec.RetryCount,
		}, log)
		telemetry.RecordError(span, fault)
		return
	}

	if err := r.machine.Transition(StateRecovery); err != nil {
		log.Warn().Err(err).Msg("Unexpected state transition")
	}
	w.remediate(stepCtx, r, name, ec, log)
	if err := r.machine.Resume(); err != nil {
		log.Warn().Err(err).Msg("Unexpected state transition")
	}

	attempts++
	log.Info().Str("outcome", string(ec.RecoveryOutcome)).Msg("Recovered; re-attempting step")
	w.emit(log, w.opts.Events.PublishStepStarted(runID, name, attempts))
	ok, result, retryFault := w.executor.Execute(stepCtx, name, fn)
	if ok {
		w.stepDone(r, name, StepStatusRecovered, attempts, timer, result, log)
		telemetry.RecordSuccess(span)
		return
	}

	if cancelledBy(ctx, retryFault) {
		r.cancelled = true
	}
	if err := r.machine.Transition(StateErrorHandling); err != nil {
		log.Warn().Err(err).Msg("Unexpected state transition")
	}
	w.emit(log, w.opts.Events.PublishStepFailed(runID, name, string(ec.Classification), retryFault.Message))
	w.stepFailed(r, name, attempts, timer, FailureRecord{
		Step:            name,
		Classification:  ec.Classification,
		Message:         retryFault.Message,
		Severity:        ec.Severity,
		Recovered:       true,
		RetryCount:      ec.RetryCount,
		RecoveryOutcome: ec.RecoveryOutcome,
	}, log)
	telemetry.RecordError(span, retryFault)
}

// cancelledBy reports whether f was caused by the cancellation of ctx.
func cancelledBy(ctx context.Context, f *Fault) bool {
	if ctx.Err() == nil || f == nil {
		return false
	}
	return errors.Is(f.Err, context.Canceled) || errors.Is(f.Err, context.DeadlineExceeded)
}

func (w *Workflow) stepDone(r *run, name string, status StepStatus, attempts int, timer *telemetry.Timer, result any, log zerolog.Logger) {
	d := timer.Duration()
	r.summary.Steps = append(r.summary.Steps, StepRecord{
		Name:      name,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Attempts:  attempts,
		Duration:  d,
	})
	if result != nil {
		r.summary.Results[name] = result
	}
	w.opts.Metrics.RecordStep(name, string(status), d)
	w.emit(log, w.opts.Events.PublishStepCompleted(r.summary.RunID, name, d))
	log.Info().Str("status", string(status)).Dur("duration", d).Msg("Step completed")
}

// stepFailed records an unrecovered step. Supervised runs halt here.
func (w *Workflow) stepFailed(r *run, name string, attempts int, timer *telemetry.Timer, failure FailureRecord, log zerolog.Logger) {
	d := timer.Duration()
	r.summary.Steps = append(r.summary.Steps, StepRecord{
		Name:      name,
		Status:    StepStatusFailed,
		Timestamp: time.Now().UTC(),
		Attempts:  attempts,
		Duration:  d,
	})
	r.summary.Failures = append(r.summary.Failures, failure)
	w.opts.Metrics.RecordStep(name, string(StepStatusFailed), d)

	if w.opts.Mode == ModeAutonomous {
		log.Error().Str("classification", string(failure.Classification)).Msg("Step failed; continuing with remaining steps")
		return
	}
	log.Error().Str("classification", string(failure.Classification)).Msg("Step failed; halting run")
	r.halted = true
}

func (w *Workflow) remediate(ctx context.Context, r *run, name string, ec *recovery.ErrorContext, log zerolog.Logger) {
	if w.opts.Remediator == nil {
		return
	}
	results, err := w.opts.Remediator.Remediate(ctx, remediate.Request{
		RunID:      r.summary.RunID,
		Step:       name,
		Error:      ec,
		Autonomous: w.opts.Mode == ModeAutonomous,
		WorkDir:    w.opts.RepoPath,
	})
	for _, res := range results {
		r.summary.Remediations = append(r.summary.Remediations, RemediationRecord{Step: name, Result: res})
	}
	if err != nil {
		log.Warn().Err(err).Msg("Remediation incomplete")
	}
}

func (w *Workflow) save(ctx context.Context, r *run) {
	if w.opts.Store == nil {
		return
	}
	if err := w.opts.Store.SaveRun(ctx, r.summary); err != nil {
		r.log.Warn().Err(err).Msg("Failed to persist run")
	}
}

func (w *Workflow) emit(log zerolog.Logger, err error) {
	if err != nil {
		log.Debug().Err(err).Msg("Event not published")
	}
}

type resultsKey struct{}

func withResults(ctx context.Context, results map[string]any) context.Context {
	return context.WithValue(ctx, resultsKey{}, results)
}

// StepResult returns the result of an earlier step of the same run. Steps
// use it to read their predecessors' output, e.g. optimize reading the
// analysis.
func StepResult(ctx context.Context, step string) (any, bool) {
	results, ok := ctx.Value(resultsKey{}).(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := results[step]
	return v, ok
}
