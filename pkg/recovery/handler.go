package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/advisor"
	"github.com/inframate/inframate/pkg/telemetry"
)

// Handler runs the recovery loop for a failure: it consults the advisor once,
// then invokes the classification's strategy under the retry policy, and
// records the result in its history.
//
// A Handler is safe for concurrent use; each Handle call works on its own
// ErrorContext.
type Handler struct {
	registry   *Registry
	overrides  map[Classification]Strategy
	policy     RetryPolicy
	maxRetries int
	advisor    advisor.Advisor
	history    *History
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPolicy sets the retry policy.
func WithPolicy(p RetryPolicy) HandlerOption {
	return func(h *Handler) { h.policy = p }
}

// WithMaxRetries sets the retry ceiling applied to new error contexts.
func WithMaxRetries(n int) HandlerOption {
	return func(h *Handler) {
		if n >= 0 {
			h.maxRetries = n
		}
	}
}

// WithAdvisor sets the solution provider. A nil advisor disables advice.
func WithAdvisor(a advisor.Advisor) HandlerOption {
	return func(h *Handler) { h.advisor = a }
}

// WithHistory shares an existing history, e.g. across handlers of one run.
func WithHistory(hist *History) HandlerOption {
	return func(h *Handler) { h.history = hist }
}

// WithStrategy overrides the strategy for one classification.
func WithStrategy(class Classification, s Strategy) HandlerOption {
	return func(h *Handler) { h.overrides[class] = s }
}

// WithMetrics records recovery metrics.
func WithMetrics(m *telemetry.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithTracer wraps each Handle call in a span.
func WithTracer(t *telemetry.Tracer) HandlerOption {
	return func(h *Handler) { h.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a handler with the built-in strategies registered.
// Strategies passed through WithStrategy replace the built-ins.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:   NewRegistry(),
		overrides:  make(map[Classification]Strategy),
		policy:     DefaultRetryPolicy(),
		maxRetries: DefaultMaxRetries,
		history:    NewHistory(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "recovery-handler").Logger()

	RegisterBuiltins(h.registry, h.logger)
	for class, s := range h.overrides {
		h.registry.Register(class, s)
	}
	h.overrides = nil
	return h
}

// Registry returns the strategy registry.
func (h *Handler) Registry() *Registry {
	return h.registry
}

// History returns the recovery history.
func (h *Handler) History() *History {
	return h.history
}

// Report aggregates the history.
func (h *Handler) Report() Report {
	return h.history.Report()
}

// Policy returns the retry policy in use.
func (h *Handler) Policy() RetryPolicy {
	return h.policy
}

// Handle attempts recovery of one failure. It never returns an error: the
// boolean reports whether a strategy produced a recovery outcome, and the
// solution is the advisor's suggestion, if any. Cancelling ctx ends the
// loop early with the failure unrecovered.
func (h *Handler) Handle(ctx context.Context, classification, message string, severity Severity, contextData map[string]any) (bool, *advisor.Solution) {
	ec := h.newErrorContext(classification, message, severity, contextData)
	h.HandleContext(ctx, ec)
	return ec.Recovered(), ec.AdvisorySolution
}

// HandleContext runs the recovery loop on a prepared ErrorContext and
// appends it to the history. Callers that need the full record (retry count,
// outcome) use this instead of Handle.
func (h *Handler) HandleContext(ctx context.Context, ec *ErrorContext) {
	normalize(ec)
	ctx, span := h.tracer.StartRecoverySpan(ctx, string(ec.Classification), string(ec.Severity))
	defer span.End()

	log := h.logger.With().
		Str("error_id", ec.ID).
		Str("classification", string(ec.Classification)).
		Str("severity", string(ec.Severity)).
		Logger()

	h.metrics.RecordErrorHandled(string(ec.Classification), string(ec.Severity))
	log.Info().Str("message", ec.Message).Msg("Handling error")

	ec.AdvisorySolution = h.consult(ctx, ec, log)

	strategy, ok := h.registry.Lookup(ec.Classification)
	if !ok {
		log.Warn().Msg("No strategy registered; falling back to system strategy")
		strategy, ok = h.registry.Lookup(ClassSystem)
	}
	if ok {
		h.loop(ctx, strategy, ec, log)
	}

	span.SetAttributes(
		telemetry.AttrRetryCount.Int(ec.RetryCount),
		telemetry.AttrOutcome.String(string(ec.RecoveryOutcome)),
	)
	h.metrics.RecordRecoveryOutcome(string(ec.Classification), string(ec.RecoveryOutcome))

	if ec.Recovered() {
		telemetry.RecordSuccess(span)
		log.Info().
			Str("outcome", string(ec.RecoveryOutcome)).
			Int("attempts", ec.RetryCount).
			Msg("Error recovered")
	} else {
		telemetry.RecordError(span, errors.New("recovery failed"))
		log.Error().
			Bool("critical", true).
			Str("message", ec.Message).
			Int("attempts", ec.RetryCount).
			Msg("Failed to recover from error")
	}

	h.history.Append(ec)
}

func (h *Handler) newErrorContext(classification, message string, severity Severity, data map[string]any) *ErrorContext {
	ec := NewErrorContext(Classification(classification), message, severity, data)
	ec.MaxRetries = h.maxRetries
	normalize(ec)
	return ec
}

// normalize maps ec's classification into the closed set, keeping the
// caller's value when it changed.
func normalize(ec *ErrorContext) {
	class := Normalize(string(ec.Classification))
	if class == ec.Classification {
		return
	}
	if ec.ContextData == nil {
		ec.ContextData = make(map[string]any)
	}
	if _, ok := ec.ContextData[ContextKeyOriginalClassification]; !ok {
		ec.ContextData[ContextKeyOriginalClassification] = string(ec.Classification)
	}
	ec.Classification = class
}

// NewErrorContext creates an ErrorContext configured for this handler.
func (h *Handler) NewErrorContext(classification, message string, severity Severity, data map[string]any) *ErrorContext {
	return h.newErrorContext(classification, message, severity, data)
}

func (h *Handler) loop(ctx context.Context, strategy Strategy, ec *ErrorContext, log zerolog.Logger) {
	limit := h.policy.EffectiveMaxRetries(ec)

	for iteration := 0; ec.RetryCount < limit; iteration++ {
		if iteration > 0 {
			if err := sleep(ctx, h.policy.Pause); err != nil {
				log.Warn().Err(err).Msg("Recovery interrupted")
				return
			}
		}
		if wait := h.policy.Remaining(ec, time.Now()); wait > 0 {
			log.Debug().Dur("wait", wait).Int("retry_count", ec.RetryCount).Msg("Backing off before next attempt")
		}
		if err := h.policy.Wait(ctx, ec); err != nil {
			log.Warn().Err(err).Msg("Recovery interrupted during backoff")
			return
		}
		if !h.policy.ShouldRetry(ec, time.Now()) {
			return
		}

		h.metrics.RecordRecoveryAttempt(string(ec.Classification))
		outcome, err := h.attempt(ctx, strategy, ec)

		if errors.Is(err, ErrDeclined) {
			log.Info().Err(err).Msg("Strategy declined recovery")
			return
		}

		now := time.Now()
		ec.RetryCount++
		ec.LastAttempt = &now

		if err != nil {
			log.Warn().Err(err).Int("retry_count", ec.RetryCount).Msg("Recovery attempt failed")
			continue
		}
		if outcome != "" {
			ec.RecoveryOutcome = outcome
			return
		}
		log.Debug().Int("retry_count", ec.RetryCount).Msg("No immediate recovery")
	}
}

// attempt invokes the strategy on a copy of ec, converting panics to errors.
func (h *Handler) attempt(ctx context.Context, s Strategy, ec *ErrorContext) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = ""
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	snapshot := ec.Clone()
	return s.Attempt(ctx, &snapshot)
}

// consult makes the single best-effort advisor call.
func (h *Handler) consult(ctx context.Context, ec *ErrorContext, log zerolog.Logger) (sol *advisor.Solution) {
	if h.advisor == nil || !h.advisor.Available() {
		return nil
	}

	name := h.advisor.Name()
	ctx, span := h.tracer.StartAdvisorSpan(ctx, name)
	defer span.End()
	timer := telemetry.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("advisor", name).Msg("Advisor panicked")
			h.metrics.RecordAdvisorCall(name, "error", timer.Duration())
			sol = nil
		}
	}()

	sol, err := h.advisor.Advise(ctx, ec.AdvisorRequest())
	if err != nil {
		telemetry.RecordError(span, err)
		h.metrics.RecordAdvisorCall(name, "error", timer.Duration())
		log.Warn().Err(err).Str("advisor", name).Msg("Advisor call failed; continuing without advice")
		return nil
	}
	telemetry.RecordSuccess(span)
	h.metrics.RecordAdvisorCall(name, "ok", timer.Duration())
	if sol == nil {
		log.Debug().Str("advisor", name).Msg("Advisor returned no solution")
		return nil
	}
	log.Debug().Str("advisor", name).Int("steps", len(sol.RemediationSteps)).Msg("Advisor returned a solution")
	return sol
}
