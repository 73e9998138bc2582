package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for pipeline runs and error recovery.
// A nil *Metrics or one built with Enabled=false is a no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Recovery metrics
	errorsHandled    *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	recoveryOutcomes *prometheus.CounterVec

	// Advisor metrics
	advisorCalls    *prometheus.CounterVec
	advisorDuration *prometheus.HistogramVec

	// Remediation metrics
	remediationCommands *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started",
		}, []string{"mode"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of workflow runs completed, by final status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Duration of workflow runs in seconds",
			Buckets:   buckets,
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Number of workflow runs in progress",
		}),

		stepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "steps_executed_total",
			Help:      "Total number of pipeline step executions",
		}, []string{"step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline step executions in seconds",
			Buckets:   buckets,
		}, []string{"step"}),

		errorsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_handled_total",
			Help:      "Errors passed to the recovery handler",
		}, []string{"classification", "severity"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "recovery_attempts_total",
			Help:      "Strategy invocations made by the recovery handler",
		}, []string{"classification"}),
		recoveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "recovery_outcomes_total",
			Help:      "Final result of each handled error",
		}, []string{"classification", "outcome"}),

		advisorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "advisor_calls_total",
			Help:      "Calls made to the solution provider",
		}, []string{"advisor", "status"}),
		advisorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "advisor_call_duration_seconds",
			Help:      "Duration of solution provider calls in seconds",
			Buckets:   buckets,
		}, []string{"advisor"}),

		remediationCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "remediation_commands_total",
			Help:      "Remediation commands considered, by disposition",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stepsExecuted,
		m.stepDuration,
		m.errorsHandled,
		m.recoveryAttempts,
		m.recoveryOutcomes,
		m.advisorCalls,
		m.advisorDuration,
		m.remediationCommands,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted(mode string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStep records one execution of a pipeline step.
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordErrorHandled counts an error entering the recovery handler.
func (m *Metrics) RecordErrorHandled(classification, severity string) {
	if !m.enabled() {
		return
	}
	m.errorsHandled.WithLabelValues(classification, severity).Inc()
}

// RecordRecoveryAttempt counts one strategy invocation.
func (m *Metrics) RecordRecoveryAttempt(classification string) {
	if !m.enabled() {
		return
	}
	m.recoveryAttempts.WithLabelValues(classification).Inc()
}

// RecordRecoveryOutcome records how a handled error ended. An empty outcome
// is recorded as "unrecovered".
func (m *Metrics) RecordRecoveryOutcome(classification, outcome string) {
	if !m.enabled() {
		return
	}
	if outcome == "" {
		outcome = "unrecovered"
	}
	m.recoveryOutcomes.WithLabelValues(classification, outcome).Inc()
}

// RecordAdvisorCall records a solution provider call.
func (m *Metrics) RecordAdvisorCall(advisor, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.advisorCalls.WithLabelValues(advisor, status).Inc()
	m.advisorDuration.WithLabelValues(advisor).Observe(duration.Seconds())
}

// RecordRemediationCommand counts a remediation command by disposition
// (executed, failed, denied, suggested).
func (m *Metrics) RecordRemediationCommand(status string) {
	if !m.enabled() {
		return
	}
	m.remediationCommands.WithLabelValues(status).Inc()
}

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry exposes the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// StartMetricsServer serves metrics until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
