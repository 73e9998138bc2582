// Package telemetry provides observability for inframate runs.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher. Every component is
// safe to use when disabled, and Metrics, Tracer and EventPublisher methods
// accept nil receivers so library packages can take them as optional
// dependencies.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Metrics
//
// Recovery metrics are labelled by error classification:
//
//	tel.Metrics.RecordErrorHandled("api", "medium")
//	tel.Metrics.RecordRecoveryAttempt("api")
//	tel.Metrics.RecordRecoveryOutcome("api", "retry")
//
// Metrics are served from MetricsConfig.ListenAddress when enabled.
//
// # Events
//
// Workflow and recovery events are delivered to subscribers in order:
//
//	tel.Events.Subscribe(store.EventSubscriber(ctx),
//	    telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// Shutdown drains buffered events before returning.
package telemetry
