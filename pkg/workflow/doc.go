// Package workflow runs the inframate step pipeline and drives recovery when
// a step fails.
//
// # Pipeline
//
// A run executes one action: a single step (analyze, optimize, secure,
// visualize) or "auto", which runs all four in that order. Steps run
// strictly in sequence on the caller's goroutine; a step can read earlier
// results of the same run with StepResult.
//
// # States
//
// Each run owns a Machine:
//
//	initializing -> analyzing|optimizing|securing|visualizing
//	step         -> error_handling -> recovery -> step (re-attempt)
//	error_handling -> failed            (supervised, unrecovered)
//	last step    -> completed
//
// # Failure handling
//
// The ActionExecutor turns returned errors and panics into a Fault. Classify
// derives a classification and severity from it; a step that has failed more
// than EscalationThreshold times in a row is escalated to critical. The
// fault then goes to the recovery.Handler. A recovered fault triggers
// optional remediation and one re-attempt of the step; a failing re-attempt
// is final.
//
// Supervised runs halt at the first unrecovered step and end "partial".
// Autonomous runs continue and end "succeeded" only when no step failed.
//
// # Fault injection
//
// FaultInjector arms one-shot faults of a chosen classification, so every
// recovery path can be exercised against real step functions.
package workflow
