// Package recovery implements the error recovery loop used by inframate
// workflows.
//
// # Overview
//
// A failure is described by an ErrorContext: its classification, message,
// severity and retry bookkeeping. The Handler takes an ErrorContext through
// the loop:
//
//  1. Consult the advisor once for a remediation suggestion (best effort)
//  2. Look up the strategy registered for the classification
//  3. Invoke the strategy under the RetryPolicy until it reports an outcome,
//     declines, or the retry ceiling is reached
//  4. Append the final record to the History
//
// # Strategies
//
// Every classification has a built-in strategy (see RegisterBuiltins). A
// strategy returns a non-empty Outcome to mark the failure recoverable,
// an empty outcome to ask for another attempt after backoff, or an error
// wrapping ErrDeclined to stop without consuming an attempt:
//
//	h := recovery.NewHandler(
//	    recovery.WithStrategy(recovery.ClassAPI, recovery.StrategyFunc(
//	        func(ctx context.Context, ec *recovery.ErrorContext) (recovery.Outcome, error) {
//	            if strings.Contains(ec.Message, "quota") {
//	                return "", recovery.Decline("quota needs a human")
//	            }
//	            return recovery.OutcomeRetry, nil
//	        })),
//	)
//
// Strategies may also be written in Starlark; see StarlarkStrategy.
//
// # Retry policy
//
// The wait after n attempts is BaseDelay * 2^n capped at MaxDelay. Critical
// failures get a single attempt regardless of MaxRetries.
//
// # Reports
//
// History.Report aggregates handled failures. TotalErrorCount always equals
// RecoveredCount + UnrecoveredCount.
package recovery
