package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/recovery"
)

// StepFunc is a pipeline action. It returns a result or an error; panics are
// treated as errors.
type StepFunc func(ctx context.Context) (any, error)

// Fault describes a failed step execution.
type Fault struct {
	// Step is the action that failed.
	Step string `json:"step"`

	// TypeName is the Go type of the most specific error in the chain, or
	// "panic" for a recovered panic.
	TypeName string `json:"type_name"`

	// Message is the error text.
	Message string `json:"message"`

	// StackTrace is set for panics.
	StackTrace string `json:"stack_trace,omitempty"`

	// Hint is an explicit classification carried by the error, if any.
	Hint *recovery.StepError `json:"hint,omitempty"`

	// Err is the original error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Step, f.Message)
}

// Unwrap returns the original error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// ActionExecutor runs steps and converts their failures into Faults. It
// counts consecutive failures per step name for the lifetime of the
// executor; a success resets the step's counter.
type ActionExecutor struct {
	mu       sync.Mutex
	attempts map[string]int
	logger   zerolog.Logger
}

// NewActionExecutor creates an executor with empty counters.
func NewActionExecutor(logger zerolog.Logger) *ActionExecutor {
	return &ActionExecutor{
		attempts: make(map[string]int),
		logger:   logger.With().Str("component", "action-executor").Logger(),
	}
}

// Execute runs fn. It never panics and never returns an error: failures are
// reported through the Fault.
func (e *ActionExecutor) Execute(ctx context.Context, name string, fn StepFunc) (ok bool, result any, fault *Fault) {
	defer func() {
		if r := recover(); r != nil {
			fault = panicFault(name, r, debug.Stack())
			ok, result = false, nil
			e.recordFailure(name, fault)
		}
	}()

	if err := ctx.Err(); err != nil {
		fault = errorFault(name, err)
		e.recordFailure(name, fault)
		return false, nil, fault
	}

	result, err := fn(ctx)
	if err != nil {
		fault = errorFault(name, err)
		e.recordFailure(name, fault)
		return false, nil, fault
	}

	e.mu.Lock()
	e.attempts[name] = 0
	e.mu.Unlock()
	return true, result, nil
}

// Attempts returns the current failure counter for a step.
func (e *ActionExecutor) Attempts(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts[name]
}

func (e *ActionExecutor) recordFailure(name string, f *Fault) {
	e.mu.Lock()
	e.attempts[name]++
	n := e.attempts[name]
	e.mu.Unlock()

	e.logger.Error().
		Str("step", name).
		Str("type", f.TypeName).
		Int("attempt", n).
		Msg(f.Message)
}

func errorFault(step string, err error) *Fault {
	f := &Fault{
		Step:     step,
		TypeName: typeName(err),
		Message:  err.Error(),
		Err:      err,
	}
	if se, ok := recovery.AsStepError(err); ok {
		f.Hint = se
		f.Message = se.Message
		if se.Err != nil {
			f.Message = fmt.Sprintf("%s: %v", se.Message, se.Err)
		}
	}
	return f
}

func panicFault(step string, r any, stack []byte) *Fault {
	f := &Fault{
		Step:       step,
		TypeName:   "panic",
		StackTrace: string(stack),
	}
	if err, ok := r.(error); ok {
		f.Err = err
		f.Message = err.Error()
		f.TypeName = "panic " + typeName(err)
		if se, ok := recovery.AsStepError(err); ok {
			f.Hint = se
		}
	} else {
		f.Message = fmt.Sprint(r)
		f.Err = fmt.Errorf("panic: %v", r)
	}
	return f
}

// typeName returns the type of the innermost error that is not a plain
// wrapper.
func typeName(err error) string {
	name := fmt.Sprintf("%T", err)
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch t := fmt.Sprintf("%T", e); t {
		case "*errors.errorString", "*fmt.wrapError", "*fmt.wrapErrors", "*errors.joinError":
		default:
			name = t
		}
	}
	return name
}
