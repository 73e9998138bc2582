package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultStarlarkMaxSteps bounds the work one strategy invocation may do.
const DefaultStarlarkMaxSteps = 1_000_000

const declineLocal = "inframate.decline"

// StarlarkStrategy is a strategy written in Starlark. The script must define
//
//	def attempt(err):
//	    ...
//
// where err exposes classification, message, severity, retry_count,
// max_retries, context (a dict) and advice (None or a struct with root_cause,
// steps and prevention). attempt returns an outcome string, None for no
// immediate recovery, or the result of decline(reason).
type StarlarkStrategy struct {
	name     string
	attempt  starlark.Callable
	maxSteps uint64
	logger   zerolog.Logger
}

// StarlarkOption configures a StarlarkStrategy.
type StarlarkOption func(*StarlarkStrategy)

// WithMaxSteps caps the number of Starlark execution steps per attempt.
func WithMaxSteps(n uint64) StarlarkOption {
	return func(s *StarlarkStrategy) { s.maxSteps = n }
}

// WithStarlarkLogger routes print() output to logger at debug level.
func WithStarlarkLogger(l zerolog.Logger) StarlarkOption {
	return func(s *StarlarkStrategy) { s.logger = l }
}

// LoadStarlarkStrategy reads and compiles a strategy script from disk.
func LoadStarlarkStrategy(path string, opts ...StarlarkOption) (*StarlarkStrategy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy script: %w", err)
	}
	return NewStarlarkStrategy(filepath.Base(path), string(src), opts...)
}

// NewStarlarkStrategy compiles src and resolves its attempt function.
func NewStarlarkStrategy(name, src string, opts ...StarlarkOption) (*StarlarkStrategy, error) {
	s := &StarlarkStrategy{
		name:     name,
		maxSteps: DefaultStarlarkMaxSteps,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	thread := s.newThread("load")
	globals, err := starlark.ExecFile(thread, name, src, predeclared())
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}
	globals.Freeze()

	fn, ok := globals["attempt"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s: script must define an attempt(err) function", name)
	}
	s.attempt = fn
	return s, nil
}

// Name returns the script name.
func (s *StarlarkStrategy) Name() string {
	return s.name
}

// Attempt calls the script's attempt function with a read-only view of ec.
func (s *StarlarkStrategy) Attempt(ctx context.Context, ec *ErrorContext) (Outcome, error) {
	arg, err := errorStruct(ec)
	if err != nil {
		return "", err
	}

	thread := s.newThread(ec.ID)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	res, err := starlark.Call(thread, s.attempt, starlark.Tuple{arg}, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.name, err)
	}

	if reason, ok := thread.Local(declineLocal).(string); ok {
		return "", Decline(reason)
	}

	switch v := res.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.String:
		return Outcome(v), nil
	default:
		return "", fmt.Errorf("%s: attempt returned %s, want string or None", s.name, res.Type())
	}
}

func (s *StarlarkStrategy) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: s.name + ":" + name,
		Print: func(_ *starlark.Thread, msg string) {
			s.logger.Debug().Str("script", s.name).Msg(msg)
		},
	}
	if s.maxSteps > 0 {
		thread.SetMaxExecutionSteps(s.maxSteps)
	}
	return thread
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct":  starlark.NewBuiltin("struct", starlarkstruct.Make),
		"decline": starlark.NewBuiltin("decline", builtinDecline),
		"RETRY":   starlark.String(OutcomeRetry),
		"REINIT":  starlark.String(OutcomeReinitialize),
	}
}

// builtinDecline marks the current attempt as declined.
func builtinDecline(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	reason := "declined by script"
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "reason?", &reason); err != nil {
		return nil, err
	}
	thread.SetLocal(declineLocal, reason)
	return starlark.None, nil
}

func errorStruct(ec *ErrorContext) (starlark.Value, error) {
	data, err := toStarlarkValue(ec.ContextData)
	if err != nil {
		return nil, fmt.Errorf("failed to convert context data: %w", err)
	}

	var advice starlark.Value = starlark.None
	if sol := ec.AdvisorySolution; sol != nil {
		steps := make([]starlark.Value, 0, len(sol.RemediationSteps))
		for _, step := range sol.RemediationSteps {
			steps = append(steps, starlark.String(step))
		}
		advice = starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
			"root_cause": starlark.String(sol.RootCause),
			"steps":      starlark.NewList(steps),
			"prevention": starlark.String(sol.Prevention),
		})
	}

	s := starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"classification": starlark.String(ec.Classification),
		"message":        starlark.String(ec.Message),
		"severity":       starlark.String(ec.Severity),
		"retry_count":    starlark.MakeInt(ec.RetryCount),
		"max_retries":    starlark.MakeInt(ec.MaxRetries),
		"context":        data,
		"advice":         advice,
	})
	s.Freeze()
	return s, nil
}

// toStarlarkValue converts a Go value to a Starlark value. Types without a
// natural mapping are rendered with fmt.
func toStarlarkValue(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case error:
		return starlark.String(val.Error()), nil
	default:
		return starlark.String(fmt.Sprint(val)), nil
	}
}
