package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/inframate/inframate/pkg/recovery"
)

func TestActionExecutor_Success(t *testing.T) {
	e := NewActionExecutor(zerolog.Nop())

	ok, res, fault := e.Execute(context.Background(), "analyze", func(context.Context) (any, error) {
		return "report", nil
	})
	if !ok || fault != nil || res != "report" {
		t.Fatalf("Execute() = %v, %v, %v", ok, res, fault)
	}
	if e.Attempts("analyze") != 0 {
		t.Errorf("attempts = %d, want 0", e.Attempts("analyze"))
	}
}

func TestActionExecutor_ErrorCountsAndResets(t *testing.T) {
	e := NewActionExecutor(zerolog.Nop())
	failing := func(context.Context) (any, error) {
		return nil, fmt.Errorf("plan: %w", os.ErrPermission)
	}

	for i := 1; i <= 3; i++ {
		ok, _, fault := e.Execute(context.Background(), "secure", failing)
		if ok || fault == nil {
			t.Fatal("expected a fault")
		}
		if e.Attempts("secure") != i {
			t.Errorf("attempts = %d, want %d", e.Attempts("secure"), i)
		}
	}

	_, _, fault := e.Execute(context.Background(), "secure", failing)
	if !errors.Is(fault, os.ErrPermission) {
		t.Errorf("fault should unwrap to the step error, got %v", fault.Err)
	}
	if fault.Step != "secure" || !strings.Contains(fault.Error(), "secure:") {
		t.Errorf("unexpected fault %v", fault)
	}

	e.Execute(context.Background(), "secure", func(context.Context) (any, error) { return nil, nil })
	if e.Attempts("secure") != 0 {
		t.Errorf("success should reset the counter, got %d", e.Attempts("secure"))
	}
}

func TestActionExecutor_Panic(t *testing.T) {
	e := NewActionExecutor(zerolog.Nop())

	ok, res, fault := e.Execute(context.Background(), "visualize", func(context.Context) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	if ok || res != nil || fault == nil {
		t.Fatalf("Execute() = %v, %v, %v", ok, res, fault)
	}
	if !strings.HasPrefix(fault.TypeName, "panic") {
		t.Errorf("type = %s, want a panic type", fault.TypeName)
	}
	if fault.StackTrace == "" {
		t.Error("expected a stack trace")
	}
	if e.Attempts("visualize") != 1 {
		t.Errorf("attempts = %d, want 1", e.Attempts("visualize"))
	}
}

func TestActionExecutor_StepErrorHint(t *testing.T) {
	e := NewActionExecutor(zerolog.Nop())
	cause := errors.New("HTTP 429")

	_, _, fault := e.Execute(context.Background(), "optimize", func(context.Context) (any, error) {
		return nil, fmt.Errorf("call pricing api: %w", recovery.NewAPIError("rate limited", cause))
	})
	if fault.Hint == nil || fault.Hint.Classification != recovery.ClassAPI {
		t.Fatalf("hint = %+v, want api", fault.Hint)
	}
	if fault.Message != "rate limited: HTTP 429" {
		t.Errorf("message = %q", fault.Message)
	}
}

func TestActionExecutor_CancelledContext(t *testing.T) {
	e := NewActionExecutor(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	ok, _, fault := e.Execute(ctx, "analyze", func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	if ok || called {
		t.Error("a cancelled context must not run the step")
	}
	if !errors.Is(fault, context.Canceled) {
		t.Errorf("fault = %v, want context.Canceled", fault)
	}
}

func TestTypeName(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", &os.PathError{Op: "open", Path: "x", Err: os.ErrNotExist})
	if got := typeName(wrapped); got != "*fs.PathError" {
		t.Errorf("typeName = %s, want *fs.PathError", got)
	}
	if got := typeName(errors.New("plain")); got != "*errors.errorString" {
		t.Errorf("typeName = %s", got)
	}
}
