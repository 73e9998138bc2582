package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/inframate/inframate/pkg/recovery"
)

// TestErrorPrefix starts every injected fault message.
const TestErrorPrefix = "TEST ERROR: injected"

// injectedDetail gives each injected fault a message the classification's
// strategy recognizes.
var injectedDetail = map[recovery.Classification]string{
	recovery.ClassAPI:                "rate limit exceeded",
	recovery.ClassNetwork:            "connection timed out",
	recovery.ClassInfrastructureTool: "error acquiring the state lock",
	recovery.ClassResource:           "resource temporarily unavailable",
	recovery.ClassPermission:         "access denied",
	recovery.ClassValidation:         "invalid input format",
	recovery.ClassConfiguration:      "required setting is missing",
}

// FaultInjector makes named steps fail once with a chosen classification.
// It is used to exercise recovery paths end to end.
type FaultInjector struct {
	mu      sync.Mutex
	pending map[string]recovery.Classification
}

// NewFaultInjector creates an injector with nothing armed.
func NewFaultInjector() *FaultInjector {
	return &FaultInjector{pending: make(map[string]recovery.Classification)}
}

// Inject arms a one-shot fault for step.
func (fi *FaultInjector) Inject(step string, class recovery.Classification) {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	fi.pending[step] = class
}

// ParseInjection parses "step=classification".
func ParseInjection(raw string) (string, recovery.Classification, error) {
	step, class, ok := strings.Cut(raw, "=")
	step = strings.TrimSpace(step)
	if !ok || step == "" {
		return "", "", fmt.Errorf("invalid injection %q: want step=classification", raw)
	}
	c, valid := recovery.ParseClassification(class)
	if !valid {
		return "", "", fmt.Errorf("invalid injection %q: unknown classification %q", raw, class)
	}
	return step, c, nil
}

// Pending reports whether a fault is armed for step.
func (fi *FaultInjector) Pending(step string) bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	_, ok := fi.pending[step]
	return ok
}

// Wrap returns fn with the injection check in front of it.
func (fi *FaultInjector) Wrap(step string, fn StepFunc) StepFunc {
	return func(ctx context.Context) (any, error) {
		if err := fi.take(step); err != nil {
			return nil, err
		}
		return fn(ctx)
	}
}

func (fi *FaultInjector) take(step string) error {
	fi.mu.Lock()
	class, ok := fi.pending[step]
	if ok {
		delete(fi.pending, step)
	}
	fi.mu.Unlock()
	if !ok {
		return nil
	}

	msg := fmt.Sprintf("%s %s fault", TestErrorPrefix, class)
	if detail, ok := injectedDetail[class]; ok {
		msg += ": " + detail
	}
	return recovery.NewStepError(class, msg, nil).
		WithStep(step).
		WithCode(recovery.ErrCodeInjected)
}
