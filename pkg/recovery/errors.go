package recovery

import (
	"errors"
	"fmt"
)

// ErrDeclined is returned by a strategy that judges the failure not worth
// retrying. The handler stops without counting an attempt.
var ErrDeclined = errors.New("recovery declined")

// Decline wraps a reason so that errors.Is(err, ErrDeclined) holds.
func Decline(reason string) error {
	return fmt.Errorf("%w: %s", ErrDeclined, reason)
}

// StepError is a failure raised by a pipeline step that already knows its
// classification. The workflow uses it in preference to keyword matching.
type StepError struct {
	// Classification is the failure category.
	Classification Classification `json:"classification"`

	// Severity overrides the derived severity when set.
	Severity Severity `json:"severity,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional machine-readable code.
	Code string `json:"code,omitempty"`

	// Step is the pipeline step that failed.
	Step string `json:"step,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries extra context forwarded to the recovery handler.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Classification)
	if e.Step != "" {
		prefix = fmt.Sprintf("[%s] %s:", e.Classification, e.Step)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying error.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Is matches another StepError with the same classification and code.
func (e *StepError) Is(target error) bool {
	t, ok := target.(*StepError)
	if !ok {
		return false
	}
	return e.Classification == t.Classification && e.Code == t.Code
}

// NewStepError creates a classified step error.
func NewStepError(class Classification, message string, err error) *StepError {
	return &StepError{Classification: class, Message: message, Err: err}
}

// NewNetworkError creates a network step error.
func NewNetworkError(message string, err error) *StepError {
	return NewStepError(ClassNetwork, message, err)
}

// NewAPIError creates an api step error.
func NewAPIError(message string, err error) *StepError {
	return NewStepError(ClassAPI, message, err)
}

// NewPermissionError creates a permission step error.
func NewPermissionError(message string, err error) *StepError {
	return NewStepError(ClassPermission, message, err).WithSeverity(SeverityHigh)
}

// NewResourceError creates a resource step error.
func NewResourceError(message string, err error) *StepError {
	return NewStepError(ClassResource, message, err).WithSeverity(SeverityHigh)
}

// NewToolError creates an infrastructure_tool step error.
func NewToolError(message string, err error) *StepError {
	return NewStepError(ClassInfrastructureTool, message, err).WithSeverity(SeverityHigh)
}

// NewValidationError creates a validation step error.
func NewValidationError(message string, err error) *StepError {
	return NewStepError(ClassValidation, message, err)
}

// NewConfigurationError creates a configuration step error.
func NewConfigurationError(message string, err error) *StepError {
	return NewStepError(ClassConfiguration, message, err)
}

// WithStep sets the failing step.
func (e *StepError) WithStep(step string) *StepError {
	e.Step = step
	return e
}

// WithCode sets the error code.
func (e *StepError) WithCode(code string) *StepError {
	e.Code = code
	return e
}

// WithSeverity sets an explicit severity.
func (e *StepError) WithSeverity(sev Severity) *StepError {
	e.Severity = sev
	return e
}

// WithDetail adds a detail field.
func (e *StepError) WithDetail(key string, value any) *StepError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// AsStepError returns the first StepError in err's chain.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Common error codes.
const (
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeTimeout       = "TIMEOUT"
	ErrCodeStateLocked   = "STATE_LOCKED"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeDenied        = "PERMISSION_DENIED"
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInjected      = "INJECTED"
)
