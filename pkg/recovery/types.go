package recovery

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inframate/inframate/pkg/advisor"
)

// Classification is the category of a failure. The set is closed.
type Classification string

const (
	// ClassConfiguration covers missing or inconsistent settings.
	ClassConfiguration Classification = "configuration"

	// ClassPermission covers access-denied failures.
	ClassPermission Classification = "permission"

	// ClassNetwork covers connectivity failures and timeouts.
	ClassNetwork Classification = "network"

	// ClassAPI covers remote API rejections such as rate limits.
	ClassAPI Classification = "api"

	// ClassResource covers resource conflicts and exhaustion.
	ClassResource Classification = "resource"

	// ClassInfrastructureTool covers IaC tool failures (terraform and friends).
	ClassInfrastructureTool Classification = "infrastructure_tool"

	// ClassValidation covers malformed input.
	ClassValidation Classification = "validation"

	// ClassSystem is the catch-all handled by the generic strategy.
	ClassSystem Classification = "system"

	// ClassUnknown is accepted as input and normalized to ClassSystem.
	ClassUnknown Classification = "unknown"
)

var classifications = []Classification{
	ClassConfiguration,
	ClassPermission,
	ClassNetwork,
	ClassAPI,
	ClassResource,
	ClassInfrastructureTool,
	ClassValidation,
	ClassSystem,
	ClassUnknown,
}

// Classifications returns every member of the closed set.
func Classifications() []Classification {
	return append([]Classification(nil), classifications...)
}

// Valid reports whether c is a member of the closed set.
func (c Classification) Valid() bool {
	for _, known := range classifications {
		if c == known {
			return true
		}
	}
	return false
}

// ParseClassification accepts the canonical names, the "<name>_error"
// spellings and "terraform" as an alias of infrastructure_tool.
func ParseClassification(s string) (Classification, bool) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "_error")
	switch name {
	case "terraform", "infrastructure", "infra":
		return ClassInfrastructureTool, true
	case "config":
		return ClassConfiguration, true
	}
	c := Classification(name)
	return c, c.Valid()
}

// Normalize maps s onto the classification used for strategy lookup.
// Unknown and unrecognized inputs become ClassSystem.
func Normalize(s string) Classification {
	c, ok := ParseClassification(s)
	if !ok || c == ClassUnknown {
		return ClassSystem
	}
	return c
}

// Severity is the impact level of a failure. Severities are ordered.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (low) to 3 (critical); unknown values rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("invalid severity: %q", s)
	}
	return sev, nil
}

// Outcome is the token a strategy returns when it judges the failure
// recoverable. The empty outcome means no recovery.
type Outcome string

const (
	// OutcomeRetry asks the caller to attempt the step again.
	OutcomeRetry Outcome = "retry"

	// OutcomeReinitialize asks the caller to re-initialize tool state first.
	OutcomeReinitialize Outcome = "reinitialize"

	// OutcomeIgnoredTestError marks an injected test fault.
	OutcomeIgnoredTestError Outcome = "ignored_test_error"

	// OutcomeAIGuided marks recovery backed by advisor remediation steps.
	OutcomeAIGuided Outcome = "ai_guided_recovery"
)

// DefaultMaxRetries is the per-error retry ceiling when none is configured.
const DefaultMaxRetries = 3

// ContextKeyOriginalClassification holds the caller's classification when it
// was normalized.
const ContextKeyOriginalClassification = "original_classification"

// ErrorContext is the record of one failure and its recovery. It is owned by
// the handler while handling is in progress; the history keeps copies.
type ErrorContext struct {
	// ID uniquely identifies the record.
	ID string `json:"id"`

	// Classification is the normalized failure category.
	Classification Classification `json:"classification"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// Severity is the impact level.
	Severity Severity `json:"severity"`

	// RetryCount is the number of strategy attempts consumed so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the configured ceiling before severity adjustment.
	MaxRetries int `json:"max_retries"`

	// LastAttempt is when the most recent attempt finished.
	LastAttempt *time.Time `json:"last_attempt_timestamp,omitempty"`

	// CreatedAt is when the failure was recorded.
	CreatedAt time.Time `json:"timestamp"`

	// RecoveryOutcome is set once a strategy reports recovery.
	RecoveryOutcome Outcome `json:"recovery_outcome,omitempty"`

	// AdvisorySolution is the advisor's suggestion, if one was obtained.
	AdvisorySolution *advisor.Solution `json:"advisory_solution,omitempty"`

	// ContextData carries free-form details about the failure.
	ContextData map[string]any `json:"context_data,omitempty"`
}

// NewErrorContext creates a record with defaults applied.
func NewErrorContext(class Classification, message string, severity Severity, data map[string]any) *ErrorContext {
	if !severity.Valid() {
		severity = SeverityMedium
	}
	ctxData := make(map[string]any, len(data))
	maps.Copy(ctxData, data)

	return &ErrorContext{
		ID:             uuid.New().String(),
		Classification: class,
		Message:        message,
		Severity:       severity,
		MaxRetries:     DefaultMaxRetries,
		CreatedAt:      time.Now().UTC(),
		ContextData:    ctxData,
	}
}

// Recovered reports whether a strategy produced an outcome.
func (ec *ErrorContext) Recovered() bool {
	return ec.RecoveryOutcome != ""
}

// Clone returns a copy that shares no mutable state with ec.
func (ec *ErrorContext) Clone() ErrorContext {
	out := *ec
	if ec.LastAttempt != nil {
		t := *ec.LastAttempt
		out.LastAttempt = &t
	}
	if ec.ContextData != nil {
		out.ContextData = make(map[string]any, len(ec.ContextData))
		maps.Copy(out.ContextData, ec.ContextData)
	}
	if ec.AdvisorySolution != nil {
		sol := *ec.AdvisorySolution
		sol.RemediationSteps = append([]string(nil), ec.AdvisorySolution.RemediationSteps...)
		out.AdvisorySolution = &sol
	}
	return out
}

// AdvisorRequest builds the request sent to the solution provider.
func (ec *ErrorContext) AdvisorRequest() advisor.Request {
	return advisor.Request{
		Classification: string(ec.Classification),
		Message:        ec.Message,
		Severity:       string(ec.Severity),
		RetryCount:     ec.RetryCount,
		ContextData:    ec.ContextData,
	}
}
