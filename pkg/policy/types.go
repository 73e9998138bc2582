package policy

import (
	"path/filepath"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that do not block a command.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the command.
	SeverityError Severity = "error"

	// SeverityCritical blocks the command and is logged loudly.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the command.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set gates remediation commands.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]any `json:"metadata,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document a policy sees as input.
type Input struct {
	// Command is the full command line.
	Command string `json:"command"`

	// Argv is the command split into words.
	Argv []string `json:"argv"`

	// Program is the base name of Argv[0].
	Program string `json:"program"`

	// Source tells where the command came from ("advisor", "reinitialize").
	Source string `json:"source,omitempty"`

	// Step is the pipeline step being remediated.
	Step string `json:"step,omitempty"`

	// Classification is the failure classification.
	Classification string `json:"classification,omitempty"`

	// Severity is the failure severity.
	Severity string `json:"severity,omitempty"`

	// Autonomous is true when the command would run without a human.
	Autonomous bool `json:"autonomous"`

	// RepoPath is the working directory the command would run in.
	RepoPath string `json:"repo_path,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// NewInput builds an input for command, filling Program from argv.
func NewInput(command string, argv []string) *Input {
	in := &Input{
		Command:   command,
		Argv:      argv,
		Timestamp: time.Now().UTC(),
	}
	if len(argv) > 0 {
		in.Program = filepath.Base(argv[0])
	}
	return in
}

// Violation is one deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains any other fields the policy returned.
	Details map[string]any `json:"details,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reason summarizes why the command was denied.
func (r *Result) Reason() string {
	if r == nil || len(r.Violations) == 0 {
		return ""
	}
	return r.Violations[0].Message
}
