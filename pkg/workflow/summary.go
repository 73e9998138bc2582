package workflow

import (
	"time"

	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/remediate"
)

// StepRecord is one executed step as shown in a run summary.
type StepRecord struct {
	Name      string        `json:"name"`
	Status    StepStatus    `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

// FailureRecord is a step that did not ultimately complete.
type FailureRecord struct {
	Step           string                  `json:"step"`
	Classification recovery.Classification `json:"classification"`
	Message        string                  `json:"message"`
	Severity       recovery.Severity       `json:"severity"`

	// Recovered is true when the handler recovered the failure and the
	// re-attempted step failed again. The step still counts as failed.
	Recovered  bool `json:"recovered"`
	RetryCount int  `json:"retry_count"`

	// RecoveryOutcome is the handler's outcome when Recovered is set.
	RecoveryOutcome recovery.Outcome `json:"recovery_outcome,omitempty"`
}

// RemediationRecord is a remediation command tied to the step it served.
type RemediationRecord struct {
	Step string `json:"step"`
	remediate.Result
}

// Summary is the outcome of one workflow run.
type Summary struct {
	RunID       string    `json:"run_id"`
	Action      string    `json:"action"`
	Mode        Mode      `json:"mode"`
	Success     bool      `json:"success"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`

	Steps        []StepRecord        `json:"steps"`
	Failures     []FailureRecord     `json:"failures"`
	Remediations []RemediationRecord `json:"remediations,omitempty"`

	// ErrorReport covers the failures handled during this run.
	ErrorReport recovery.Report `json:"error_report"`

	// Results holds each completed step's return value.
	Results map[string]any `json:"results,omitempty"`
}

func newSummary(runID, action string, mode Mode) *Summary {
	return &Summary{
		RunID:     runID,
		Action:    action,
		Mode:      mode,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
		Steps:     []StepRecord{},
		Failures:  []FailureRecord{},
		Results:   make(map[string]any),
	}
}

// Duration returns how long the run took.
func (s *Summary) Duration() time.Duration {
	if s.CompletedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// StepNames returns the names of the executed steps in order.
func (s *Summary) StepNames() []string {
	names := make([]string, 0, len(s.Steps))
	for _, st := range s.Steps {
		names = append(names, st.Name)
	}
	return names
}
