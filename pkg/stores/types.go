package stores

import (
	"context"
	"errors"
	"time"

	"github.com/inframate/inframate/pkg/recovery"
	"github.com/inframate/inframate/pkg/telemetry"
	"github.com/inframate/inframate/pkg/workflow"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is a stored workflow run. Summary holds the full run summary as JSON.
type Run struct {
	ID           string     `json:"id"`
	Action       string     `json:"action"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	Success      bool       `json:"success"`
	StepCount    int        `json:"step_count"`
	FailureCount int        `json:"failure_count"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Summary      string     `json:"summary"` // JSON blob
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RecoveryRecord is one handled failure.
type RecoveryRecord struct {
	ID               string    `json:"id"`
	RunID            *string   `json:"run_id,omitempty"`
	Step             *string   `json:"step,omitempty"`
	Classification   string    `json:"classification"`
	Message          string    `json:"message"`
	Severity         string    `json:"severity"`
	Recovered        bool      `json:"recovered"`
	RetryCount       int       `json:"retry_count"`
	RecoveryOutcome  *string   `json:"recovery_outcome,omitempty"`
	AdvisorySolution *string   `json:"advisory_solution,omitempty"` // JSON blob
	ContextData      string    `json:"context_data"`                // JSON blob
	CreatedAt        time.Time `json:"created_at"`
}

// Event is a persisted telemetry event.
type Event struct {
	ID             string    `json:"id"`
	RunID          *string   `json:"run_id,omitempty"`
	Type           string    `json:"type"`
	Source         string    `json:"source"`
	Step           *string   `json:"step,omitempty"`
	Classification *string   `json:"classification,omitempty"`
	Level          string    `json:"level"`
	Message        string    `json:"message"`
	Data           *string   `json:"data,omitempty"` // JSON blob
	Timestamp      time.Time `json:"timestamp"`
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	RunID *string
	Type  *string
	Level *string
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Run operations
	SaveRun(ctx context.Context, s *workflow.Summary) error
	GetRun(ctx context.Context, id string) (*Run, error)
	GetRunSummary(ctx context.Context, id string) (*workflow.Summary, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Recovery operations
	SaveRecovery(ctx context.Context, runID string, ec *recovery.ErrorContext) error
	ListRecoveries(ctx context.Context, runID *string, limit, offset int) ([]*RecoveryRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error)
	EventSubscriber(ctx context.Context) telemetry.EventSubscriber
}
