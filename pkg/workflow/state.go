package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a workflow run.
type State string

const (
	StateInitializing  State = "initializing"
	StateAnalyzing     State = "analyzing"
	StateOptimizing    State = "optimizing"
	StateSecuring      State = "securing"
	StateVisualizing   State = "visualizing"
	StateErrorHandling State = "error_handling"
	StateRecovery      State = "recovery"
	StateFailed        State = "failed"
	StateCompleted     State = "completed"
)

// IsTerminal returns true for failed and completed.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateCompleted
}

// IsStep returns true for the states that run a pipeline action.
func (s State) IsStep() bool {
	switch s {
	case StateAnalyzing, StateOptimizing, StateSecuring, StateVisualizing:
		return true
	default:
		return false
	}
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateInitializing, StateAnalyzing, StateOptimizing, StateSecuring,
		StateVisualizing, StateErrorHandling, StateRecovery, StateFailed, StateCompleted:
		return nil
	default:
		return fmt.Errorf("invalid workflow state: %s", s)
	}
}

// CanTransition reports whether the machine may move from one state to another.
func CanTransition(from, to State) bool {
	if from.IsTerminal() || to == StateInitializing {
		return false
	}
	if to == StateFailed {
		return true
	}
	switch {
	case from == StateInitializing:
		return to.IsStep() || to == StateCompleted
	case from.IsStep():
		return to.IsStep() || to == StateErrorHandling || to == StateCompleted
	case from == StateErrorHandling:
		// Autonomous runs move on to the next step after an unrecovered failure.
		return to == StateRecovery || to.IsStep()
	case from == StateRecovery:
		return to.IsStep()
	default:
		return false
	}
}

// ErrInvalidTransition is returned for a transition the machine does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Machine tracks the state of one workflow run.
type Machine struct {
	mu          sync.Mutex
	current     State
	interrupted State
	transitions []Transition
	onChange    func(from, to State)
}

// NewMachine creates a machine in the initializing state. onChange, if not
// nil, is called after every transition.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{current: StateInitializing, onChange: onChange}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Interrupted returns the step state that was active when error handling
// began.
func (m *Machine) Interrupted() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interrupted
}

// Transition moves the machine to state to.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == StateErrorHandling {
		m.interrupted = from
	}
	m.current = to
	m.transitions = append(m.transitions, Transition{From: from, To: to, At: time.Now().UTC()})
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(from, to)
	}
	return nil
}

// Resume returns from recovery to the interrupted step state.
func (m *Machine) Resume() error {
	m.mu.Lock()
	if m.current != StateRecovery {
		cur := m.current
		m.mu.Unlock()
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, cur)
	}
	target := m.interrupted
	m.mu.Unlock()
	return m.Transition(target)
}

// Transitions returns the recorded transitions in order.
func (m *Machine) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions...)
}

// RunStatus represents the overall outcome of a workflow run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step completed, possibly after recovery.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial indicates a supervised run halted at an unrecovered failure.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed indicates an autonomous run finished with unrecovered failures.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled or hit its deadline.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial,
		RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StepStatus is the final status of one step within a run.
type StepStatus string

const (
	// StepStatusCompleted means the step succeeded on its first attempt.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusRecovered means the step succeeded after recovery.
	StepStatusRecovered StepStatus = "recovered"

	// StepStatusFailed means the step did not complete.
	StepStatusFailed StepStatus = "failed"
)

// Mode selects how a run reacts to unrecovered failures.
type Mode string

const (
	// ModeSupervised halts at the first unrecovered failure.
	ModeSupervised Mode = "supervised"

	// ModeAutonomous continues past unrecovered failures and applies
	// remediation.
	ModeAutonomous Mode = "autonomous"
)
