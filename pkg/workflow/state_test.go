package workflow

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInitializing, StateAnalyzing, true},
		{StateInitializing, StateCompleted, true},
		{StateInitializing, StateErrorHandling, false},
		{StateAnalyzing, StateOptimizing, true},
		{StateAnalyzing, StateErrorHandling, true},
		{StateAnalyzing, StateRecovery, false},
		{StateErrorHandling, StateRecovery, true},
		{StateErrorHandling, StateSecuring, true},
		{StateErrorHandling, StateCompleted, false},
		{StateRecovery, StateAnalyzing, true},
		{StateRecovery, StateCompleted, false},
		{StateVisualizing, StateFailed, true},
		{StateCompleted, StateAnalyzing, false},
		{StateFailed, StateCompleted, false},
		{StateAnalyzing, StateInitializing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestMachine_RecoveryReturnsToInterruptedState(t *testing.T) {
	var changes int
	m := NewMachine(func(from, to State) { changes++ })

	for _, to := range []State{StateSecuring, StateErrorHandling, StateRecovery} {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}
	if m.Interrupted() != StateSecuring {
		t.Errorf("interrupted = %s, want securing", m.Interrupted())
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if m.Current() != StateSecuring {
		t.Errorf("current = %s, want securing", m.Current())
	}
	if changes != 4 || len(m.Transitions()) != 4 {
		t.Errorf("changes = %d transitions = %d, want 4", changes, len(m.Transitions()))
	}
}

func TestMachine_Invalid(t *testing.T) {
	m := NewMachine(nil)

	if err := m.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume() from initializing error = %v", err)
	}
	if err := m.Transition(StateRecovery); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Transition(recovery) error = %v", err)
	}
	if err := m.Transition(StateInitializing); err != nil {
		t.Errorf("same-state transition should be a no-op, got %v", err)
	}
	if err := m.Transition(StateCompleted); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(StateFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("leaving a terminal state should fail, got %v", err)
	}
}

func TestStateValidate(t *testing.T) {
	if err := StateRecovery.Validate(); err != nil {
		t.Error(err)
	}
	if err := State("paused").Validate(); err == nil {
		t.Error("expected an error for an unknown state")
	}
	if err := RunStatusPartial.Validate(); err != nil || !RunStatusPartial.IsTerminal() {
		t.Error("partial is a valid terminal status")
	}
	if RunStatusRunning.IsTerminal() {
		t.Error("running is not terminal")
	}
}
