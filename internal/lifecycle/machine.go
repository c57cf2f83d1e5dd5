// Package lifecycle enforces the per-task execution state machine.
package lifecycle

import (
	"sync"

	"wraith/internal/faults"
	"wraith/internal/status"
)

// State is one node of the task lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StatePerceiving State = "perceiving"
	StateInferring  State = "inferring"
	StateActing     State = "acting"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
)

// transitions is the exhaustive legality table. Anything absent is an
// illegal transition and is rejected with a state fault.
var transitions = map[State][]State{
	StateIdle:       {StateLoading},
	StateLoading:    {StatePerceiving, StateFailed},
	StatePerceiving: {StateInferring, StateFailed},
	StateInferring:  {StateActing, StateFailed},
	StateActing:     {StatePerceiving, StateComplete, StateFailed},
	StateComplete:   {StateIdle},
	StateFailed:     {StateIdle},
}

// CanTransition reports whether from→to is in the legality table.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state precedes only the idle cleanup state.
func Terminal(s State) bool {
	return s == StateComplete || s == StateFailed
}

// Meta annotates a transition with loop context.
type Meta struct {
	Step   int
	URL    string
	Reason string
	Err    *faults.Detail
}

// Machine tracks one task's state and emits an event per accepted
// transition. Emission happens under the machine lock so the per-task
// event order always matches the transition order.
type Machine struct {
	mu     sync.Mutex
	taskID string
	state  State
	emit   func(status.StatePayload)
}

// NewMachine builds a machine in the idle state. emit may be nil.
func NewMachine(taskID string, emit func(status.StatePayload)) *Machine {
	return &Machine{
		taskID: taskID,
		state:  StateIdle,
		emit:   emit,
	}
}

// TaskID returns the owning task.
func (m *Machine) TaskID() string { return m.taskID }

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InTerminal reports whether the machine sits in complete or failed.
func (m *Machine) InTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Terminal(m.state)
}

// Transition moves the machine to the requested state, or rejects the
// request with a state fault when the legality table forbids it.
func (m *Machine) Transition(to State, meta Meta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !CanTransition(from, to) {
		return faults.Newf(faults.KindState, "illegal transition from %s to %s", from, to).WithStep(meta.Step)
	}

	m.state = to
	if m.emit != nil {
		m.emit(status.StatePayload{
			From:   string(from),
			To:     string(to),
			Step:   meta.Step,
			URL:    meta.URL,
			Reason: meta.Reason,
			Error:  meta.Err,
		})
	}
	return nil
}

// Reset returns a terminal machine to idle so the slot can be reused.
func (m *Machine) Reset(reason string) error {
	return m.Transition(StateIdle, Meta{Reason: reason})
}
