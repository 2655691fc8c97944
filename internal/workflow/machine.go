// Package workflow drives multi-step agent flows: provision a sandbox, wait
// for the agent, prompt it, wait for a stable answer, parse and persist.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// State is a workflow step.
type State string

const (
	StateIdle            State = "idle"
	StateCreatingSandbox State = "creating_sandbox"
	StateWaitingSandbox  State = "waiting_sandbox"
	StateSending         State = "sending"
	StateWaitingResponse State = "waiting_response"
	StateParsing         State = "parsing"
	StateSaving          State = "saving"
	StateComplete        State = "complete"
	StateError           State = "error"
)

// ErrInvalidTransition is returned for a transition the table does not allow.
var ErrInvalidTransition = errors.New("invalid workflow transition")

var transitions = map[State][]State{
	StateIdle:            {StateCreatingSandbox, StateSending},
	StateCreatingSandbox: {StateWaitingSandbox},
	StateWaitingSandbox:  {StateSending},
	StateSending:         {StateWaitingResponse},
	StateWaitingResponse: {StateParsing},
	StateParsing:         {StateSaving},
	StateSaving:          {StateComplete},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// CanTransition reports whether from -> to is allowed. Error is reachable
// from every non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	return slices.Contains(transitions[from], to)
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

// Machine validates and records state changes for one flow run.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []Transition
	errText string
	raw     string
	hook    func(Transition) error
}

// NewMachine starts in idle.
func NewMachine() *Machine {
	return NewMachineAt(StateIdle)
}

// NewMachineAt starts in s, for resuming a persisted run.
func NewMachineAt(s State) *Machine {
	return &Machine{state: s}
}

// OnTransition registers fn to run after every accepted transition. An
// error from fn is returned by Fire/Fail; the transition itself stands.
func (m *Machine) OnTransition(fn func(Transition) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns a copy of recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history)
}

// ErrorText is the failure message kept for display once in error.
func (m *Machine) ErrorText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errText
}

// Raw is the unparsed agent answer kept when parsing failed.
func (m *Machine) Raw() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raw
}

// Fire moves to the next state.
func (m *Machine) Fire(to State, note string) error {
	if to == StateError {
		return m.Fail(errors.New(note), "")
	}
	return m.move(to, note, nil)
}

// Fail moves to error, keeping cause and raw for display.
func (m *Machine) Fail(cause error, raw string) error {
	if cause == nil {
		cause = errors.New("unknown failure")
	}
	return m.move(StateError, cause.Error(), func() {
		m.errText = cause.Error()
		if raw != "" {
			m.raw = raw
		}
	})
}

func (m *Machine) move(to State, note string, apply func()) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if apply != nil {
		apply()
	}
	t := Transition{From: from, To: to, At: time.Now().UTC(), Note: note}
	m.state = to
	m.history = append(m.history, t)
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		return hook(t)
	}
	return nil
}
