package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPathFromIdle(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	var seen []State
	m.OnTransition(func(tr Transition) error {
		seen = append(seen, tr.To)
		return nil
	})

	path := []State{StateCreatingSandbox, StateWaitingSandbox, StateSending, StateWaitingResponse, StateParsing, StateSaving, StateComplete}
	for _, s := range path {
		require.NoError(t, m.Fire(s, ""))
	}
	assert.Equal(t, path, seen)
	assert.Equal(t, StateComplete, m.State())
	assert.Len(t, m.History(), len(path))
}

func TestMachine_BoundSandboxSkipsProvisioning(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	require.NoError(t, m.Fire(StateSending, "sandbox already open"))
	assert.Equal(t, StateSending, m.State())
	assert.Equal(t, "sandbox already open", m.History()[0].Note)
}

func TestMachine_RejectsSkippedStates(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	err := m.Fire(StateParsing, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.History())
}

func TestMachine_ErrorFromAnyNonTerminalState(t *testing.T) {
	t.Parallel()

	for _, from := range []State{StateIdle, StateCreatingSandbox, StateWaitingSandbox, StateSending, StateWaitingResponse, StateParsing, StateSaving} {
		m := NewMachineAt(from)
		require.NoError(t, m.Fail(errors.New("boom"), "raw answer"), from)
		assert.Equal(t, StateError, m.State())
		assert.Equal(t, "boom", m.ErrorText())
		assert.Equal(t, "raw answer", m.Raw())
	}
}

func TestMachine_TerminalStatesAreFinal(t *testing.T) {
	t.Parallel()

	done := NewMachineAt(StateComplete)
	assert.ErrorIs(t, done.Fail(errors.New("late"), ""), ErrInvalidTransition)

	failed := NewMachineAt(StateError)
	assert.ErrorIs(t, failed.Fire(StateSending, ""), ErrInvalidTransition)
	assert.False(t, CanTransition(StateError, StateError))
}

func TestMachine_HookErrorIsReportedButTransitionStands(t *testing.T) {
	t.Parallel()

	m := NewMachine()
	m.OnTransition(func(Transition) error { return errors.New("disk full") })
	err := m.Fire(StateCreatingSandbox, "")
	require.Error(t, err)
	assert.Equal(t, StateCreatingSandbox, m.State())
}
