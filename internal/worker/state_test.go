package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStates = []State{
	StateNone, StateCreating, StateCreated, StateStarting,
	StateRunning, StateStopping, StateStopped, StateError,
}

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateNone, StateCreating}:    true,
		{StateCreating, StateCreated}: true,
		{StateCreating, StateError}:   true,
		{StateCreated, StateStarting}: true,
		{StateStarting, StateRunning}: true,
		{StateStarting, StateError}:   true,
		{StateRunning, StateStopping}: true,
		{StateRunning, StateError}:    true,
		{StateStopping, StateStopped}: true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]State{from, to}], CanTransition(from, to))
			})
		}
	}
}

func TestErrorIsAbsorbing(t *testing.T) {
	for _, to := range allStates {
		assert.False(t, CanTransition(StateError, to), "error -> %s", to)
	}
}

func TestStateLive(t *testing.T) {
	assert.False(t, StateNone.Live())
	assert.False(t, StateStopped.Live())
	assert.True(t, StateCreated.Live())
	assert.True(t, StateRunning.Live())
	assert.True(t, StateError.Live())
}

func TestErrorTypes(t *testing.T) {
	te := &TransitionError{InstanceID: "w-1", Op: OpStop, From: StateNone}
	assert.True(t, errors.Is(te, ErrInvalidTransition))
	assert.False(t, errors.Is(te, ErrWorkerFault))
	assert.Equal(t, "cannot stop worker w-1 in state none", te.Error())

	cause := errors.New("connection reset")
	fe := &FaultError{InstanceID: "w-1", CredentialID: "bot-1", Err: cause}
	wrapped := fmt.Errorf("start: %w", fe)
	assert.True(t, errors.Is(wrapped, ErrWorkerFault))
	assert.True(t, errors.Is(wrapped, cause))
	assert.Contains(t, fe.Error(), "credential bot-1")
}
