// Package worker defines a worker instance, its lifecycle state machine and
// the runner contract a bot implementation satisfies.
package worker

import "botfleet/internal/models"

// State is a lifecycle state. Values match the persisted status strings.
type State string

const (
	StateNone     State = models.WorkerStatusNone
	StateCreating State = models.WorkerStatusCreating
	StateCreated  State = models.WorkerStatusCreated
	StateStarting State = models.WorkerStatusStarting
	StateRunning  State = models.WorkerStatusRunning
	StateStopping State = models.WorkerStatusStopping
	StateStopped  State = models.WorkerStatusStopped
	StateError    State = models.WorkerStatusError
)

// Lifecycle operations, used in rejection messages.
const (
	OpCreate    = "create"
	OpStart     = "start"
	OpStop      = "stop"
	OpForceStop = "force-stop"
)

var transitions = map[State][]State{
	StateNone:     {StateCreating},
	StateCreating: {StateCreated, StateError},
	StateCreated:  {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StateStopping, StateError},
	StateStopping: {StateStopped},
}

// CanTransition reports whether from -> to is a normal lifecycle edge.
// Force-stop is handled separately.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether an instance in s may still hold a credential.
func (s State) Live() bool {
	switch s {
	case StateNone, StateStopped:
		return false
	}
	return true
}

func (s State) String() string {
	return string(s)
}
