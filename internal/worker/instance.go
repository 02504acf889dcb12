package worker

import (
	"context"
	"sync"
	"time"

	"botfleet/internal/models"
)

// Instance is one worker bound to one credential. The supervisor owns it;
// callers outside the fleet package only see copies of its record.
//
// Instance implements sync.Locker as its operation lock: whoever drives a
// lifecycle operation holds it, so transitions for one instance never
// interleave. State reads use a separate mutex and never block on it.
type Instance struct {
	ID           string
	CredentialID string
	Owner        string
	Name         string
	CreatedAt    time.Time

	op sync.Mutex

	mu        sync.RWMutex
	state     State
	lastError string
	runner    Runner
	task      *Task
}

// NewInstance returns an instance in StateNone.
func NewInstance(id, credentialID, owner, name string, createdAt time.Time) *Instance {
	return &Instance{
		ID:           id,
		CredentialID: credentialID,
		Owner:        owner,
		Name:         name,
		CreatedAt:    createdAt,
		state:        StateNone,
	}
}

func (i *Instance) Lock()   { i.op.Lock() }
func (i *Instance) Unlock() { i.op.Unlock() }

func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) LastError() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastError
}

// Transition moves the instance to `to` on behalf of op, or returns a
// *TransitionError naming the current state.
func (i *Instance) Transition(op string, to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !CanTransition(i.state, to) {
		return &TransitionError{InstanceID: i.ID, Op: op, From: i.state}
	}
	i.state = to
	return nil
}

// Fail moves the instance to StateError and remembers cause.
func (i *Instance) Fail(op string, cause error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !CanTransition(i.state, StateError) {
		return &TransitionError{InstanceID: i.ID, Op: op, From: i.state}
	}
	i.state = StateError
	if cause != nil {
		i.lastError = cause.Error()
	}
	return nil
}

// ForceStop moves any live instance, including one in StateError, straight
// to StateStopped and returns the state it left.
func (i *Instance) ForceStop() (State, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	from := i.state
	if !from.Live() {
		return from, &TransitionError{InstanceID: i.ID, Op: OpForceStop, From: from}
	}
	i.state = StateStopped
	return from, nil
}

// Restore sets the state directly. It is only used when rehydrating an
// instance from its persisted record.
func (i *Instance) Restore(state State, lastError string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = state
	i.lastError = lastError
}

func (i *Instance) SetRunner(r Runner) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.runner = r
}

func (i *Instance) Runner() Runner {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.runner
}

// Spawn starts the runner's loop in its own goroutine. The task is detached
// from the caller's cancellation but keeps its values.
func (i *Instance) Spawn(parent context.Context) *Task {
	t := startTask(context.WithoutCancel(parent), i.Runner().Run)

	i.mu.Lock()
	i.task = t
	i.mu.Unlock()
	return t
}

// Task returns the current background task, or nil if none was spawned.
func (i *Instance) Task() *Task {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.task
}

// Record builds the persisted status row.
func (i *Instance) Record(now time.Time) *models.WorkerRecord {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return &models.WorkerRecord{
		InstanceID:   i.ID,
		CredentialID: i.CredentialID,
		Owner:        i.Owner,
		Name:         i.Name,
		Status:       string(i.state),
		LastError:    i.lastError,
		CreatedAt:    i.CreatedAt,
		LastUpdated:  now,
	}
}
