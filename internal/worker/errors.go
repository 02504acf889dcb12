package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrWorkerFault matches every *FaultError.
	ErrWorkerFault = errors.New("worker fault")
)

// TransitionError rejects a lifecycle operation requested from an
// incompatible state. It is a normal outcome, not a failure.
type TransitionError struct {
	InstanceID string
	Op         string
	From       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s worker %s in state %s", e.Op, e.InstanceID, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// FaultError reports a worker that failed during construction, setup or run.
type FaultError struct {
	InstanceID   string
	CredentialID string
	Err          error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("worker %s (credential %s) failed: %v", e.InstanceID, e.CredentialID, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

func (e *FaultError) Is(target error) bool {
	return target == ErrWorkerFault
}
