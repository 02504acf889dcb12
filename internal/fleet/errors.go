package fleet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound       = errors.New("worker not found")
	ErrInvalidRequest = errors.New("invalid worker request")

	// ErrStopTimeout means the task ignored cancellation for the whole stop
	// timeout. The instance is still stopped and its credential released.
	ErrStopTimeout = errors.New("worker did not exit before the stop timeout")
)

// StopError reports an instance that reached the stopped state but whose
// task did not exit cleanly. Cleanup has already happened.
type StopError struct {
	InstanceID string
	Err        error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("worker %s stopped uncleanly: %v", e.InstanceID, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// ShutdownError lists the instances that failed to stop cleanly during
// ShutdownAll. Every other instance stopped normally.
type ShutdownError struct {
	Failed map[string]error
}

func (e *ShutdownError) Error() string {
	ids := e.IDs()
	return fmt.Sprintf("%d worker(s) did not stop cleanly: %s", len(ids), strings.Join(ids, ", "))
}

// IDs returns the failed instance ids in sorted order.
func (e *ShutdownError) IDs() []string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *ShutdownError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, id := range e.IDs() {
		out = append(out, e.Failed[id])
	}
	return out
}
