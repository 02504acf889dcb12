package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// Task is the handle to a worker's background goroutine.
type Task struct {
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

// startTask runs fn in a new goroutine with its own cancellable context.
// A panic in fn is converted to the task's error.
func startTask(parent context.Context, fn func(ctx context.Context, ready func()) error) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		t.err = fn(ctx, t.signalReady)
	}()

	return t
}

func (t *Task) signalReady() {
	t.readyOnce.Do(func() { close(t.ready) })
}

// Ready is closed once the runner reports that its loop has begun.
func (t *Task) Ready() <-chan struct{} {
	return t.ready
}

// Done is closed when the goroutine returns.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err is the runner's result. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) Cancel() {
	t.cancel()
}
