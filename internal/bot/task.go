package bot

import (
	"context"
	"sync/atomic"
)

const eventQueue = 16

// Task is the handle of one session's worker.
type Task struct {
	id     string
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	replaced atomic.Bool
}

func newTask(parent context.Context, id string) *Task {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:     id,
		events: make(chan Event, eventQueue),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (t *Task) ID() string { return t.id }

// Notify delivers ev to the worker in order. It reports false, without
// blocking, once the worker has exited.
func (t *Task) Notify(ev Event) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

// Stop cancels the worker without waiting for it.
func (t *Task) Stop() {
	t.cancel()
}

// Wait blocks until the worker exits or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the worker's exit error. Valid after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}
