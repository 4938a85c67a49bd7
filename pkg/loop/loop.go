// Package loop provides the sequential execution context a session lives
// on. Every session, stream and handle mutation runs as a task of one
// Runner, so session state needs no locking.
package loop

import (
	"context"
	"errors"
	"sync"
)

var ErrRunnerClosed = errors.New("loop: runner closed")

// Runner executes posted tasks one at a time in FIFO order.
//
// Post may be called from any goroutine. Tasks are executed either by a
// goroutine blocked in Run, or inline by RunUntilIdle (tests).
type Runner struct {
	mu     sync.Mutex
	tasks  []func()
	wakeCh chan struct{}
	closed bool
}

func New() *Runner {
	return &Runner{
		wakeCh: make(chan struct{}, 1),
	}
}

// Post queues task. It returns false if the runner was closed.
func (r *Runner) Post(task func()) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()

	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
	return true
}

// Run executes tasks until ctx is done or the runner is closed.
func (r *Runner) Run(ctx context.Context) error {
	for {
		r.RunUntilIdle()
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return ErrRunnerClosed
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wakeCh:
		}
	}
}

// RunUntilIdle executes queued tasks, including the ones they post, until
// the queue is empty. It returns how many tasks ran.
func (r *Runner) RunUntilIdle() int {
	ran := 0
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return ran
		}
		task := r.tasks[0]
		r.tasks[0] = nil
		r.tasks = r.tasks[1:]
		r.mu.Unlock()

		task()
		ran++
	}
}

// Len returns the number of queued tasks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Close drops queued tasks and refuses new ones.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.tasks = nil
	r.mu.Unlock()

	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}
