// Package loop implements the single cooperative executor the update workflow
// runs on. Every piece of workflow state is touched only from tasks running on
// the loop; helper goroutines do blocking I/O and post their result back as a
// task.
package loop

import (
	"context"
	"sync"
	"time"
)

// Poster schedules work on a loop.
type Poster interface {
	Post(fn func())
}

// Loop runs posted tasks one at a time, in posting order.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. It never blocks, so it is safe from the loop itself.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostAfter enqueues fn once d has elapsed. A zero delay posts immediately.
func (l *Loop) PostAfter(d time.Duration, fn func()) {
	if d <= 0 {
		l.Post(fn)
		return
	}
	time.AfterFunc(d, func() { l.Post(fn) })
}

// Call runs fn on the loop and waits for its result. It must not be called
// from a task already running on the loop. fn is skipped if ctx is done by
// the time the task runs.
func (l *Loop) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	l.Post(func() {
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		fn, err := l.next(ctx)
		if err != nil {
			return nil
		}
		fn()
	}
}

// RunOne blocks until a single task is available and runs it.
func (l *Loop) RunOne(ctx context.Context) error {
	fn, err := l.next(ctx)
	if err != nil {
		return err
	}
	fn()
	return nil
}

// Pending reports the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) next(ctx context.Context) (func(), error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return fn, nil
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
