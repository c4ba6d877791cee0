package service

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Do once the queue is closed.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Queue is a FIFO of closures executed by a single goroutine, either Run or
// whoever calls Tick.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	wake   chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Post queues fn. Posts after Close are dropped.
func (q *Queue) Post(fn func()) {
	_ = q.Submit(fn)
}

// Submit queues fn, or returns ErrQueueClosed once the queue is closed.
func (q *Queue) Submit(fn func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do queues fn and blocks until it ran or ctx is done.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	err := q.Submit(func() {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs every task queued so far, including tasks they post. It returns
// the number of tasks executed.
func (q *Queue) Tick() int {
	n := 0
	for {
		q.mu.Lock()
		tasks := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		if len(tasks) == 0 {
			return n
		}
		for _, fn := range tasks {
			fn()
			n++
		}
	}
}

// Len reports how many tasks are pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Run drains the queue until ctx is done, then runs what is left.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.Tick()
			return nil
		case <-q.wake:
			q.Tick()
		}
	}
}

// Close stops accepting new tasks. Pending tasks are kept for a final Tick.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
