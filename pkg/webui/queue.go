package webui

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueFull is returned when the request queue has no free slot
var ErrQueueFull = errors.New("request queue is full")

// ErrQueueClosed is returned once the queue has been stopped
var ErrQueueClosed = errors.New("request queue is closed")

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan error
}

// Queue runs submitted jobs one at a time in FIFO order. At most size jobs
// may wait; further submissions fail fast with ErrQueueFull.
type Queue struct {
	jobs chan job
	stop chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewQueue starts the worker
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{
		jobs: make(chan job, size),
		stop: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case j := <-q.jobs:
			// skip work whose caller has already gone away
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			j.fn(j.ctx)
			j.done <- nil
		}
	}
}

// Do enqueues fn and waits until it has run. It returns ctx.Err() if the
// caller gives up first; fn is then skipped if it has not started.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context)) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.jobs <- j:
	default:
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of jobs waiting to start
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Close stops the worker after the current job. Waiting jobs fail with
// ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()

	for {
		select {
		case j := <-q.jobs:
			j.done <- ErrQueueClosed
		default:
			return
		}
	}
}
