// Package serial runs submitted work one item at a time on a dedicated
// goroutine.
package serial

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("serial queue closed")

// Queue is a single-writer execution context. Work runs in submission order.
// Do must not be called from work already running on the same queue.
type Queue struct {
	work chan func()
	done chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// New starts a queue with the given submission buffer.
func New(buffer int) *Queue {
	q := &Queue{
		work: make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for fn := range q.work {
		fn()
	}
}

// Go submits fn without waiting for it to run. It reports false when the
// queue is closed.
func (q *Queue) Go(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.work <- fn
	return true
}

// Do runs fn on the queue and waits for its result or ctx cancellation.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	if !q.Go(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for queued work to finish.
func (q *Queue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.work)
		q.mu.Unlock()
	})
	<-q.done
}
