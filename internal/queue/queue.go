// Package queue provides the unbounded one-way queue used to cross the
// boundary between callers and the session worker.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("queue closed")
	// ErrPoisoned is returned by Drain when an earlier Drain callback panicked
	// and Salvage has not been called since.
	ErrPoisoned = errors.New("queue poisoned by an earlier panic")
)

// Queue is an unbounded FIFO. Push never blocks and pops never wait, so
// neither side of the boundary can suspend the other.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	closed   bool
	poisoned bool
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v. It fails only once the queue is closed.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, v)
	return nil
}

// TryPop removes the oldest item if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return v, true
}

// Drain detaches everything queued so far and hands each item to fn without
// holding the queue, so producers keep pushing while fn runs. Items pushed
// during the drain wait for the next one. If fn panics the queue is marked
// poisoned, the item being handled is lost, the unhandled rest goes back to
// the front and the panic continues. A poisoned queue refuses to drain until
// Salvage is called.
func (q *Queue[T]) Drain(fn func(T)) (n int, err error) {
	q.mu.Lock()
	if q.poisoned {
		q.mu.Unlock()
		return 0, ErrPoisoned
	}
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			q.requeue(batch[n+1:])
			panic(r)
		}
	}()

	for _, v := range batch {
		fn(v)
		n++
	}
	return n, nil
}

// requeue puts rest back ahead of anything pushed since it was detached and
// poisons the queue.
func (q *Queue[T]) requeue(rest []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.poisoned = true
	if len(rest) == 0 {
		return
	}
	items := make([]T, 0, len(rest)+len(q.items))
	items = append(items, rest...)
	q.items = append(items, q.items...)
}

// Salvage clears the poisoned flag and keeps whatever is still queued.
// It reports whether the queue was poisoned.
func (q *Queue[T]) Salvage() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	was := q.poisoned
	q.poisoned = false
	return was
}

// Poisoned reports whether a Drain callback has panicked since the last Salvage.
func (q *Queue[T]) Poisoned() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.poisoned
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
