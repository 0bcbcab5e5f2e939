// Package queue implements the bounded outbound queue kept for each
// destination.  When full, the oldest entry is shed to admit a new one.
package queue

import "github.com/gammazero/deque"

// DefaultCapacity is used when a queue is created with capacity < 1.
const DefaultCapacity = 1000

// Queue is a bounded FIFO.  It is not safe for concurrent use.
type Queue[T any] struct {
	items    *deque.Deque[T]
	capacity int
}

// New returns an empty queue holding at most capacity entries.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{items: deque.New[T](), capacity: capacity}
}

// Push appends v.  If the queue was full the oldest entry is removed and
// returned with dropped set.
func (q *Queue[T]) Push(v T) (old T, dropped bool) {
	if q.items.Len() >= q.capacity {
		old, dropped = q.items.PopFront(), true
	}
	q.items.PushBack(v)
	return old, dropped
}

// PushFront re-inserts v at the head.  A full queue has no room for an
// entry older than everything it holds, so v itself is returned as
// dropped.
func (q *Queue[T]) PushFront(v T) (old T, dropped bool) {
	if q.items.Len() >= q.capacity {
		return v, true
	}
	q.items.PushFront(v)
	return old, false
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (v T, ok bool) {
	if q.items.Len() == 0 {
		return v, false
	}
	return q.items.PopFront(), true
}

// Contains reports whether any entry satisfies match.
func (q *Queue[T]) Contains(match func(T) bool) bool {
	for i := 0; i < q.items.Len(); i++ {
		if match(q.items.At(i)) {
			return true
		}
	}
	return false
}

// Drain removes every entry and returns them in FIFO order.
func (q *Queue[T]) Drain() []T {
	if q.items.Len() == 0 {
		return nil
	}
	out := make([]T, 0, q.items.Len())
	for q.items.Len() > 0 {
		out = append(out, q.items.PopFront())
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue[T]) Len() int { return q.items.Len() }

// Cap returns the configured capacity.
func (q *Queue[T]) Cap() int { return q.capacity }
