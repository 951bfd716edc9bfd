package queue

import (
	"sync"
)

// Queue is a generic thread-safe FIFO. When created with a positive capacity
// it keeps only the newest items: pushing onto a full queue evicts the oldest.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	dropped  int
}

// New creates a new empty, unbounded queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{
		items: make([]T, 0),
	}
}

// NewBounded creates a queue holding at most capacity items.
func NewBounded[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends items to the queue and returns how many old items were
// evicted to make room.
func (q *Queue[T]) Push(items ...T) (evicted int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	if q.capacity > 0 && len(q.items) > q.capacity {
		evicted = len(q.items) - q.capacity
		var zero T
		for i := 0; i < evicted; i++ {
			q.items[i] = zero
		}
		q.items = q.items[evicted:]
		q.dropped += evicted
	}
	return evicted
}

// Pop removes and returns the first item. ok is false if the queue is empty.
func (q *Queue[T]) Pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return item, false
	}
	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Empty returns true if the queue has no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Len returns the number of items in the queue.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of items evicted since creation.
func (q *Queue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear removes all items from the queue and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make([]T, 0, q.capacity)
	return n
}

// Drain removes all items and hands them to fn in FIFO order. Items pushed
// by fn are not part of this drain.
func (q *Queue[T]) Drain(fn func(T)) int {
	q.mu.Lock()
	items := q.items
	q.items = make([]T, 0, q.capacity)
	q.mu.Unlock()

	for _, it := range items {
		fn(it)
	}
	return len(items)
}
