package evidence

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("evidence queue closed")

// Queue is a bounded FIFO that overwrites its oldest item when full, so producers
// never block.
type Queue[T any] struct {
	mu     sync.Mutex
	data   []T
	head   int
	size   int
	closed bool
	notify chan struct{}
}

// NewQueue returns a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("capacity must be > 0")
	}
	return &Queue[T]{data: make([]T, capacity), notify: make(chan struct{}, 1)}
}

// Push appends val. It reports whether the oldest item was overwritten to make room.
func (q *Queue[T]) Push(val T) (dropped bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	tail := (q.head + q.size) % len(q.data)
	q.data[tail] = val
	if q.size == len(q.data) {
		q.head = (q.head + 1) % len(q.data)
		dropped = true
	} else {
		q.size++
	}
	q.signal()
	q.mu.Unlock()
	return dropped, nil
}

// signal wakes one waiter. Callers hold mu, which orders it before Close.
func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) popHead() T {
	var zero T
	val := q.data[q.head]
	q.data[q.head] = zero
	q.head = (q.head + 1) % len(q.data)
	q.size--
	return val
}

// Pop blocks until an item is available, the queue is closed and empty, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.size > 0 {
			val := q.popHead()
			if q.size > 0 && !q.closed {
				q.signal()
			}
			q.mu.Unlock()
			return val, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Close stops accepting new items. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// Drain removes and returns everything still queued.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popHead())
	}
	return out
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
