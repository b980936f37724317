// Package bqueue provides an unbounded FIFO queue whose receivers block until
// an item is available.
package bqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Recv once the queue has been closed and,
// for Recv, drained.
var ErrClosed = errors.New("bqueue: closed")

// Queue is a multi-producer FIFO. Items are delivered in the order their Send
// calls acquired the queue lock, which under concurrent producers is not
// necessarily the order in which the producers were scheduled.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send appends item to the tail and wakes one waiting receiver. It never
// blocks beyond the internal lock.
func (q *Queue[T]) Send(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return nil
}

// Recv removes and returns the head of the queue, waiting until one is
// available. It returns ctx.Err() when ctx ends first, and ErrClosed when the
// queue is closed and empty.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	if ctx == nil {
		ctx = context.Background()
	}
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return zero, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		q.cond.Wait()
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, nil
}

// Snapshot calls fn with the current contents, head first, while holding the
// queue lock. fn must not modify or retain the slice and must not call back
// into the queue.
func (q *Queue[T]) Snapshot(fn func(items []T)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(q.items)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further sends and wakes every blocked receiver. Items already
// queued can still be received.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
