// Package queue provides an unbounded FIFO used by workers that must never
// block their producers.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned when reading from or writing to a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a concurrency-safe unbounded FIFO.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	waitCh chan struct{}
	closed bool
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{waitCh: make(chan struct{}, 1)}
}

// Write appends an item. It never blocks.
func (q *Queue[T]) Write(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, item)
	select {
	case q.waitCh <- struct{}{}:
	default:
	}
	return nil
}

// Read blocks until an item is available, the queue is closed or the context
// is done. Items left in a closed queue are dropped.
func (q *Queue[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				select {
				case q.waitCh <- struct{}{}:
				default:
				}
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.waitCh:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close drops queued items and wakes up readers.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.waitCh)
}
