// Package queue provides the bounded FIFO used for the session's inbound and
// outbound planes.
//
// The queue supports the policies the realtime contract needs and plain
// channels cannot express: conditional eviction on a full put,
// predicate-preferred dequeue (control frames jump the line), and blocking
// until an item matching a predicate exists. A single consumer is assumed;
// multiple producers are safe.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by blocking operations after [Bounded.Close].
var ErrClosed = errors.New("queue: closed")

// Bounded is a bounded FIFO with explicit eviction policies.
type Bounded[T any] struct {
	mu     sync.Mutex
	items  []T
	max    int
	closed bool

	// wake is closed and replaced on every state change so that blocked
	// readers re-check their predicates. Edge-triggered, like the gate pulse.
	wake chan struct{}
}

// NewBounded creates a queue holding at most max items. Panics if max <= 0.
func NewBounded[T any](max int) *Bounded[T] {
	if max <= 0 {
		panic("queue: max must be > 0")
	}
	return &Bounded[T]{max: max, wake: make(chan struct{})}
}

// Len returns the current number of queued items.
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Max returns the queue capacity.
func (q *Bounded[T]) Max() int { return q.max }

// Closed reports whether Close has been called.
func (q *Bounded[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Bounded[T]) pulseLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Put appends item without blocking. If the queue is full and evict is
// non-nil, the first queued item (FIFO order) for which evict returns true is
// removed to make room. Returns false if the item was not accepted (queue
// closed, or full with no evictable victim).
func (q *Bounded[T]) Put(item T, evict func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if len(q.items) >= q.max && evict != nil {
		for i, existing := range q.items {
			if evict(existing) {
				q.items = append(q.items[:i], q.items[i+1:]...)
				break
			}
		}
	}
	if len(q.items) >= q.max {
		return false
	}
	q.items = append(q.items, item)
	q.pulseLocked()
	return true
}

// Get blocks until an item is available and returns the head, or fails with
// [ErrClosed] once the queue is closed and drained, or ctx's error.
func (q *Bounded[T]) Get(ctx context.Context) (T, error) {
	return q.GetPrefer(ctx, nil)
}

// GetPrefer blocks until an item is available. If pred is non-nil and any
// queued item matches it, the FIRST match is removed and returned; otherwise
// the head is returned.
func (q *Bounded[T]) GetPrefer(ctx context.Context, pred func(T) bool) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			idx := 0
			if pred != nil {
				for i, it := range q.items {
					if pred(it) {
						idx = i
						break
					}
				}
			}
			item := q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.pulseLocked()
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// WaitForAny blocks until a queued item matches pred, without removing it.
func (q *Bounded[T]) WaitForAny(ctx context.Context, pred func(T) bool) error {
	for {
		q.mu.Lock()
		for _, it := range q.items {
			if pred(it) {
				q.mu.Unlock()
				return nil
			}
		}
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DropWhere removes every queued item matching pred and returns the count.
func (q *Bounded[T]) DropWhere(pred func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	dropped := 0
	for _, it := range q.items {
		if pred(it) {
			dropped++
		} else {
			kept = append(kept, it)
		}
	}
	q.items = kept
	if dropped > 0 {
		q.pulseLocked()
	}
	return dropped
}

// AnyWhere reports whether any queued item matches pred.
func (q *Bounded[T]) AnyWhere(pred func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if pred(it) {
			return true
		}
	}
	return false
}

// EvictOneWhere removes the first queued item matching pred. Returns whether
// an item was removed.
func (q *Bounded[T]) EvictOneWhere(pred func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if pred(it) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.pulseLocked()
			return true
		}
	}
	return false
}

// Close marks the queue closed and unblocks all waiters. Items already queued
// remain retrievable; subsequent Puts are rejected.
func (q *Bounded[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pulseLocked()
}
