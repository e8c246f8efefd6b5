// Package queue provides the bounded payload queue between the sensor
// poller and the broker publisher.
//
// The queue prefers bounded staleness over unbounded growth: when a new
// item arrives at capacity, the oldest unsent item is dropped. Put never
// blocks the producer; Get suspends the consumer until an item arrives.
package queue

import (
	"context"
	"sync"
)

// Queue is a fixed-capacity FIFO with drop-oldest overflow behaviour.
// Safe for one producer and one consumer (or several of each).
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	cap    int
	ready  chan struct{} // closed and replaced when an item arrives
	onDrop func(T)
}

// New creates a queue with the given capacity. capacity must be ≥ 1.
// onDrop, if non-nil, is called with each item discarded on overflow.
func New[T any](capacity int, onDrop func(T)) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		cap:    capacity,
		ready:  make(chan struct{}),
		onDrop: onDrop,
	}
}

// Put enqueues v, dropping the oldest queued item if the queue is full.
// It never blocks.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	var dropped *T
	if len(q.items) == q.cap {
		d := q.items[0]
		dropped = &d
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
	}
	q.items = append(q.items, v)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()

	if dropped != nil && q.onDrop != nil {
		q.onDrop(*dropped)
	}
}

// Get dequeues the oldest item, suspending until one is available or
// ctx is done.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			copy(q.items, q.items[1:])
			q.items = q.items[:len(q.items)-1]
			q.mu.Unlock()
			return v, nil
		}
		ch := q.ready
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
