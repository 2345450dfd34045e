package pipeline

import (
	"context"
	"errors"
	"sync"
)

// Overflow policies.
type Policy int

const (
	// PolicyBlock makes Put wait until space is available.
	PolicyBlock Policy = iota
	// PolicyDropOldest makes Put evict the oldest queued element.
	PolicyDropOldest
)

var ErrClosed = errors.New("queue closed")

// Queue is a thread-safe bounded FIFO connecting two pipeline stages.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	policy   Policy
	closed   bool

	// Stats
	received  int64
	delivered int64
	dropped   int64
}

// NewQueue creates a queue with the given capacity and overflow policy.
func NewQueue[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put adds an item. Under PolicyBlock it waits for space; under
// PolicyDropOldest it evicts the head when full. Returns ErrClosed after
// Close, or the context error if ctx is cancelled while waiting.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if q.count == q.capacity {
		switch q.policy {
		case PolicyDropOldest:
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % q.capacity
			q.count--
			q.dropped++
		default:
			// Wake the waiter when ctx is cancelled so the wait can observe it.
			stop := context.AfterFunc(ctx, func() {
				q.mu.Lock()
				q.notFull.Broadcast()
				q.mu.Unlock()
			})
			defer stop()

			for q.count == q.capacity && !q.closed && ctx.Err() == nil {
				q.notFull.Wait()
			}
			if q.closed {
				return ErrClosed
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.received++

	q.notEmpty.Signal()
	return nil
}

// Offer adds an item without blocking, evicting the oldest queued element
// when full regardless of the queue policy. Returns false after Close.
func (q *Queue[T]) Offer(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.count == q.capacity {
		var zero T
		q.buf[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.dropped++
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.received++

	q.notEmpty.Signal()
	return true
}

// Get removes and returns the oldest item, waiting until one is available.
// Returns ErrClosed once the queue is closed and drained, or the context
// error if ctx is cancelled while waiting.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for q.count == 0 && !q.closed && ctx.Err() == nil {
		q.notEmpty.Wait()
	}

	var zero T
	if q.count == 0 {
		if q.closed {
			return zero, ErrClosed
		}
		return zero, ctx.Err()
	}

	item := q.takeLocked()
	return item, nil
}

// TryGet removes and returns the oldest item without blocking.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.takeLocked(), true
}

func (q *Queue[T]) takeLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.delivered++
	q.notFull.Signal()
	return item
}

// Close marks the queue closed. Puts fail immediately; Gets drain the
// remaining items then return ErrClosed.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the current number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats contains queue counters.
type Stats struct {
	Count     int
	Capacity  int
	Received  int64
	Delivered int64
	Dropped   int64
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:     q.count,
		Capacity:  q.capacity,
		Received:  q.received,
		Delivered: q.delivered,
		Dropped:   q.dropped,
	}
}
