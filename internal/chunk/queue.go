package chunk

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrQueueFull is returned by Enqueue under the reject policy when the queue has no room.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned once the queue has been closed.
	ErrQueueClosed = errors.New("queue closed")
)

// OverflowPolicy decides what Enqueue does when the queue is at capacity.
type OverflowPolicy string

const (
	// PolicyBlock waits for room, applying backpressure to the producer.
	PolicyBlock OverflowPolicy = "block"
	// PolicyReject discards the new item.
	PolicyReject OverflowPolicy = "reject"
	// PolicyDropOldest evicts the oldest queued item to make room.
	PolicyDropOldest OverflowPolicy = "drop_oldest"
)

// ParsePolicy converts a configuration string to an OverflowPolicy
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case PolicyBlock, PolicyReject, PolicyDropOldest:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// DiscardFunc is called for every item the queue gives up on, with the reason
// ("rejected", "evicted" or "drained").
type DiscardFunc[T any] func(item T, reason string)

// Queue is a bounded multi-producer multi-consumer FIFO backed by a channel.
type Queue[T any] struct {
	items     chan T
	done      chan struct{}
	closeOnce sync.Once
	policy    OverflowPolicy
	onDiscard DiscardFunc[T]

	// serializes eviction so concurrent drop_oldest producers cannot both evict for one slot
	evictMu sync.Mutex
}

// NewQueue creates a queue holding at most capacity items
func NewQueue[T any](capacity int, policy OverflowPolicy, onDiscard DiscardFunc[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if policy == "" {
		policy = PolicyBlock
	}

	return &Queue[T]{
		items:     make(chan T, capacity),
		done:      make(chan struct{}),
		policy:    policy,
		onDiscard: onDiscard,
	}
}

// Enqueue adds an item according to the overflow policy. Under PolicyBlock it
// returns ctx.Err() if ctx ends before room is available.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	// fast path
	select {
	case q.items <- item:
		return nil
	default:
	}

	switch q.policy {
	case PolicyReject:
		q.discard(item, "rejected")
		return ErrQueueFull

	case PolicyDropOldest:
		q.evictMu.Lock()
		defer q.evictMu.Unlock()
		for {
			select {
			case q.items <- item:
				return nil
			default:
			}
			select {
			case oldest := <-q.items:
				q.discard(oldest, "evicted")
			default:
			}
		}

	default:
		select {
		case q.items <- item:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrQueueClosed
		}
	}
}

// TryDequeue removes the oldest item without blocking. ok is false when the queue is empty.
func (q *Queue[T]) TryDequeue() (item T, ok bool) {
	select {
	case item = <-q.items:
		return item, true
	default:
		return item, false
	}
}

// Wait blocks until an item is available, ctx ends, or the queue is closed and empty.
// A ctx that has already ended wins over queued items.
func (q *Queue[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	if item, ok := q.TryDequeue(); ok {
		return item, nil
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		if item, ok := q.TryDequeue(); ok {
			return item, nil
		}
		return zero, ErrQueueClosed
	}
}

// Len returns the number of queued items
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity
func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

// Policy returns the overflow policy
func (q *Queue[T]) Policy() OverflowPolicy {
	return q.policy
}

// Close stops accepting new items and wakes blocked producers and consumers.
// Queued items stay available to TryDequeue and Drain.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Drain removes every queued item, reporting each through the discard callback.
func (q *Queue[T]) Drain() int {
	drained := 0
	for {
		item, ok := q.TryDequeue()
		if !ok {
			return drained
		}
		q.discard(item, "drained")
		drained++
	}
}

func (q *Queue[T]) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) discard(item T, reason string) {
	if q.onDiscard != nil {
		q.onDiscard(item, reason)
	}
}
