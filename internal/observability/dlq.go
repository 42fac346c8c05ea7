package observability

import "sync"

// DeadLetterQueue retains the most recent records that failed delivery.
type DeadLetterQueue[T any] struct {
	mu       sync.Mutex
	capacity int
	items    []T
	dropped  uint64
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue[T any](capacity int) *DeadLetterQueue[T] {
	return &DeadLetterQueue[T]{capacity: capacity}
}

// Offer records an item, evicting the oldest one when full.
func (q *DeadLetterQueue[T]) Offer(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		copy(q.items, q.items[1:])
		q.items[len(q.items)-1] = item
		q.dropped++
		return
	}
	q.items = append(q.items, item)
}

// Drain retrieves and clears all queued items.
func (q *DeadLetterQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]T, len(q.items))
	copy(drained, q.items)
	q.items = q.items[:0]
	return drained
}

// Len returns the number of queued items.
func (q *DeadLetterQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many items were evicted to honour the capacity.
func (q *DeadLetterQueue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
