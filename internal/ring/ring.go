// Package ring provides a fixed-capacity, oldest-evicted buffer.
package ring

import "sync"

// Buffer is a fixed-capacity circular buffer. When full, each Push evicts
// the oldest item.
type Buffer[T any] struct {
	mu       sync.RWMutex
	buf      []T
	capacity int
	pos      int // next write position
	full     bool
	dropped  int
}

// New creates a ring buffer with the given capacity. A capacity below one is
// treated as one.
func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{
		buf:      make([]T, capacity),
		capacity: capacity,
	}
}

// Push adds an item and reports whether the oldest item was evicted to make
// room for it.
func (rb *Buffer[T]) Push(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := rb.full
	if evicted {
		rb.dropped++
	}
	rb.buf[rb.pos] = item
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
	return evicted
}

// Len returns the number of items held.
func (rb *Buffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.lenLocked()
}

// Cap returns the capacity.
func (rb *Buffer[T]) Cap() int {
	return rb.capacity
}

// Dropped returns how many items have been evicted over the buffer's life.
func (rb *Buffer[T]) Dropped() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.dropped
}

// ReadAll returns all items in the buffer in chronological order.
func (rb *Buffer[T]) ReadAll() []T {
	return rb.Slice(0, 0)
}

// Slice returns up to limit items starting at offset, oldest first.
// A limit of zero or less means "through the newest item".
func (rb *Buffer[T]) Slice(offset, limit int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.lenLocked()
	if offset < 0 {
		offset = 0
	}
	if offset >= n {
		return []T{}
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}

	start := 0
	if rb.full {
		start = rb.pos
	}
	result := make([]T, 0, end-offset)
	for i := offset; i < end; i++ {
		result = append(result, rb.buf[(start+i)%rb.capacity])
	}
	return result
}

func (rb *Buffer[T]) lenLocked() int {
	if rb.full {
		return rb.capacity
	}
	return rb.pos
}
