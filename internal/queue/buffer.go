package queue

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by Send once the buffer is closed.
	ErrClosed = errors.New("buffer closed")

	// ErrFull is returned by Send when a limited buffer holds limit items.
	ErrFull = errors.New("buffer full")
)

// Buffer is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full. Send never blocks. A positive limit bounds the number of queued
// items; sends beyond it are rejected and counted as dropped.
type Buffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// New creates a buffer with the given initial capacity and item limit.
func New[T any](initialCapacity, limit int) *Buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < 0 {
		limit = 0
	}
	b := &Buffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send appends an item, growing the ring if it is at 70% capacity.
func (b *Buffer[T]) Send(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.limit > 0 && b.count >= b.limit {
		b.dropped++
		return ErrFull
	}

	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return nil
}

// Receive removes and returns the oldest item, blocking until one is
// available. It returns false once the buffer is closed and empty.
func (b *Buffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// Close stops accepting items. Queued items can still be received.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Discard closes the buffer and throws away everything still queued.
// It returns the number of items discarded.
func (b *Buffer[T]) Discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.count
	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head, b.tail, b.count = 0, 0, 0
	b.dropped += int64(n)
	b.closed = true
	b.cond.Broadcast()
	return n
}

// Len returns the number of queued items.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current ring capacity.
func (b *Buffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      b.capacity,
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64
	ResizeCount   int
}

// DrainTo removes up to max items (all when max <= 0) and returns them.
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.pop()
	}
	return result
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *Buffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

// grow doubles the ring capacity. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := b.capacity * 2
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
