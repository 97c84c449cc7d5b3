package delivery

import (
	"context"
	"sync"
)

// buffer is a growable FIFO ring. It doubles its capacity when 70% full and
// refuses items past maxPending when a cap is configured.
type buffer[T any] struct {
	mu         sync.Mutex
	items      []T
	head       int
	tail       int
	count      int
	maxPending int
	closed     bool
	ready      chan struct{}
	resizes    int
}

func newBuffer[T any](initialCapacity, maxPending int) *buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &buffer[T]{
		items:      make([]T, initialCapacity),
		maxPending: maxPending,
		ready:      make(chan struct{}, 1),
	}
}

// push appends item and reports false when the buffer is closed or full.
func (b *buffer[T]) push(item T) bool {
	b.mu.Lock()
	if b.closed || (b.maxPending > 0 && b.count >= b.maxPending) {
		b.mu.Unlock()
		return false
	}
	threshold := len(b.items) * 70 / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold {
		b.grow()
	}
	b.items[b.tail] = item
	b.tail = (b.tail + 1) % len(b.items)
	b.count++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the buffer is closed and empty, or
// ctx is done.
func (b *buffer[T]) pop(ctx context.Context) (T, bool) {
	var zero T
	for {
		b.mu.Lock()
		if b.count > 0 {
			item := b.items[b.head]
			b.items[b.head] = zero
			b.head = (b.head + 1) % len(b.items)
			b.count--
			more := b.count > 0
			b.mu.Unlock()
			if more {
				select {
				case b.ready <- struct{}{}:
				default:
				}
			}
			return item, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return zero, false
		}
		select {
		case <-ctx.Done():
			return zero, false
		case <-b.ready:
		}
	}
}

func (b *buffer[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *buffer[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *buffer[T]) capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// grow doubles the ring. Must be called with the lock held.
func (b *buffer[T]) grow() {
	next := make([]T, len(b.items)*2)
	if b.count > 0 {
		if b.head < b.tail {
			copy(next, b.items[b.head:b.tail])
		} else {
			n := copy(next, b.items[b.head:])
			copy(next[n:], b.items[:b.tail])
		}
	}
	b.items = next
	b.head = 0
	b.tail = b.count
	b.resizes++
}
