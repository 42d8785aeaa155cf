package util

import "sync"

// RingBuffer keeps the most recent items up to a fixed capacity. Safe for
// concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	next  int
	full  bool
	total uint64
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, evicting the oldest entry once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.buf[r.next] = item
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
	r.mu.Unlock()
}

// Snapshot returns the stored items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Last returns up to n of the newest items, oldest first.
func (r *RingBuffer[T]) Last(n int) []T {
	all := r.Snapshot()
	if n >= 0 && n < len(all) {
		return all[len(all)-n:]
	}
	return all
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Total counts every Push, including evicted items.
func (r *RingBuffer[T]) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}
