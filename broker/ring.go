package broker

import "sync"

// ring is a fixed-capacity buffer keeping the most recent entries.
type ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	next int
	full bool
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// list returns up to limit of the newest entries, oldest first.
// limit <= 0 returns everything buffered.
func (r *ring[T]) list(limit int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []T
	if r.full {
		ordered = make([]T, 0, len(r.buf))
		ordered = append(ordered, r.buf[r.next:]...)
		ordered = append(ordered, r.buf[:r.next]...)
	} else {
		ordered = make([]T, r.next)
		copy(ordered, r.buf[:r.next])
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

func (r *ring[T]) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.next = 0
	r.full = false
}
