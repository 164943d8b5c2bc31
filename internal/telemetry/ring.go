// Package telemetry holds the observer-facing state of ouroboros: the owned status
// object, the bounded ring buffers used for log streaming and samples, and the
// background sampler that keeps uptime and runtime figures current.
package telemetry

import "sync"

// Ring is a fixed-capacity buffer that drops the oldest entry when full.
// Push never blocks the producer.
type Ring[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int // index of the oldest entry
	size    int
	seq     uint64 // total entries ever pushed
	dropped uint64
}

// NewRing creates a ring holding at most capacity entries (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry if the ring is full.
// It reports whether an entry was evicted.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return false
	}

	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	r.dropped++
	return true
}

// Snapshot returns a copy of the buffered entries, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Last returns up to n of the newest entries, oldest first.
func (r *Ring[T]) Last(n int) []T {
	all := r.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Since returns the entries pushed after sequence number seq together with the
// current sequence number. Entries already evicted are skipped.
func (r *Ring[T]) Since(seq uint64) ([]T, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq >= r.seq {
		return nil, r.seq
	}
	missing := r.seq - seq
	if missing > uint64(r.size) {
		missing = uint64(r.size)
	}
	out := make([]T, 0, missing)
	for i := r.size - int(missing); i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out, r.seq
}

// Len returns the number of buffered entries.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many entries have been evicted so far.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
