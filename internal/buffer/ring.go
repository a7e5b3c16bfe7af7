// Package buffer holds fixed-size containers shared by the logging layer.
package buffer

// Ring keeps the most recent entries up to a fixed capacity. It is not safe
// for concurrent use.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

// Add appends entry, overwriting the oldest one when full.
func (r *Ring[T]) Add(entry T) {
	if r == nil || len(r.entries) == 0 {
		return
	}
	if r.count < len(r.entries) {
		r.entries[(r.start+r.count)%len(r.entries)] = entry
		r.count++
		return
	}
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// List returns the entries oldest first.
func (r *Ring[T]) List() []T {
	if r == nil || r.count == 0 {
		return nil
	}
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.entries[(r.start+i)%len(r.entries)]
	}
	return out
}
