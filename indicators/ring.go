package indicators

// Ring is a fixed-capacity FIFO that evicts its oldest element on
// overflow. It is not safe for concurrent use.
type Ring[T any] struct {
	data  []T
	start int
	size  int
}

// NewRing creates a ring holding at most capacity items (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push appends v, dropping the oldest item when full.
func (r *Ring[T]) Push(v T) {
	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = v
		r.size++
		return
	}
	r.data[r.start] = v
	r.start = (r.start + 1) % len(r.data)
}

// Get returns the i-th oldest item.
func (r *Ring[T]) Get(i int) T {
	return r.data[(r.start+i)%len(r.data)]
}

// Last returns the newest item.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.Get(r.size - 1), true
}

func (r *Ring[T]) Len() int { return r.size }

func (r *Ring[T]) Cap() int { return len(r.data) }

// Slice copies the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, r.size)
	for i := range out {
		out[i] = r.Get(i)
	}
	return out
}

func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.start, r.size = 0, 0
}
