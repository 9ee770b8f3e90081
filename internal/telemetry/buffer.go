// Package telemetry keeps short rolling histories of filter behaviour for
// plotting: measured and predicted ranges, Kalman gain, covariance and loop
// timing.
package telemetry

// DefaultCapacity is the number of samples kept per history.
const DefaultCapacity = 250

// Buffer is a fixed-capacity FIFO that evicts its oldest element on
// overflow. Buffer is not safe for concurrent use.
type Buffer[T any] struct {
	data []T
	head int
	n    int
}

// NewBuffer returns an empty buffer holding at most capacity elements.
// A non-positive capacity falls back to DefaultCapacity.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer[T]{data: make([]T, capacity)}
}

// Push appends v, evicting the oldest element when full.
func (b *Buffer[T]) Push(v T) {
	if b.n < len(b.data) {
		b.data[(b.head+b.n)%len(b.data)] = v
		b.n++
		return
	}
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
}

// Values returns the elements oldest first.
func (b *Buffer[T]) Values() []T {
	out := make([]T, b.n)
	for i := range out {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	return out
}

// Last returns the newest element.
func (b *Buffer[T]) Last() (T, bool) {
	var zero T
	if b.n == 0 {
		return zero, false
	}
	return b.data[(b.head+b.n-1)%len(b.data)], true
}

func (b *Buffer[T]) Len() int { return b.n }
func (b *Buffer[T]) Cap() int { return len(b.data) }

// Reset drops all elements.
func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.data {
		b.data[i] = zero
	}
	b.head, b.n = 0, 0
}
