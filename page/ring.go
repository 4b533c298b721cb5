package page

import "iter"

// NewRing creates ring of fixed capacity.
func NewRing[T any](capacity uint64) *Ring[T] {
	if capacity == 0 {
		panic("ring capacity must be greater than 0")
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Ring is the fixed-capacity circular buffer. All the cursor arithmetic lives here.
type Ring[T any] struct {
	items []T

	capacity          uint64
	readPtr, writePtr uint64
	count             uint64
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() uint64 {
	return r.count
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() uint64 {
	return r.capacity
}

// IsEmpty returns true if there are no items in the ring.
func (r *Ring[T]) IsEmpty() bool {
	return r.count == 0
}

// IsFull returns true if no more items can be added.
func (r *Ring[T]) IsFull() bool {
	return r.count == r.capacity
}

// Push appends item at the write cursor.
func (r *Ring[T]) Push(item T) {
	if r.count == r.capacity {
		// Caller is expected to rotate full page before adding.
		panic("no space left in the ring")
	}

	r.items[r.writePtr] = item
	r.writePtr = r.next(r.writePtr)
	r.count++
}

// Peek returns item at the read cursor.
func (r *Ring[T]) Peek() T {
	if r.count == 0 {
		panic("ring is empty")
	}
	return r.items[r.readPtr]
}

// Pop removes and returns item at the read cursor.
func (r *Ring[T]) Pop() T {
	if r.count == 0 {
		panic("ring is empty")
	}

	var zero T
	item := r.items[r.readPtr]
	r.items[r.readPtr] = zero
	r.readPtr = r.next(r.readPtr)
	r.count--
	return item
}

// Items iterates over stored items starting from the read cursor.
func (r *Ring[T]) Items() iter.Seq[T] {
	return func(yield func(T) bool) {
		ptr := r.readPtr
		for range r.count {
			if !yield(r.items[ptr]) {
				return
			}
			ptr = r.next(ptr)
		}
	}
}

func (r *Ring[T]) next(ptr uint64) uint64 {
	ptr++
	if ptr == r.capacity {
		return 0
	}
	return ptr
}
