package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const ringCapacity = 10

func collect[T any](r *Ring[T]) []T {
	items := []T{}
	for item := range r.Items() {
		items = append(items, item)
	}
	return items
}

func TestRingMaxAllocation(t *testing.T) {
	requireT := require.New(t)
	r := NewRing[int](ringCapacity)

	for i := range ringCapacity {
		requireT.False(r.IsFull())
		r.Push(i)
	}
	requireT.True(r.IsFull())
	requireT.EqualValues(ringCapacity, r.Len())

	requireT.Panics(func() {
		r.Push(ringCapacity)
	})
}

func TestRingEmpty(t *testing.T) {
	requireT := require.New(t)
	r := NewRing[int](ringCapacity)

	requireT.True(r.IsEmpty())
	requireT.Panics(func() {
		r.Pop()
	})
	requireT.Panics(func() {
		r.Peek()
	})
	requireT.Empty(collect(r))
}

func TestRingWrapAround(t *testing.T) {
	requireT := require.New(t)
	r := NewRing[int](ringCapacity)

	// Move cursors to the middle.
	for i := range ringCapacity / 2 {
		r.Push(i)
	}
	for range ringCapacity / 2 {
		r.Pop()
	}

	for i := range ringCapacity {
		r.Push(i)
	}
	requireT.True(r.IsFull())
	requireT.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, collect(r))

	for i := range ringCapacity {
		requireT.Equal(i, r.Peek())
		requireT.Equal(i, r.Pop())
	}
	requireT.True(r.IsEmpty())
}

func TestRingInterleaved(t *testing.T) {
	requireT := require.New(t)
	r := NewRing[int](3)

	next := 0
	expected := 0
	for range 100 {
		for !r.IsFull() {
			r.Push(next)
			next++
		}
		for range 2 {
			requireT.Equal(expected, r.Pop())
			expected++
		}
	}
	requireT.EqualValues(1, r.Len())
}

func TestRingZeroCapacity(t *testing.T) {
	require.Panics(t, func() {
		NewRing[int](0)
	})
}
