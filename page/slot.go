package page

// Kind tells which representations of the element are held by the slot.
type Kind uint8

// Slot kinds.
const (
	KindValue Kind = iota + 1
	KindBytes
	KindBoth
)

// ValueSlot creates slot holding live value only.
func ValueSlot[T any](v T) Slot[T] {
	return Slot[T]{kind: KindValue, value: v}
}

// BytesSlot creates slot holding encoded element only.
func BytesSlot[T any](b []byte) Slot[T] {
	if b == nil {
		b = []byte{}
	}
	return Slot[T]{kind: KindBytes, bytes: b}
}

// BothSlot creates slot holding live value and its encoded form.
func BothSlot[T any](v T, b []byte) Slot[T] {
	if b == nil {
		b = []byte{}
	}
	return Slot[T]{kind: KindBoth, value: v, bytes: b}
}

// Slot stores element of the page. Slots are created only by the constructors above, so an occupied slot always
// carries at least one representation.
type Slot[T any] struct {
	kind  Kind
	value T
	bytes []byte
}

// Kind returns kind of the slot.
func (s Slot[T]) Kind() Kind {
	return s.kind
}

// Value returns live value if present.
func (s Slot[T]) Value() (T, bool) {
	return s.value, s.kind == KindValue || s.kind == KindBoth
}

// Bytes returns cached encoded form if present.
func (s Slot[T]) Bytes() ([]byte, bool) {
	return s.bytes, s.kind == KindBytes || s.kind == KindBoth
}
