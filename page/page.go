package page

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/spillq/serializer"
	"github.com/outofforest/spillq/types"
)

// ErrCorrupt is returned when page can't be decoded from its byte stream.
var ErrCorrupt = errors.New("corrupt page")

// New creates new empty page.
func New[T any](id types.PageID, capacity uint64, live *atomic.Int64) *Page[T] {
	return &Page[T]{
		id:   id,
		ring: NewRing[Slot[T]](capacity),
		live: live,
	}
}

// Load reads page from the stream. Live counter is not touched because elements of persisted pages are already
// counted. Capacity grows to the stored count if the page was written with bigger page size.
func Load[T any](
	id types.PageID,
	capacity uint64,
	r io.Reader,
	s serializer.Serializer[T],
	live *atomic.Int64,
) (*Page[T], error) {
	count, err := ReadCount(r)
	if err != nil {
		return nil, err
	}

	p := New[T](id, max(capacity, uint64(count)), live)
	cr := &captureReader{r: r}
	for i := range count {
		cr.buf = nil
		v, err := s.Decode(cr)
		if err != nil {
			return nil, errors.Wrapf(ErrCorrupt, "page %d: decoding element %d of %d failed: %s", id, i, count, err)
		}
		p.ring.Push(BothSlot(v, cr.buf))
	}
	return p, nil
}

// ReadCount reads the element count prefix.
func ReadCount(r io.Reader) (uint32, error) {
	var prefix [types.CountLength]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, errors.Wrapf(ErrCorrupt, "reading element count failed: %s", err)
	}
	count := int32(binary.BigEndian.Uint32(prefix[:]))
	if count < 0 {
		return 0, errors.Wrapf(ErrCorrupt, "negative element count %d", count)
	}
	return uint32(count), nil
}

// Page is fixed-capacity, order-preserving buffer of elements.
type Page[T any] struct {
	id   types.PageID
	ring *Ring[Slot[T]]
	live *atomic.Int64

	encoded []byte
}

// ID returns page ID.
func (p *Page[T]) ID() types.PageID {
	return p.id
}

// Len returns the number of elements in the page.
func (p *Page[T]) Len() int {
	return int(p.ring.Len())
}

// IsEmpty returns true if page contains no elements.
func (p *Page[T]) IsEmpty() bool {
	return p.ring.IsEmpty()
}

// IsFull returns true if no more elements can be added.
func (p *Page[T]) IsFull() bool {
	return p.ring.IsFull()
}

// Add adds value to the page.
func (p *Page[T]) Add(v T) {
	p.add(ValueSlot(v))
}

// AddEncoded adds value together with its already encoded form, so it is not encoded again on flush.
func (p *Page[T]) AddEncoded(v T, b []byte) {
	p.add(BothSlot(v, b))
}

// AddBytes adds element known only in its encoded form. It is decoded when read.
func (p *Page[T]) AddBytes(b []byte) {
	p.add(BytesSlot[T](b))
}

// Get returns the oldest element, removing it if requested.
func (p *Page[T]) Get(remove bool, s serializer.Serializer[T]) (T, error) {
	v, err := p.value(p.ring.Peek(), s)
	if err != nil || !remove {
		return v, err
	}
	p.ring.Pop()
	p.encoded = nil
	p.live.Add(-1)
	return v, nil
}

// DrainTo removes elements until page is empty or count reaches maxTotal. Updated count is returned.
func (p *Page[T]) DrainTo(sink func(T), startCount, maxTotal int, s serializer.Serializer[T]) (int, error) {
	count := startCount
	for count < maxTotal && !p.ring.IsEmpty() {
		v, err := p.value(p.ring.Peek(), s)
		if err != nil {
			return count, err
		}
		p.ring.Pop()
		p.encoded = nil
		p.live.Add(-1)
		sink(v)
		count++
	}
	return count, nil
}

// Flush writes count prefix followed by all the elements in logical order. Cached encoded forms are written
// verbatim.
func (p *Page[T]) Flush(w io.Writer, s serializer.Serializer[T]) error {
	if p.ring.IsEmpty() {
		panic("flushing empty page")
	}
	if p.ring.Len() > math.MaxInt32 {
		return errors.Errorf("page %d contains too many elements: %d", p.id, p.ring.Len())
	}

	bw := bufio.NewWriter(w)
	var prefix [types.CountLength]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(p.ring.Len()))
	if _, err := bw.Write(prefix[:]); err != nil {
		return errors.WithStack(err)
	}
	for slot := range p.ring.Items() {
		if b, ok := slot.Bytes(); ok {
			if _, err := bw.Write(b); err != nil {
				return errors.WithStack(err)
			}
			continue
		}
		v, _ := slot.Value()
		if err := s.Encode(bw, v); err != nil {
			return errors.Wrapf(err, "encoding element of page %d failed", p.id)
		}
	}
	return errors.WithStack(bw.Flush())
}

// Encoded returns cached payload of the page, nil if page changed since it was set.
func (p *Page[T]) Encoded() []byte {
	return p.encoded
}

// SetEncoded caches payload produced for the current content of the page.
func (p *Page[T]) SetEncoded(b []byte) {
	p.encoded = b
}

func (p *Page[T]) add(slot Slot[T]) {
	p.ring.Push(slot)
	p.encoded = nil
	p.live.Add(1)
}

func (p *Page[T]) value(slot Slot[T], s serializer.Serializer[T]) (T, error) {
	if v, ok := slot.Value(); ok {
		return v, nil
	}
	b, _ := slot.Bytes()
	v, err := s.Decode(bytes.NewReader(b))
	if err != nil {
		return v, errors.Wrapf(ErrCorrupt, "page %d: decoding element failed: %s", p.id, err)
	}
	return v, nil
}

type captureReader struct {
	r   io.Reader
	buf []byte
}

func (cr *captureReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.buf = append(cr.buf, p[:n]...)
	return n, err
}
