package page

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/spillq/serializer"
)

var s = serializer.String{}

func TestAddGet(t *testing.T) {
	requireT := require.New(t)

	live := &atomic.Int64{}
	p := New[string](1, 2, live)
	requireT.True(p.IsEmpty())

	p.Add("a")
	p.Add("b")
	requireT.True(p.IsFull())
	requireT.EqualValues(2, live.Load())
	requireT.Panics(func() {
		p.Add("c")
	})

	v, err := p.Get(false, s)
	requireT.NoError(err)
	requireT.Equal("a", v)
	requireT.EqualValues(2, live.Load())

	v, err = p.Get(true, s)
	requireT.NoError(err)
	requireT.Equal("a", v)
	requireT.EqualValues(1, live.Load())

	p.Add("c")
	v, err = p.Get(true, s)
	requireT.NoError(err)
	requireT.Equal("b", v)
	v, err = p.Get(true, s)
	requireT.NoError(err)
	requireT.Equal("c", v)
	requireT.True(p.IsEmpty())
	requireT.Zero(live.Load())

	requireT.Panics(func() {
		_, _ = p.Get(true, s)
	})
}

func TestFlushLoad(t *testing.T) {
	requireT := require.New(t)

	live := &atomic.Int64{}
	p := New[string](7, 3, live)
	p.Add("x")
	_, err := p.Get(true, s)
	requireT.NoError(err)
	for _, v := range []string{"a", "b", "c"} {
		p.Add(v)
	}

	buf := &bytes.Buffer{}
	requireT.NoError(p.Flush(buf, s))
	requireT.Equal(uint32(3), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	loaded, err := Load[string](7, 3, bytes.NewReader(buf.Bytes()), s, live)
	requireT.NoError(err)
	requireT.Equal(3, loaded.Len())
	requireT.EqualValues(3, live.Load())

	for _, expected := range []string{"a", "b", "c"} {
		v, err := loaded.Get(true, s)
		requireT.NoError(err)
		requireT.Equal(expected, v)
	}
	requireT.Zero(live.Load())
}

func TestFlushUsesCachedBytes(t *testing.T) {
	requireT := require.New(t)

	p := New[string](1, 2, &atomic.Int64{})
	// Cached bytes deliberately differ from the value to prove they are written verbatim.
	cached := &bytes.Buffer{}
	requireT.NoError(s.Encode(cached, "cached"))
	p.AddEncoded("value", cached.Bytes())
	p.Add("fresh")

	buf := &bytes.Buffer{}
	requireT.NoError(p.Flush(buf, s))

	loaded, err := Load[string](1, 2, bytes.NewReader(buf.Bytes()), s, &atomic.Int64{})
	requireT.NoError(err)
	v, err := loaded.Get(true, s)
	requireT.NoError(err)
	requireT.Equal("cached", v)
	v, err = loaded.Get(true, s)
	requireT.NoError(err)
	requireT.Equal("fresh", v)
}

func TestLoadedSlotsKeepBytes(t *testing.T) {
	requireT := require.New(t)

	p := New[string](1, 2, &atomic.Int64{})
	p.Add("a")
	p.Add("b")
	buf := &bytes.Buffer{}
	requireT.NoError(p.Flush(buf, s))

	loaded, err := Load[string](1, 2, bytes.NewReader(buf.Bytes()), s, &atomic.Int64{})
	requireT.NoError(err)
	for slot := range loaded.ring.Items() {
		requireT.Equal(KindBoth, slot.Kind())
	}

	buf2 := &bytes.Buffer{}
	requireT.NoError(loaded.Flush(buf2, s))
	requireT.Equal(buf.Bytes(), buf2.Bytes())
}

func TestBytesSlotDecodedOnRead(t *testing.T) {
	requireT := require.New(t)

	p := New[string](1, 2, &atomic.Int64{})
	b := &bytes.Buffer{}
	requireT.NoError(s.Encode(b, "lazy"))
	p.AddBytes(b.Bytes())
	p.AddBytes([]byte{0x00})

	v, err := p.Get(true, s)
	requireT.NoError(err)
	requireT.Equal("lazy", v)

	_, err = p.Get(true, s)
	requireT.True(errors.Is(err, ErrCorrupt))
	// Element which can't be decoded stays in the page.
	requireT.Equal(1, p.Len())
}

func TestLoadTruncated(t *testing.T) {
	requireT := require.New(t)

	p := New[string](1, 2, &atomic.Int64{})
	p.Add("a")
	p.Add("b")
	buf := &bytes.Buffer{}
	requireT.NoError(p.Flush(buf, s))

	for _, size := range []int{0, 2, 4, buf.Len() - 1} {
		_, err := Load[string](1, 2, bytes.NewReader(buf.Bytes()[:size]), s, &atomic.Int64{})
		requireT.True(errors.Is(err, ErrCorrupt), size)
	}
}

func TestLoadNegativeCount(t *testing.T) {
	_, err := Load[string](1, 2, bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), s, &atomic.Int64{})
	require.True(t, errors.Is(err, ErrCorrupt))
}

func TestLoadGrowsCapacity(t *testing.T) {
	requireT := require.New(t)

	p := New[string](1, 4, &atomic.Int64{})
	for _, v := range []string{"a", "b", "c", "d"} {
		p.Add(v)
	}
	buf := &bytes.Buffer{}
	requireT.NoError(p.Flush(buf, s))

	loaded, err := Load[string](1, 2, bytes.NewReader(buf.Bytes()), s, &atomic.Int64{})
	requireT.NoError(err)
	requireT.Equal(4, loaded.Len())
	requireT.True(loaded.IsFull())
}

func TestDrainTo(t *testing.T) {
	requireT := require.New(t)

	live := &atomic.Int64{}
	p := New[string](1, 4, live)
	for _, v := range []string{"a", "b", "c", "d"} {
		p.Add(v)
	}

	var out []string
	count, err := p.DrainTo(func(v string) { out = append(out, v) }, 1, 3, s)
	requireT.NoError(err)
	requireT.Equal(3, count)
	requireT.Equal([]string{"a", "b"}, out)
	requireT.EqualValues(2, live.Load())

	count, err = p.DrainTo(func(v string) { out = append(out, v) }, 0, 10, s)
	requireT.NoError(err)
	requireT.Equal(2, count)
	requireT.Equal([]string{"a", "b", "c", "d"}, out)
	requireT.True(p.IsEmpty())
	requireT.Zero(live.Load())
}

func TestEncodedCacheInvalidated(t *testing.T) {
	requireT := require.New(t)

	p := New[string](1, 2, &atomic.Int64{})
	p.Add("a")
	p.SetEncoded([]byte{0x01})
	requireT.Equal([]byte{0x01}, p.Encoded())

	p.Add("b")
	requireT.Nil(p.Encoded())

	p.SetEncoded([]byte{0x02})
	_, err := p.Get(false, s)
	requireT.NoError(err)
	requireT.NotNil(p.Encoded())

	_, err = p.Get(true, s)
	requireT.NoError(err)
	requireT.Nil(p.Encoded())
}

func TestFlushEmptyPanics(t *testing.T) {
	p := New[string](1, 2, &atomic.Int64{})
	require.Panics(t, func() {
		_ = p.Flush(&bytes.Buffer{}, s)
	})
}
