package serializer

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   uint64
	Flag bool
	Seq  [3]int32
}

type document struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

func TestBytesFrame(t *testing.T) {
	requireT := require.New(t)

	buf := &bytes.Buffer{}
	requireT.NoError(Bytes{}.Encode(buf, []byte("abc")))
	requireT.NoError(Bytes{}.Encode(buf, []byte{}))

	requireT.Equal(uint32(3), binary.BigEndian.Uint32(buf.Bytes()[:4]))
	requireT.Equal(4+3+4, buf.Len())

	v, err := Bytes{}.Decode(buf)
	requireT.NoError(err)
	requireT.Equal([]byte("abc"), v)

	v, err = Bytes{}.Decode(buf)
	requireT.NoError(err)
	requireT.Empty(v)

	_, err = Bytes{}.Decode(buf)
	requireT.True(errors.Is(err, io.EOF))
}

func TestStringTruncated(t *testing.T) {
	requireT := require.New(t)

	buf := &bytes.Buffer{}
	requireT.NoError(String{}.Encode(buf, "hello"))

	_, err := String{}.Decode(bytes.NewReader(buf.Bytes()[:6]))
	requireT.True(errors.Is(err, io.ErrUnexpectedEOF))
}

func TestFrameLimit(t *testing.T) {
	requireT := require.New(t)

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	_, err := Bytes{}.Decode(bytes.NewReader(prefix[:]))
	requireT.Error(err)
}

func TestJSON(t *testing.T) {
	requireT := require.New(t)

	s := JSON[document]{}
	buf := &bytes.Buffer{}
	requireT.NoError(s.Encode(buf, document{Name: "a", Tags: []string{"x", "y"}}))
	requireT.NoError(s.Encode(buf, document{Name: "b"}))

	d, err := s.Decode(buf)
	requireT.NoError(err)
	requireT.Equal(document{Name: "a", Tags: []string{"x", "y"}}, d)

	d, err = s.Decode(buf)
	requireT.NoError(err)
	requireT.Equal("b", d.Name)
	requireT.Zero(buf.Len())
}

func TestFixed(t *testing.T) {
	requireT := require.New(t)

	s := Fixed[record]{}
	buf := &bytes.Buffer{}
	r1 := record{ID: 1, Flag: true, Seq: [3]int32{1, -2, 3}}
	r2 := record{ID: 2}
	requireT.NoError(s.Encode(buf, r1))
	size := buf.Len()
	requireT.NoError(s.Encode(buf, r2))
	requireT.Equal(2*size, buf.Len())

	v, err := s.Decode(buf)
	requireT.NoError(err)
	requireT.Equal(r1, v)

	v, err = s.Decode(buf)
	requireT.NoError(err)
	requireT.Equal(r2, v)
}
