package serializer

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/sugawarayuuta/sonnet"

	"github.com/outofforest/photon"
	"github.com/outofforest/spillq/types"
)

// MaxFrameSize is the maximum size of single length-prefixed element.
const MaxFrameSize = 1 << 30

// Serializer encodes and decodes single queue element.
// Decode must consume exactly the bytes produced by Encode and nothing more.
type Serializer[T any] interface {
	Encode(w io.Writer, v T) error
	Decode(r io.Reader) (T, error)
}

// Bytes stores byte slices with length prefix.
type Bytes struct{}

// Encode encodes byte slice.
func (Bytes) Encode(w io.Writer, v []byte) error {
	return writeFrame(w, v)
}

// Decode decodes byte slice.
func (Bytes) Decode(r io.Reader) ([]byte, error) {
	return readFrame(r)
}

// String stores strings with length prefix.
type String struct{}

// Encode encodes string.
func (String) Encode(w io.Writer, v string) error {
	return writeFrame(w, []byte(v))
}

// Decode decodes string.
func (String) Decode(r io.Reader) (string, error) {
	b, err := readFrame(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// JSON stores values as length-prefixed JSON documents.
type JSON[T any] struct{}

// Encode encodes value.
func (JSON[T]) Encode(w io.Writer, v T) error {
	b, err := sonnet.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}
	return writeFrame(w, b)
}

// Decode decodes value.
func (JSON[T]) Decode(r io.Reader) (T, error) {
	var v T
	b, err := readFrame(r)
	if err != nil {
		return v, err
	}
	if err := sonnet.Unmarshal(b, &v); err != nil {
		return v, errors.WithStack(err)
	}
	return v, nil
}

// Fixed stores values of fixed-size types (no pointers, slices, maps or strings inside) by copying their memory.
// Byte order is the one of the machine, so files are not portable between architectures.
type Fixed[T comparable] struct{}

// Encode encodes value.
func (Fixed[T]) Encode(w io.Writer, v T) error {
	_, err := w.Write(photon.NewFromValue(&v).B)
	return errors.WithStack(err)
}

// Decode decodes value.
func (Fixed[T]) Decode(r io.Reader) (T, error) {
	var v T
	b := make([]byte, len(photon.NewFromValue(&v).B))
	if _, err := io.ReadFull(r, b); err != nil {
		return v, errors.WithStack(err)
	}
	return *photon.FromBytes[T](b), nil
}

func writeFrame(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return errors.Errorf("element of %d bytes exceeds the limit of %d bytes", len(b), MaxFrameSize)
	}
	var prefix [types.LengthPrefixLength]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
	if _, err := w.Write(prefix[:]); err != nil {
		return errors.WithStack(err)
	}
	_, err := w.Write(b)
	return errors.WithStack(err)
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [types.LengthPrefixLength]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.WithStack(err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, errors.Errorf("element size %d exceeds the limit of %d bytes", size, MaxFrameSize)
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, errors.WithStack(err)
	}
	return b, nil
}
