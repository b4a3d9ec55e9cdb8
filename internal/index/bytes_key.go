package index

import (
	"bytes"
	"fmt"
	"io"
)

// BytesKey is a reference StoreKey implementation: a fixed-width byte
// string. It exists so this package is testable end-to-end and so callers
// have something to reach for without writing their own StoreKey from
// scratch.
type BytesKey struct {
	b []byte
}

// NewBytesKey copies b into a new BytesKey.
func NewBytesKey(b []byte) BytesKey {
	return BytesKey{b: append([]byte(nil), b...)}
}

func (k BytesKey) Compare(other StoreKey) int {
	o, ok := other.(BytesKey)
	if !ok {
		return bytes.Compare([]byte(k.String()), []byte(other.String()))
	}
	return bytes.Compare(k.b, o.b)
}

func (k BytesKey) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(k.b)
	return int64(n), err
}

func (k BytesKey) SizeInBytes() int {
	return len(k.b)
}

func (k BytesKey) String() string {
	return fmt.Sprintf("%x", k.b)
}

// Bytes returns the key's raw byte form.
func (k BytesKey) Bytes() []byte {
	return k.b
}

// BytesKeyFactory deserializes BytesKey values of a fixed width.
type BytesKeyFactory struct {
	KeySize int
}

func (f BytesKeyFactory) GetStoreKey(r io.Reader) (StoreKey, error) {
	b := make([]byte, f.KeySize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return BytesKey{b: b}, nil
}
