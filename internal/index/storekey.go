package index

import "io"

// StoreKey is the opaque, comparable key this package indexes. The concrete
// type lives with whatever component owns blob naming, not with the index.
type StoreKey interface {
	// Compare returns a negative number, zero, or a positive number as this
	// key sorts before, equal to, or after other.
	Compare(other StoreKey) int

	// WriteTo serializes the key to w in the implementation's wire form.
	WriteTo(w io.Writer) (int64, error)

	// SizeInBytes returns the fixed on-disk width of this key. All keys
	// sharing a segment must report the same width.
	SizeInBytes() int

	// String renders the key for logs and error messages.
	String() string
}

// StoreKeyFactory deserializes a StoreKey from a byte stream.
type StoreKeyFactory interface {
	GetStoreKey(r io.Reader) (StoreKey, error)
}
