package index

import "bytes"

// keyBytes renders a StoreKey to its serialized byte form.
func keyBytes(k StoreKey) []byte {
	var buf bytes.Buffer
	_, _ = k.WriteTo(&buf)
	return buf.Bytes()
}

// keyString is keyBytes wrapped as a string, for use as a map key.
func keyString(k StoreKey) string {
	return string(keyBytes(k))
}
