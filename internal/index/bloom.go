package index

import (
	"io"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
)

// bloomFileSuffix names the optional sibling file a mapped IndexSegment may
// carry alongside its .index file.
const bloomFileSuffix = ".bloom"

// bloomMinKeys is the smallest segment that gets a bloom sidecar; below it
// the binary search is as cheap as the filter probe.
const bloomMinKeys = 8

// buildBloomFilter sizes a filter for the given keys at the configured
// false-positive rate. A zero rate, or a segment smaller than bloomMinKeys,
// yields no filter.
func buildBloomFilter(rate float64, keys []StoreKey) *bloom.BloomFilter {
	if rate <= 0 || len(keys) < bloomMinKeys {
		return nil
	}
	f := bloom.NewWithEstimates(uint(len(keys)), rate)
	for _, k := range keys {
		f.Add(keyBytes(k))
	}
	return f
}

// writeBloomFile persists f to path, atomically via temp-file-then-rename,
// matching the segment file's own write discipline.
func writeBloomFile(path string, f *bloom.BloomFilter) error {
	if f == nil {
		return nil
	}
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.WriteTo(out); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// loadBloomFile reads a sibling .bloom file if present. A missing file is
// not an error: the filter is simply absent, and find falls back straight
// to binary search.
func loadBloomFile(path string) (*bloom.BloomFilter, error) {
	in, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer in.Close()

	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(in); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}
