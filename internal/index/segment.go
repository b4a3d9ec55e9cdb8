package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/tysonmote/gommap"
)

// segmentFileVersion is written into every segment file's header.
const segmentFileVersion uint16 = 1

// segmentHeaderSize is the fixed width of a segment file's header:
// version:u16 | keySize:u32 | valueSize:u32 | startOffset:u64 |
// endOffset:u64 | numEntries:u32.
const segmentHeaderSize = 2 + 4 + 4 + 8 + 8 + 4

// endOffsetEmpty is an IndexSegment's endOffset before it has received any
// entry.
const endOffsetEmpty int64 = -1

// IndexSegment is a sorted key->value map over a contiguous range of the
// log. While mutable it holds entries in an in-memory ordered map; once
// mapped its on-disk image "<startOffset>_<name>.index" is memory-mapped,
// read-only, and binary-searched.
type IndexSegment struct {
	dir         string
	name        string
	startOffset uint64
	endOffset   int64 // endOffsetEmpty sentinel until the first entry lands

	keySize   int
	valueSize int

	mapped bool

	// Mutable-state fields. Cleared once mapped.
	order  []StoreKey // ascending by Compare, unique
	values map[string]*IndexValue

	// Mapped-state fields.
	file   *os.File
	mmap   gommap.MMap
	bloom  *bloom.BloomFilter
	nItems int

	bloomFPRate float64
	keyFactory  StoreKeyFactory
}

// newIndexSegment creates an empty, mutable segment at the given
// startOffset, to be written under dir as "<startOffset>_<name>.index".
// keyFactory deserializes keys read back from a mapped or reloaded segment
// file.
func newIndexSegment(dir, name string, startOffset uint64, bloomFPRate float64, keyFactory StoreKeyFactory) *IndexSegment {
	return &IndexSegment{
		dir:         dir,
		name:        name,
		startOffset: startOffset,
		endOffset:   endOffsetEmpty,
		values:      make(map[string]*IndexValue),
		bloomFPRate: bloomFPRate,
		keyFactory:  keyFactory,
	}
}

func (s *IndexSegment) segmentPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%s.index", s.startOffset, s.name))
}

func (s *IndexSegment) bloomPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%s%s", s.startOffset, s.name, bloomFileSuffix))
}

// StartOffset returns the segment's identity: the log offset of the first
// byte it covers.
func (s *IndexSegment) StartOffset() uint64 { return s.startOffset }

// EndOffset returns the log offset immediately past the last byte covered,
// and whether the segment has received any entry at all.
func (s *IndexSegment) EndOffset() (uint64, bool) {
	if s.endOffset == endOffsetEmpty {
		return 0, false
	}
	return uint64(s.endOffset), true
}

// IsMapped reports whether the segment is in its immutable, memory-mapped
// state.
func (s *IndexSegment) IsMapped() bool { return s.mapped }

// KeySize returns the fixed width every key in this segment shares. Zero
// until the first entry lands.
func (s *IndexSegment) KeySize() int { return s.keySize }

// ValueSize returns the fixed width of values in this segment.
func (s *IndexSegment) ValueSize() int { return s.valueSize }

// NumberOfItems returns how many entries the segment currently holds.
func (s *IndexSegment) NumberOfItems() int {
	if s.mapped {
		return s.nItems
	}
	return len(s.order)
}

// SizeWritten projects the on-disk size of the segment's file given its
// current contents.
func (s *IndexSegment) SizeWritten() uint64 {
	n := s.NumberOfItems()
	if n == 0 {
		return 0
	}
	return uint64(segmentHeaderSize + n*(s.keySize+s.valueSize) + 4)
}

// addEntry appends entry to the segment, rolling endOffset forward to
// newEndOffset. Preconditions: the segment is mutable, entry.Key's width
// matches the segment's keySize (or this is the first entry), and
// newEndOffset >= the current endOffset.
func (s *IndexSegment) addEntry(entry IndexEntry, newEndOffset uint64) error {
	if s.mapped {
		return fmt.Errorf("%w: cannot add entry to a mapped segment", ErrInvalidArgument)
	}
	if err := checkOffsetRange(newEndOffset); err != nil {
		return err
	}
	if err := s.checkKeyWidth(entry.Key); err != nil {
		return err
	}
	if cur, ok := s.EndOffset(); ok && newEndOffset < cur {
		return fmt.Errorf("%w: new end offset %d precedes current end offset %d", ErrInvalidArgument, newEndOffset, cur)
	}

	s.insertLocked(entry.Key, entry.Value)
	s.endOffset = int64(newEndOffset)
	return nil
}

// addEntries is the batched form of addEntry: every entry in list is
// inserted, and endOffset rolls forward to newEndOffset once at the end.
func (s *IndexSegment) addEntries(list []IndexEntry, newEndOffset uint64) error {
	if s.mapped {
		return fmt.Errorf("%w: cannot add entries to a mapped segment", ErrInvalidArgument)
	}
	if err := checkOffsetRange(newEndOffset); err != nil {
		return err
	}
	if cur, ok := s.EndOffset(); ok && newEndOffset < cur {
		return fmt.Errorf("%w: new end offset %d precedes current end offset %d", ErrInvalidArgument, newEndOffset, cur)
	}
	for _, e := range list {
		if err := s.checkKeyWidth(e.Key); err != nil {
			return err
		}
	}
	for _, e := range list {
		s.insertLocked(e.Key, e.Value)
	}
	s.endOffset = int64(newEndOffset)
	return nil
}

// checkOffsetRange rejects an end offset the segment cannot store: offsets
// live in int64 fields, so anything past math.MaxInt64 would flip negative
// and corrupt every downstream offset comparison.
func checkOffsetRange(newEndOffset uint64) error {
	if newEndOffset > math.MaxInt64 {
		return fmt.Errorf("%w: end offset %d overflows the signed offset range", ErrInvalidArgument, newEndOffset)
	}
	return nil
}

func (s *IndexSegment) checkKeyWidth(k StoreKey) error {
	if s.keySize == 0 {
		s.keySize = k.SizeInBytes()
		s.valueSize = IndexValueSize
		return nil
	}
	if k.SizeInBytes() != s.keySize {
		return fmt.Errorf("%w: key width %d does not match segment key width %d", ErrInvalidArgument, k.SizeInBytes(), s.keySize)
	}
	return nil
}

// insertLocked inserts or overwrites key's value. A repeated key is
// last-write-wins in place, which is how delete replay rewrites
// a value's offset/size/flags without disturbing sort order.
func (s *IndexSegment) insertLocked(key StoreKey, value IndexValue) {
	ks := keyString(key)
	if v, ok := s.values[ks]; ok {
		*v = value
		return
	}
	v := value
	s.values[ks] = &v

	i := sort.Search(len(s.order), func(i int) bool {
		return s.order[i].Compare(key) >= 0
	})
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = key
}

// find looks up key, checking the bloom filter first when mapped.
func (s *IndexSegment) find(key StoreKey) (IndexValue, bool, error) {
	if !s.mapped {
		v, ok := s.values[keyString(key)]
		if !ok {
			return IndexValue{}, false, nil
		}
		return *v, true, nil
	}

	kb := keyBytes(key)
	if s.bloom != nil && !s.bloom.Test(kb) {
		return IndexValue{}, false, nil
	}

	idx, ok, err := s.binarySearch(kb)
	if err != nil {
		return IndexValue{}, false, err
	}
	if !ok {
		return IndexValue{}, false, nil
	}
	return s.recordValueAt(idx), true, nil
}

// binarySearch locates kb's record index in the mapped records region.
func (s *IndexSegment) binarySearch(kb []byte) (int, bool, error) {
	recWidth := s.keySize + s.valueSize
	lo, hi := 0, s.nItems-1
	for lo <= hi {
		mid := (lo + hi) / 2
		off := segmentHeaderSize + mid*recWidth
		mk := s.mmap[off : off+s.keySize]
		c := bytes.Compare(kb, mk)
		switch {
		case c == 0:
			return mid, true, nil
		case c < 0:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return 0, false, nil
}

func (s *IndexSegment) recordValueAt(idx int) IndexValue {
	recWidth := s.keySize + s.valueSize
	off := segmentHeaderSize + idx*recWidth + s.keySize
	return UnmarshalIndexValue(s.mmap[off : off+s.valueSize])
}

func (s *IndexSegment) recordKeyAt(idx int) []byte {
	recWidth := s.keySize + s.valueSize
	off := segmentHeaderSize + idx*recWidth
	return s.mmap[off : off+s.keySize]
}

// getEntriesSince appends into out every entry strictly greater than
// afterKey (all entries when afterKey is nil), in ascending key order,
// accumulating Value.Size into sizeAcc and stopping once sizeAcc reaches
// maxBytes.
func (s *IndexSegment) getEntriesSince(afterKey StoreKey, maxBytes uint64, out *[]IndexEntry, sizeAcc *uint64) error {
	if !s.mapped {
		start := 0
		if afterKey != nil {
			start = sort.Search(len(s.order), func(i int) bool {
				return s.order[i].Compare(afterKey) > 0
			})
		}
		for i := start; i < len(s.order); i++ {
			if *sizeAcc >= maxBytes {
				return nil
			}
			k := s.order[i]
			v := *s.values[keyString(k)]
			*out = append(*out, IndexEntry{Key: k, Value: v})
			*sizeAcc += v.Size
		}
		return nil
	}

	recWidth := s.keySize + s.valueSize
	start := 0
	if afterKey != nil {
		akb := keyBytes(afterKey)
		start = sort.Search(s.nItems, func(i int) bool {
			off := segmentHeaderSize + i*recWidth
			return bytes.Compare(s.mmap[off:off+s.keySize], akb) > 0
		})
	}
	for i := start; i < s.nItems; i++ {
		if *sizeAcc >= maxBytes {
			return nil
		}
		kb := append([]byte(nil), s.recordKeyAt(i)...)
		v := s.recordValueAt(i)
		key, err := s.decodeKey(kb)
		if err != nil {
			return err
		}
		*out = append(*out, IndexEntry{Key: key, Value: v})
		*sizeAcc += v.Size
	}
	return nil
}

// decodeKey wraps raw on-disk key bytes back into a StoreKey via the
// segment's configured StoreKeyFactory.
func (s *IndexSegment) decodeKey(kb []byte) (StoreKey, error) {
	return s.keyFactory.GetStoreKey(bytes.NewReader(kb))
}

// writeIndexToFile serializes (header, sorted records up to
// endOffsetAtFlush) atomically: write to a temp file, fsync, rename.
func (s *IndexSegment) writeIndexToFile(endOffsetAtFlush uint64) error {
	if s.mapped {
		return fmt.Errorf("%w: segment already mapped", ErrIOError)
	}

	path := s.segmentPath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	var records []StoreKey
	for _, k := range s.order {
		if s.values[keyString(k)].Offset < endOffsetAtFlush {
			records = append(records, k)
		}
	}

	var buf bytes.Buffer
	header := make([]byte, segmentHeaderSize)
	binary.BigEndian.PutUint16(header[0:2], segmentFileVersion)
	binary.BigEndian.PutUint32(header[2:6], uint32(s.keySize))
	binary.BigEndian.PutUint32(header[6:10], uint32(s.valueSize))
	binary.BigEndian.PutUint64(header[10:18], s.startOffset)
	binary.BigEndian.PutUint64(header[18:26], endOffsetAtFlush)
	binary.BigEndian.PutUint32(header[26:30], uint32(len(records)))
	buf.Write(header)

	for _, k := range records {
		kb := keyBytes(k)
		if len(kb) != s.keySize {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("%w: key %v width %d does not match segment key width %d", ErrIndexCreationFailure, k, len(kb), s.keySize)
		}
		buf.Write(kb)
		buf.Write(s.values[keyString(k)].MarshalBinary())
	}

	checksum := crc32.ChecksumIEEE(buf.Bytes())
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if err := binary.Write(f, binary.BigEndian, checksum); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrIOError, err)
	}

	if bf := buildBloomFilter(s.bloomFPRate, records); bf != nil {
		if err := writeBloomFile(s.bloomPath(), bf); err != nil {
			return fmt.Errorf("%w: %v", ErrIOError, err)
		}
	}

	return nil
}

// mapSegment memory-maps the segment's on-disk file, dropping the in-memory
// map and transitioning the segment into its immutable, mapped state. The
// transition is one-way for a given segment instance.
func (s *IndexSegment) mapSegment(readOnly bool) error {
	if s.mapped {
		return nil
	}

	path := s.segmentPath()
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}

	prot := gommap.PROT_READ
	if !readOnly {
		prot |= gommap.PROT_WRITE
	}
	m, err := gommap.Map(f.Fd(), prot, gommap.MAP_SHARED)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}

	if fi.Size() < segmentHeaderSize+4 {
		f.Close()
		return fmt.Errorf("%w: segment file %s smaller than header+checksum", ErrIndexCreationFailure, path)
	}

	version := binary.BigEndian.Uint16(m[0:2])
	if version != segmentFileVersion {
		f.Close()
		return fmt.Errorf("%w: segment file %s has unsupported version %d", ErrIndexCreationFailure, path, version)
	}
	keySize := int(binary.BigEndian.Uint32(m[2:6]))
	valueSize := int(binary.BigEndian.Uint32(m[6:10]))
	startOffset := binary.BigEndian.Uint64(m[10:18])
	endOffset := binary.BigEndian.Uint64(m[18:26])
	numEntries := int(binary.BigEndian.Uint32(m[26:30]))

	recordsEnd := segmentHeaderSize + numEntries*(keySize+valueSize)
	wantSize := recordsEnd + 4
	if int(fi.Size()) != wantSize {
		f.Close()
		return fmt.Errorf("%w: segment file %s size %d does not match header (want %d)", ErrIndexCreationFailure, path, fi.Size(), wantSize)
	}

	want := crc32.ChecksumIEEE(m[:recordsEnd])
	got := binary.BigEndian.Uint32(m[recordsEnd : recordsEnd+4])
	if want != got {
		f.Close()
		return fmt.Errorf("%w: segment file %s failed checksum", ErrIndexCreationFailure, path)
	}

	bf, err := loadBloomFile(s.bloomPath())
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}

	s.file = f
	s.mmap = m
	s.keySize = keySize
	s.valueSize = valueSize
	s.startOffset = startOffset
	s.endOffset = int64(endOffset)
	s.nItems = numEntries
	s.bloom = bf
	s.mapped = true
	s.order = nil
	s.values = nil

	return nil
}

// close releases the segment's resources: syncing and closing the mmap if
// mapped, nothing otherwise (the segment's file is only opened transiently
// by writeIndexToFile while mutable).
func (s *IndexSegment) close() error {
	if !s.mapped || s.file == nil {
		return nil
	}
	if err := s.mmap.Sync(gommap.MS_SYNC); err != nil {
		return err
	}
	return s.file.Close()
}

// remove closes the segment and deletes its files from disk.
func (s *IndexSegment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	if err := os.Remove(s.segmentPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.bloomPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loadIndexSegment reconstructs a segment from an existing file on disk,
// always in mapped state (used for segments found by PersistentIndex's
// startup scan).
func loadIndexSegment(dir, name string, startOffset uint64, bloomFPRate float64, keyFactory StoreKeyFactory) (*IndexSegment, error) {
	s := newIndexSegment(dir, name, startOffset, bloomFPRate, keyFactory)
	if err := s.mapSegment(true); err != nil {
		return nil, err
	}
	return s, nil
}

// loadIndexSegmentMutable reconstructs a segment from an existing file on
// disk back into mutable state, re-reading its persisted records into the
// in-memory map. PersistentIndex's construction keeps the last two segments
// on disk mutable this way, so recovery can continue writing into them
// before they are rewritten by the persistor.
func loadIndexSegmentMutable(dir, name string, startOffset uint64, bloomFPRate float64, keyFactory StoreKeyFactory) (*IndexSegment, error) {
	s := newIndexSegment(dir, name, startOffset, bloomFPRate, keyFactory)

	f, err := os.Open(s.segmentPath())
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if len(data) < segmentHeaderSize+4 {
		return nil, fmt.Errorf("%w: segment file %s truncated", ErrIndexCreationFailure, s.segmentPath())
	}

	keySize := int(binary.BigEndian.Uint32(data[2:6]))
	valueSize := int(binary.BigEndian.Uint32(data[6:10]))
	endOffset := binary.BigEndian.Uint64(data[18:26])
	numEntries := int(binary.BigEndian.Uint32(data[26:30]))

	recordsEnd := segmentHeaderSize + numEntries*(keySize+valueSize)
	if len(data) != recordsEnd+4 {
		return nil, fmt.Errorf("%w: segment file %s size mismatch", ErrIndexCreationFailure, s.segmentPath())
	}
	want := crc32.ChecksumIEEE(data[:recordsEnd])
	got := binary.BigEndian.Uint32(data[recordsEnd : recordsEnd+4])
	if want != got {
		return nil, fmt.Errorf("%w: segment file %s failed checksum", ErrIndexCreationFailure, s.segmentPath())
	}

	s.keySize = keySize
	s.valueSize = valueSize
	s.endOffset = int64(endOffset)

	recWidth := keySize + valueSize
	for i := 0; i < numEntries; i++ {
		off := segmentHeaderSize + i*recWidth
		kb := append([]byte(nil), data[off:off+keySize]...)
		key, err := s.keyFactory.GetStoreKey(bytes.NewReader(kb))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
		}
		v := UnmarshalIndexValue(data[off+keySize : off+recWidth])
		s.order = append(s.order, key)
		s.values[keyString(key)] = &v
	}

	return s, nil
}
