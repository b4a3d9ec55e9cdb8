package index

import (
	"encoding/binary"
	"time"
)

// IndexValueSize is the fixed on-disk width of an IndexValue record: 8 bytes
// offset, 8 bytes size, 1 byte flags, 8 bytes ttl.
const IndexValueSize = 8 + 8 + 1 + 8

// NeverExpires is the sentinel timeToLiveInMs meaning "never expires".
const NeverExpires int64 = -1

// Flag bits for IndexValue.Flags. FlagDeleteIndex marks a value as a delete
// tombstone pointing at the log offset of the delete marker record rather
// than the original blob.
const (
	FlagDeleteIndex uint8 = 1 << 0
)

// IndexValue is the fixed-width record an IndexSegment stores per key.
type IndexValue struct {
	Offset         uint64
	Size           uint64
	Flags          uint8
	TimeToLiveInMs int64
}

// SetFlag sets the given flag bit.
func (v *IndexValue) SetFlag(flag uint8) {
	v.Flags |= flag
}

// IsFlagSet reports whether the given flag bit is set.
func (v IndexValue) IsFlagSet(flag uint8) bool {
	return v.Flags&flag != 0
}

// SetNewOffset rewrites the value's offset in place, used to point an
// existing map entry at a new log record (e.g. delete replay).
func (v *IndexValue) SetNewOffset(offset uint64) {
	v.Offset = offset
}

// SetNewSize rewrites the value's size in place.
func (v *IndexValue) SetNewSize(size uint64) {
	v.Size = size
}

// IsExpired reports whether the value's expiration has passed as of now.
func (v IndexValue) IsExpired(now time.Time) bool {
	if v.TimeToLiveInMs == NeverExpires {
		return false
	}
	return v.TimeToLiveInMs <= now.UnixMilli()
}

// IsDeleted reports whether the Delete_Index flag is set.
func (v IndexValue) IsDeleted() bool {
	return v.IsFlagSet(FlagDeleteIndex)
}

// MarshalBinary encodes the value into its fixed-width on-disk form.
func (v IndexValue) MarshalBinary() []byte {
	b := make([]byte, IndexValueSize)
	binary.BigEndian.PutUint64(b[0:8], v.Offset)
	binary.BigEndian.PutUint64(b[8:16], v.Size)
	b[16] = v.Flags
	binary.BigEndian.PutUint64(b[17:25], uint64(v.TimeToLiveInMs))
	return b
}

// UnmarshalIndexValue decodes a fixed-width IndexValue from b, which must be
// at least IndexValueSize bytes.
func UnmarshalIndexValue(b []byte) IndexValue {
	return IndexValue{
		Offset:         binary.BigEndian.Uint64(b[0:8]),
		Size:           binary.BigEndian.Uint64(b[8:16]),
		Flags:          b[16],
		TimeToLiveInMs: int64(binary.BigEndian.Uint64(b[17:25])),
	}
}

// IndexEntry bundles a key with its value; used purely as a write-side
// carrier between callers and PersistentIndex.
type IndexEntry struct {
	Key   StoreKey
	Value IndexValue
}
