package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// UninitializedOffset is the sentinel StoreFindToken.Offset/IndexStartOffset
// value meaning "not set".
const UninitializedOffset int64 = -1

// tokenWireVersion is written into every serialized token.
const tokenWireVersion uint16 = 1

// StoreFindToken is the resumable cursor FindEntriesSince hands back to a
// replication consumer. It has two shapes: journal-shape (Offset
// set, IndexStartOffset uninitialized, StoreKey nil) and segment-shape
// (IndexStartOffset set to a segment's startOffset, StoreKey the last key
// returned from it, Offset uninitialized).
type StoreFindToken struct {
	SessionID        uuid.UUID
	Offset           int64
	IndexStartOffset int64
	StoreKey         StoreKey
	// BytesRead is a producer-only annotation: the consumer's lag/position
	// indicator. It is never serialized.
	BytesRead uint64
}

// newJournalToken builds a journal-shape token.
func newJournalToken(sessionID uuid.UUID, offset int64) StoreFindToken {
	return StoreFindToken{
		SessionID:        sessionID,
		Offset:           offset,
		IndexStartOffset: UninitializedOffset,
	}
}

// newSegmentToken builds a segment-shape token.
func newSegmentToken(sessionID uuid.UUID, indexStartOffset uint64, key StoreKey) StoreFindToken {
	return StoreFindToken{
		SessionID:        sessionID,
		Offset:           UninitializedOffset,
		IndexStartOffset: int64(indexStartOffset),
		StoreKey:         key,
	}
}

// IsJournalShape reports whether this token resumes from the journal (or an
// uninitialized start).
func (t StoreFindToken) IsJournalShape() bool {
	return t.IndexStartOffset == UninitializedOffset
}

// Marshal encodes the token in its big-endian wire format: version:u16 |
// sessionIdLen:u32 | sessionId[sessionIdLen] (UTF-8 UUID string) |
// offset:i64 | indexStartOffset:i64 | (if indexStartOffset != -1)
// storeKey:variable. The session ID's length is taken from its actual
// encoded form, never a fixed constant.
func (t StoreFindToken) Marshal() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, tokenWireVersion); err != nil {
		return nil, err
	}

	sid := t.SessionID.String()
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(sid))); err != nil {
		return nil, err
	}
	buf.WriteString(sid)

	if err := binary.Write(&buf, binary.BigEndian, t.Offset); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, t.IndexStartOffset); err != nil {
		return nil, err
	}

	if t.IndexStartOffset != UninitializedOffset {
		if t.StoreKey == nil {
			return nil, fmt.Errorf("%w: segment-shape token missing store key", ErrInvalidArgument)
		}
		if _, err := t.StoreKey.WriteTo(&buf); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// UnmarshalStoreFindToken decodes a token previously produced by Marshal.
// keyFactory is only consulted when the token is segment-shaped.
func UnmarshalStoreFindToken(b []byte, keyFactory StoreKeyFactory) (StoreFindToken, error) {
	r := bytes.NewReader(b)

	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return StoreFindToken{}, err
	}
	if version != tokenWireVersion {
		return StoreFindToken{}, fmt.Errorf("%w: unsupported token version %d", ErrInvalidArgument, version)
	}

	var sidLen uint32
	if err := binary.Read(r, binary.BigEndian, &sidLen); err != nil {
		return StoreFindToken{}, err
	}
	sidBytes := make([]byte, sidLen)
	if _, err := io.ReadFull(r, sidBytes); err != nil {
		return StoreFindToken{}, err
	}
	sid, err := uuid.Parse(string(sidBytes))
	if err != nil {
		return StoreFindToken{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	var offset, indexStartOffset int64
	if err := binary.Read(r, binary.BigEndian, &offset); err != nil {
		return StoreFindToken{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &indexStartOffset); err != nil {
		return StoreFindToken{}, err
	}

	t := StoreFindToken{
		SessionID:        sid,
		Offset:           offset,
		IndexStartOffset: indexStartOffset,
	}

	if indexStartOffset != UninitializedOffset {
		if keyFactory == nil {
			return StoreFindToken{}, fmt.Errorf("%w: segment-shape token requires a key factory", ErrInvalidArgument)
		}
		key, err := keyFactory.GetStoreKey(r)
		if err != nil {
			return StoreFindToken{}, err
		}
		t.StoreKey = key
	}

	return t, nil
}
