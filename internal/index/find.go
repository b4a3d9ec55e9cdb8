package index

import "fmt"

// FindInfo is what FindEntriesSince hands back to a replication consumer:
// the message entries found plus the token to resume from on the next call.
type FindInfo struct {
	MessageEntries []MessageInfo
	FindToken      StoreFindToken
}

// FindEntriesSince returns the entries written after the position token
// describes, up to maxTotalSizeOfEntries accumulated bytes, together with a
// new resumable token. Recent positions are served out of the journal;
// older positions fall back to an ascending segment walk.
func (pi *PersistentIndex) FindEntriesSince(token StoreFindToken, maxTotalSizeOfEntries uint64) (FindInfo, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	logEndOffsetBeforeFind := pi.log.GetLogEndOffset()

	token, err := pi.revalidateTokenLocked(token)
	if err != nil {
		return FindInfo{}, err
	}

	if token.IsJournalShape() {
		offsetToStart := uint64(0)
		inclusive := token.Offset == UninitializedOffset
		if !inclusive {
			offsetToStart = uint64(token.Offset)
		}

		journalEntries, ok := pi.journal.getEntriesSince(offsetToStart, inclusive)
		if ok {
			var msgs []MessageInfo
			offsetEnd := token.Offset
			var lastEntrySize uint64
			var acc uint64
			for _, je := range journalEntries {
				if acc >= maxTotalSizeOfEntries {
					break
				}
				// Dereference through findKey so flags and sizes reflect
				// the key's latest state, not the state at insertion time.
				v, found, err := pi.findKeyLocked(je.key)
				if err != nil {
					return FindInfo{}, err
				}
				if !found {
					continue
				}
				msgs = append(msgs, messageInfoFromValue(je.key, v))
				acc += v.Size
				offsetEnd = int64(je.offset)
				lastEntrySize = v.Size
			}

			msgs = eliminateDuplicates(msgs)
			newToken := newJournalToken(pi.sessionID, offsetEnd)
			if len(msgs) == 0 {
				newToken.BytesRead = logEndOffsetBeforeFind
			} else {
				newToken.BytesRead = uint64(offsetEnd) + lastEntrySize
			}
			return FindInfo{MessageEntries: msgs, FindToken: newToken}, nil
		}

		// The requested position fell out of the journal's retained window:
		// walk segments starting from the one whose range contains it.
		floor, ok := pi.floorSegmentLocked(offsetToStart)
		if !ok {
			echoed := token
			echoed.BytesRead = pi.bytesReadFor(echoed, false, 0, logEndOffsetBeforeFind)
			return FindInfo{FindToken: echoed}, nil
		}
		return pi.findEntriesFromOffsetLocked(floor.StartOffset(), nil, maxTotalSizeOfEntries, logEndOffsetBeforeFind)
	}

	return pi.findEntriesFromOffsetLocked(uint64(token.IndexStartOffset), token.StoreKey, maxTotalSizeOfEntries, logEndOffsetBeforeFind)
}

// revalidateTokenLocked handles a token issued by an earlier session. After
// an unclean shutdown the uncommitted tail is lost, so a token pointing past
// what this startup recovered is silently rewound to the recovered end. A
// cleanly shut down index cannot have forgotten committed bytes, so the same
// token is rejected instead.
func (pi *PersistentIndex) revalidateTokenLocked(token StoreFindToken) (StoreFindToken, error) {
	if token.SessionID == pi.sessionID {
		return token, nil
	}

	var pointsPast bool
	if token.IsJournalShape() {
		pointsPast = token.Offset != UninitializedOffset && uint64(token.Offset) > pi.logEndOffsetOnStartup
	} else {
		pointsPast = uint64(token.IndexStartOffset) > pi.logEndOffsetOnStartup
	}
	if !pointsPast {
		return token, nil
	}

	if pi.cleanShutdown {
		return StoreFindToken{}, fmt.Errorf(
			"%w: token points past the log end offset %d known at startup",
			ErrInvalidArgument, pi.logEndOffsetOnStartup,
		)
	}
	return newJournalToken(pi.sessionID, int64(pi.logEndOffsetOnStartup)), nil
}

// floorSegmentLocked returns the segment with the largest startOffset <=
// offset, if any.
func (pi *PersistentIndex) floorSegmentLocked(offset uint64) (*IndexSegment, bool) {
	for i := len(pi.segments) - 1; i >= 0; i-- {
		if pi.segments[i].StartOffset() <= offset {
			return pi.segments[i], true
		}
	}
	return nil, false
}

// findEntriesFromOffsetLocked walks segments in ascending order starting at
// the segment whose startOffset equals startOffset, collecting entries
// strictly after afterKey in the starting segment and all entries in later
// ones, until maxBytes accumulates. The starting segment is iterated even
// when it is the active one; a later segment that is the active one is not,
// as reaching it switches the walk over to the journal, whose offset order
// matches insertion order.
func (pi *PersistentIndex) findEntriesFromOffsetLocked(startOffset uint64, afterKey StoreKey, maxBytes uint64, logEndOffsetBeforeFind uint64) (FindInfo, error) {
	i := -1
	for j, seg := range pi.segments {
		if seg.StartOffset() == startOffset {
			i = j
			break
		}
	}
	if i < 0 {
		return FindInfo{}, fmt.Errorf("%w: no segment starts at offset %d", ErrInvalidArgument, startOffset)
	}

	var out []IndexEntry
	var acc uint64
	if err := pi.segments[i].getEntriesSince(afterKey, maxBytes, &out, &acc); err != nil {
		return FindInfo{}, err
	}

	lastSegmentStart := startOffset
	msgs := make([]MessageInfo, 0, len(out))
	var lastKey StoreKey
	for _, e := range out {
		msgs = append(msgs, messageInfoFromValue(e.Key, e.Value))
		lastKey = e.Key
	}

	offsetEnd := UninitializedOffset
	var lastEntrySize uint64

	for acc < maxBytes && i+1 < len(pi.segments) {
		i++
		seg := pi.segments[i]

		if i != len(pi.segments)-1 {
			out = out[:0]
			if err := seg.getEntriesSince(nil, maxBytes, &out, &acc); err != nil {
				return FindInfo{}, err
			}
			for _, e := range out {
				msgs = append(msgs, messageInfoFromValue(e.Key, e.Value))
				lastKey = e.Key
			}
			lastSegmentStart = seg.StartOffset()
			continue
		}

		journalEntries, ok := pi.journal.getEntriesSince(seg.StartOffset(), true)
		if ok {
			for _, je := range journalEntries {
				if acc >= maxBytes {
					break
				}
				v, found, err := pi.findKeyLocked(je.key)
				if err != nil {
					return FindInfo{}, err
				}
				if !found {
					continue
				}
				msgs = append(msgs, messageInfoFromValue(je.key, v))
				acc += v.Size
				offsetEnd = int64(je.offset)
				lastEntrySize = v.Size
			}
		}
		break
	}

	msgs = eliminateDuplicates(msgs)

	var newToken StoreFindToken
	switch {
	case offsetEnd != UninitializedOffset:
		newToken = newJournalToken(pi.sessionID, offsetEnd)
	case lastKey != nil:
		newToken = newSegmentToken(pi.sessionID, lastSegmentStart, lastKey)
	case afterKey != nil:
		// Nothing newer than the caller's position: resume where they were.
		newToken = newSegmentToken(pi.sessionID, startOffset, afterKey)
	default:
		newToken = newJournalToken(pi.sessionID, UninitializedOffset)
	}
	newToken.BytesRead = pi.bytesReadFor(newToken, offsetEnd != UninitializedOffset, lastEntrySize, logEndOffsetBeforeFind)

	return FindInfo{MessageEntries: msgs, FindToken: newToken}, nil
}

// bytesReadFor computes the lag indicator stamped into a result token. It is
// always <= the log end offset observed at the start of the call.
func (pi *PersistentIndex) bytesReadFor(token StoreFindToken, producedJournalEntries bool, lastEntrySize uint64, logEndOffsetBeforeFind uint64) uint64 {
	if token.Offset == UninitializedOffset {
		if token.IndexStartOffset == UninitializedOffset {
			return 0
		}
		return uint64(token.IndexStartOffset)
	}
	if producedJournalEntries {
		return uint64(token.Offset) + lastEntrySize
	}
	return logEndOffsetBeforeFind
}

// eliminateDuplicates keeps only the latest occurrence of each key, so a key
// inserted then deleted within one scan surfaces only as its delete.
func eliminateDuplicates(entries []MessageInfo) []MessageInfo {
	if len(entries) < 2 {
		return entries
	}
	seen := make(map[string]struct{}, len(entries))
	out := make([]MessageInfo, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		ks := keyString(entries[i].StoreKey)
		if _, ok := seen[ks]; ok {
			continue
		}
		seen[ks] = struct{}{}
		out = append(out, entries[i])
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func messageInfoFromValue(key StoreKey, v IndexValue) MessageInfo {
	return MessageInfo{
		StoreKey:           key,
		Size:               v.Size,
		IsDeleted:          v.IsDeleted(),
		ExpirationTimeInMs: v.TimeToLiveInMs,
	}
}
