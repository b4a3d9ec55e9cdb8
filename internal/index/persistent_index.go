package index

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PersistentIndex owns the ordered map of segments, the journal, the
// external Log, and the session/clean-shutdown bookkeeping that makes find
// tokens resumable across restarts. Segments are held ascending by start
// offset; the last one is the active, mutable segment. Writers must be
// serialized by the caller; reads and the background persistor may run
// concurrently with the single writer.
type PersistentIndex struct {
	mu sync.RWMutex

	dataDir    string
	config     Config
	log        Log
	journal    *Journal
	segments   []*IndexSegment // ascending by StartOffset; last is active
	keyFactory StoreKeyFactory

	sessionID             uuid.UUID
	cleanShutdown         bool
	logEndOffsetOnStartup uint64

	persistor *IndexPersistor
	logger    *zap.Logger
	now       func() time.Time
}

// NewPersistentIndex loads any segment files already in cfg.DataDir,
// recovers the tail against log via recovery, and schedules the background
// persistor.
func NewPersistentIndex(
	cfg Config,
	log Log,
	keyFactory StoreKeyFactory,
	recovery MessageStoreRecovery,
	scheduler Scheduler,
	logger *zap.Logger,
) (*PersistentIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pi := &PersistentIndex{
		dataDir:    cfg.DataDir,
		config:     cfg,
		log:        log,
		keyFactory: keyFactory,
		logger:     logger.Named("persistent_index"),
		now:        time.Now,
	}
	pi.journal = NewJournal(cfg.Journal.MaxNumberOfInMemElements, cfg.Journal.MaxNumberOfEntriesToReturn)

	if err := pi.loadSegments(); err != nil {
		return nil, err
	}

	if err := pi.recover(recovery); err != nil {
		return nil, err
	}

	pi.log.SetLogEndOffset(pi.getCurrentEndOffsetLocked())
	pi.logEndOffsetOnStartup = pi.log.GetLogEndOffset()

	sid, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationError, err)
	}
	pi.sessionID = sid

	cleanShutdown, err := consumeCleanShutdownMarker(pi.dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationError, err)
	}
	pi.cleanShutdown = cleanShutdown

	pi.persistor = newIndexPersistor(pi, pi.logger)
	if scheduler != nil {
		pi.persistor.start(scheduler, cfg)
	}

	return pi, nil
}

// consumeCleanShutdownMarker reports whether the marker was present, and
// deletes it either way: its only job is signalling *this* startup's
// shutdown history, not the next one.
func consumeCleanShutdownMarker(dataDir string) (bool, error) {
	path := markerPath(dataDir)
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	return true, nil
}

// loadSegments scans dataDir for "<startOffset>_<name>.index" files,
// mapping all but the last two read-only and leaving the last two mutable
// for recovery.
func (pi *PersistentIndex) loadSegments() error {
	offsets, err := listSegmentStartOffsets(pi.dataDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIndexCreationFailure, err)
	}

	rate := pi.config.Segment.BloomFilterFalsePositiveRate
	for i, off := range offsets {
		mutable := i >= len(offsets)-2
		var seg *IndexSegment
		var err error
		if mutable {
			seg, err = loadIndexSegmentMutable(pi.dataDir, SegmentFileName, off, rate, pi.keyFactory)
		} else {
			seg, err = loadIndexSegment(pi.dataDir, SegmentFileName, off, rate, pi.keyFactory)
		}
		if err != nil {
			return err
		}
		pi.segments = append(pi.segments, seg)
	}
	return nil
}

func listSegmentStartOffsets(dataDir string) ([]uint64, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var offsets []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".index") {
			continue
		}
		rest := strings.TrimSuffix(name, ".index")
		parts := strings.SplitN(rest, "_", 2)
		if len(parts) != 2 {
			continue
		}
		off, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		offsets = append(offsets, off)
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	return offsets, nil
}

// recover replays the log tail the on-disk segments do not cover: first the
// gap between the second-to-last segment's end and the last segment's
// start, then everything from the last segment's effective end to the log's
// physical size.
func (pi *PersistentIndex) recover(recovery MessageStoreRecovery) error {
	if len(pi.segments) == 0 {
		fresh := newIndexSegment(pi.dataDir, SegmentFileName, 0, pi.config.Segment.BloomFilterFalsePositiveRate, pi.keyFactory)
		pi.segments = append(pi.segments, fresh)
	}

	n := len(pi.segments)
	last := pi.segments[n-1]

	if n >= 2 {
		prev := pi.segments[n-2]
		start := effectiveEndOffset(prev)
		if start < last.StartOffset() {
			if err := pi.recoverInto(recovery, prev, start, last.StartOffset()); err != nil {
				return err
			}
		}
	}

	start := effectiveEndOffset(last)
	end := pi.log.SizeInBytes()
	if start < end {
		if err := pi.recoverInto(recovery, last, start, end); err != nil {
			return err
		}
	}
	return nil
}

func effectiveEndOffset(s *IndexSegment) uint64 {
	if off, ok := s.EndOffset(); ok {
		return off
	}
	return s.StartOffset()
}

func (pi *PersistentIndex) recoverInto(recovery MessageStoreRecovery, target *IndexSegment, start, end uint64) error {
	infos, err := recovery.Recover(pi.log, start, end, pi.keyFactory)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitializationError, err)
	}

	running := start
	for _, info := range infos {
		existing, found, err := pi.findKeyLocked(info.StoreKey)
		if err != nil {
			return err
		}

		var value IndexValue
		if found {
			if !info.IsDeleted {
				return fmt.Errorf("%w: key %v already indexed but recovered message is not a delete", ErrInitializationError, info.StoreKey)
			}
			value = existing
			value.SetFlag(FlagDeleteIndex)
			value.SetNewOffset(running)
			value.SetNewSize(info.Size)
		} else {
			value = IndexValue{Offset: running, Size: info.Size, TimeToLiveInMs: info.ExpirationTimeInMs}
			if info.IsDeleted {
				value.SetFlag(FlagDeleteIndex)
			}
		}

		newEnd := running + info.Size
		if err := target.addEntry(IndexEntry{Key: info.StoreKey, Value: value}, newEnd); err != nil {
			return err
		}
		pi.journal.addEntry(running, info.StoreKey)
		running = newEnd
	}
	return nil
}

// getCurrentEndOffsetLocked returns the maximum FileSpan end offset ever
// passed to a write: the active (last) segment's endOffset.
func (pi *PersistentIndex) getCurrentEndOffsetLocked() uint64 {
	if len(pi.segments) == 0 {
		return 0
	}
	return effectiveEndOffset(pi.segments[len(pi.segments)-1])
}

// GetCurrentEndOffset returns the index's current end offset.
func (pi *PersistentIndex) GetCurrentEndOffset() uint64 {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.getCurrentEndOffsetLocked()
}

// needToRollOverLocked decides whether the next entry needs a fresh active
// segment: no segment exists yet, the active one hit a size or item cap, or
// the incoming key or value width no longer matches.
func (pi *PersistentIndex) needToRollOverLocked(key StoreKey) bool {
	if len(pi.segments) == 0 {
		return true
	}
	active := pi.segments[len(pi.segments)-1]

	if max := pi.config.Segment.MaxInMemoryIndexSizeInBytes; max > 0 && active.SizeWritten() >= max {
		return true
	}
	if max := pi.config.Segment.MaxInMemoryNumElements; max > 0 && uint64(active.NumberOfItems()) >= max {
		return true
	}
	if active.KeySize() != 0 && active.KeySize() != key.SizeInBytes() {
		return true
	}
	if active.ValueSize() != 0 && active.ValueSize() != IndexValueSize {
		return true
	}
	return false
}

func (pi *PersistentIndex) rollOverLocked(newStartOffset uint64) {
	seg := newIndexSegment(pi.dataDir, SegmentFileName, newStartOffset, pi.config.Segment.BloomFilterFalsePositiveRate, pi.keyFactory)
	pi.segments = append(pi.segments, seg)
}

// AddToIndex appends entry to the active segment, rolling over first if
// needed, and mirrors the insert into the journal.
func (pi *PersistentIndex) AddToIndex(entry IndexEntry, span FileSpan) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if err := span.validateAgainst(pi.getCurrentEndOffsetLocked()); err != nil {
		return err
	}
	if pi.needToRollOverLocked(entry.Key) {
		pi.rollOverLocked(entry.Value.Offset)
	}

	active := pi.segments[len(pi.segments)-1]
	if err := active.addEntry(entry, span.End); err != nil {
		return err
	}
	pi.journal.addEntry(entry.Value.Offset, entry.Key)
	return nil
}

// AddEntriesToIndex is the batched form of AddToIndex: rollover is decided
// from entries[0].
func (pi *PersistentIndex) AddEntriesToIndex(entries []IndexEntry, span FileSpan) error {
	if len(entries) == 0 {
		return nil
	}

	pi.mu.Lock()
	defer pi.mu.Unlock()

	if err := span.validateAgainst(pi.getCurrentEndOffsetLocked()); err != nil {
		return err
	}
	if pi.needToRollOverLocked(entries[0].Key) {
		pi.rollOverLocked(entries[0].Value.Offset)
	}

	active := pi.segments[len(pi.segments)-1]
	if err := active.addEntries(entries, span.End); err != nil {
		return err
	}
	for _, e := range entries {
		pi.journal.addEntry(e.Value.Offset, e.Key)
	}
	return nil
}

// MarkAsDeleted rewrites key's value with the Delete_Index flag and the
// new span, re-adding it into the active segment. The delete marker's own
// log record is what the rewritten offset and size point at.
func (pi *PersistentIndex) MarkAsDeleted(key StoreKey, span FileSpan) error {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	if err := span.validateAgainst(pi.getCurrentEndOffsetLocked()); err != nil {
		return err
	}

	existing, found, err := pi.findKeyLocked(key)
	if err != nil {
		return err
	}
	if !found {
		return &KeyError{Key: key, Kind: ErrIDNotFound}
	}

	existing.SetFlag(FlagDeleteIndex)
	existing.SetNewOffset(span.Start)
	existing.SetNewSize(span.End - span.Start)

	if pi.needToRollOverLocked(key) {
		pi.rollOverLocked(span.Start)
	}

	active := pi.segments[len(pi.segments)-1]
	if err := active.addEntry(IndexEntry{Key: key, Value: existing}, span.End); err != nil {
		return err
	}
	pi.journal.addEntry(span.Start, key)
	return nil
}

func (pi *PersistentIndex) findKeyLocked(key StoreKey) (IndexValue, bool, error) {
	for i := len(pi.segments) - 1; i >= 0; i-- {
		v, found, err := pi.segments[i].find(key)
		if err != nil {
			return IndexValue{}, false, err
		}
		if found {
			return v, true, nil
		}
	}
	return IndexValue{}, false, nil
}

// FindKey returns key's current value, searching segments newest-first so
// the most recent insert or delete wins.
func (pi *PersistentIndex) FindKey(key StoreKey) (IndexValue, bool, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()
	return pi.findKeyLocked(key)
}

// Exists reports whether key is present, deleted or not.
func (pi *PersistentIndex) Exists(key StoreKey) (bool, error) {
	_, found, err := pi.FindKey(key)
	return found, err
}

// GetBlobReadInfo returns key's current value, or a KeyError wrapping
// ErrIDNotFound, ErrIDDeleted, or ErrTTLExpired.
func (pi *PersistentIndex) GetBlobReadInfo(key StoreKey) (IndexValue, error) {
	v, found, err := pi.FindKey(key)
	if err != nil {
		return IndexValue{}, err
	}
	if !found {
		return IndexValue{}, &KeyError{Key: key, Kind: ErrIDNotFound}
	}
	if v.IsDeleted() {
		return IndexValue{}, &KeyError{Key: key, Kind: ErrIDDeleted}
	}
	if v.IsExpired(pi.now()) {
		return IndexValue{}, &KeyError{Key: key, Kind: ErrTTLExpired}
	}
	return v, nil
}

// FindMissingKeys returns the subset of keys not present in the index.
// Deleted and expired keys count as present.
func (pi *PersistentIndex) FindMissingKeys(keys []StoreKey) ([]StoreKey, error) {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	var missing []StoreKey
	for _, k := range keys {
		_, found, err := pi.findKeyLocked(k)
		if err != nil {
			return nil, err
		}
		if !found {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

// Close stops the background persistor, runs a final synchronous flush,
// writes the clean-shutdown marker, and releases mapped segments'
// resources.
func (pi *PersistentIndex) Close() error {
	pi.mu.Lock()
	persistor := pi.persistor
	pi.mu.Unlock()

	if err := persistor.close(); err != nil {
		return err
	}

	pi.mu.Lock()
	defer pi.mu.Unlock()
	for _, seg := range pi.segments {
		if err := seg.close(); err != nil {
			return err
		}
	}
	return nil
}
