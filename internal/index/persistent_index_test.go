package index

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// manualScheduler collects scheduled tasks and runs them only when a test
// asks, so flushes happen at deterministic points.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (m *manualScheduler) Schedule(name string, task func(), initialDelay, period time.Duration) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return func() {}
}

func (m *manualScheduler) runAll() {
	m.mu.Lock()
	tasks := append([]func(){}, m.tasks...)
	m.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// stubRecovery hands back a fixed list of recovered messages and records the
// range it was asked to cover.
type stubRecovery struct {
	infos []MessageInfo
	start uint64
	end   uint64
	calls int
}

func (r *stubRecovery) Recover(_ Log, start, end uint64, _ StoreKeyFactory) ([]MessageInfo, error) {
	r.start = start
	r.end = end
	r.calls++
	return r.infos, nil
}

func newTestConfig(dir string) Config {
	var cfg Config
	cfg.DataDir = dir
	cfg.Segment.MaxInMemoryIndexSizeInBytes = 1 << 20
	cfg.Segment.MaxInMemoryNumElements = 1000
	cfg.Segment.BloomFilterFalsePositiveRate = 0.01
	cfg.Journal.MaxNumberOfInMemElements = 100
	cfg.Journal.MaxNumberOfEntriesToReturn = 100
	cfg.Persistor.FlushDelay = time.Minute
	cfg.Persistor.FlushInterval = time.Minute
	return cfg
}

func newTestIndex(t *testing.T, cfg Config, rec MessageStoreRecovery) (*PersistentIndex, *FileLog, *manualScheduler) {
	t.Helper()
	log, err := NewFileLog(filepath.Join(cfg.DataDir, "log"))
	require.NoError(t, err)
	sched := &manualScheduler{}
	pi, err := NewPersistentIndex(cfg, log, BytesKeyFactory{KeySize: 2}, rec, sched, zap.NewNop())
	require.NoError(t, err)
	return pi, log, sched
}

func appendBlob(t *testing.T, log *FileLog, n int) FileSpan {
	t.Helper()
	off, err := log.Append(make([]byte, n))
	require.NoError(t, err)
	return FileSpan{Start: off, End: off + uint64(n)}
}

func addBlob(t *testing.T, pi *PersistentIndex, log *FileLog, key BytesKey, n int) FileSpan {
	t.Helper()
	span := appendBlob(t, log, n)
	err := pi.AddToIndex(IndexEntry{
		Key:   key,
		Value: IndexValue{Offset: span.Start, Size: span.End - span.Start, TimeToLiveInMs: NeverExpires},
	}, span)
	require.NoError(t, err)
	return span
}

// TestAddAndFindKey inserts a blob and reads it back, then checks the
// FileSpan gate rejects overlapping and inverted spans without mutating the
// index.
func TestAddAndFindKey(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	pi, log, _ := newTestIndex(t, newTestConfig(dir), &stubRecovery{})

	k := testKey(0, 1)
	addBlob(t, pi, log, k, 100)

	v, found, err := pi.FindKey(k)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0), v.Offset)
	require.Equal(t, uint64(100), v.Size)
	require.Equal(t, uint64(100), pi.GetCurrentEndOffset())

	info, err := pi.GetBlobReadInfo(k)
	require.NoError(t, err)
	require.Equal(t, uint64(100), info.Size)

	// A span starting before the current end offset is rejected.
	err = pi.AddToIndex(IndexEntry{Key: testKey(0, 2), Value: IndexValue{Offset: 50}}, FileSpan{Start: 50, End: 150})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// So is an inverted span.
	err = pi.AddToIndex(IndexEntry{Key: testKey(0, 2), Value: IndexValue{Offset: 200}}, FileSpan{Start: 200, End: 150})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// And a span whose end overflows the signed offset range.
	err = pi.AddToIndex(IndexEntry{Key: testKey(0, 2), Value: IndexValue{Offset: 100}}, FileSpan{Start: 100, End: uint64(math.MaxInt64) + 1})
	require.ErrorIs(t, err, ErrInvalidArgument)

	// None of the rejected spans moved the end offset.
	require.Equal(t, uint64(100), pi.GetCurrentEndOffset())

	_, err = pi.GetBlobReadInfo(testKey(9, 9))
	require.ErrorIs(t, err, ErrIDNotFound)
}

// TestMarkAsDeleted deletes a key and checks every read surface: the value
// now points at the delete marker, GetBlobReadInfo fails, yet the key still
// counts as present.
func TestMarkAsDeleted(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	pi, log, _ := newTestIndex(t, newTestConfig(dir), &stubRecovery{})

	k := testKey(0, 1)
	addBlob(t, pi, log, k, 100)

	span := appendBlob(t, log, 50)
	require.NoError(t, pi.MarkAsDeleted(k, span))

	v, found, err := pi.FindKey(k)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, v.IsDeleted())
	require.Equal(t, uint64(100), v.Offset)
	require.Equal(t, uint64(50), v.Size)

	_, err = pi.GetBlobReadInfo(k)
	require.ErrorIs(t, err, ErrIDDeleted)

	exists, err := pi.Exists(k)
	require.NoError(t, err)
	require.True(t, exists)

	missing, err := pi.FindMissingKeys([]StoreKey{k, testKey(0, 2)})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	require.Equal(t, testKey(0, 2).Bytes(), missing[0].(BytesKey).Bytes())

	// Deleting a key that was never inserted fails up front.
	err = pi.MarkAsDeleted(testKey(9, 9), appendBlob(t, log, 10))
	require.ErrorIs(t, err, ErrIDNotFound)
}

func TestExpiredKey(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	pi, log, _ := newTestIndex(t, newTestConfig(dir), &stubRecovery{})

	k := testKey(0, 1)
	span := appendBlob(t, log, 100)
	err := pi.AddToIndex(IndexEntry{
		Key:   k,
		Value: IndexValue{Offset: span.Start, Size: 100, TimeToLiveInMs: time.Now().Add(-time.Hour).UnixMilli()},
	}, span)
	require.NoError(t, err)

	_, err = pi.GetBlobReadInfo(k)
	require.ErrorIs(t, err, ErrTTLExpired)

	// Expired keys still count as present.
	missing, err := pi.FindMissingKeys([]StoreKey{k})
	require.NoError(t, err)
	require.Empty(t, missing)
}

// TestRollover drives the active segment past its element cap and checks a
// new segment starts exactly at the overflowing entry's offset.
func TestRollover(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Segment.MaxInMemoryNumElements = 2
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	require.Len(t, pi.segments, 2)
	require.Equal(t, uint64(0), pi.segments[0].StartOffset())
	require.Equal(t, uint64(100), pi.segments[1].StartOffset())
	require.Equal(t, 2, pi.segments[0].NumberOfItems())
	require.Equal(t, 1, pi.segments[1].NumberOfItems())

	for _, k := range []BytesKey{testKey(0, 1), testKey(0, 2), testKey(0, 3)} {
		_, found, err := pi.FindKey(k)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.Equal(t, uint64(150), pi.GetCurrentEndOffset())
}

// TestFindEntriesSinceJournal scans a fresh index from the zero token and
// then resumes from the returned token, checking entry order, token shape,
// and the bytesRead lag indicator.
func TestFindEntriesSinceJournal(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Segment.MaxInMemoryNumElements = 2
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	var empty StoreFindToken
	empty.Offset = UninitializedOffset
	empty.IndexStartOffset = UninitializedOffset

	info, err := pi.FindEntriesSince(empty, 1<<62)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 3)
	require.Equal(t, testKey(0, 1).Bytes(), info.MessageEntries[0].StoreKey.(BytesKey).Bytes())
	require.Equal(t, testKey(0, 3).Bytes(), info.MessageEntries[2].StoreKey.(BytesKey).Bytes())

	tok := info.FindToken
	require.True(t, tok.IsJournalShape())
	require.Equal(t, int64(100), tok.Offset)
	require.Equal(t, uint64(150), tok.BytesRead)

	// Nothing new: the token echoes back and bytesRead holds at the log end.
	info, err = pi.FindEntriesSince(tok, 1<<62)
	require.NoError(t, err)
	require.Empty(t, info.MessageEntries)
	require.Equal(t, int64(100), info.FindToken.Offset)
	require.Equal(t, uint64(150), info.FindToken.BytesRead)

	// New writes show up on the next scan from the same token.
	addBlob(t, pi, log, testKey(0, 4), 30)
	info, err = pi.FindEntriesSince(tok, 1<<62)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 1)
	require.Equal(t, testKey(0, 4).Bytes(), info.MessageEntries[0].StoreKey.(BytesKey).Bytes())
	require.Equal(t, int64(150), info.FindToken.Offset)
	require.Equal(t, uint64(180), info.FindToken.BytesRead)
}

// TestFindEntriesSincePaging caps the scan size so the consumer pages
// through the index across calls.
func TestFindEntriesSincePaging(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	pi, log, _ := newTestIndex(t, newTestConfig(dir), &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	var empty StoreFindToken
	empty.Offset = UninitializedOffset
	empty.IndexStartOffset = UninitializedOffset

	info, err := pi.FindEntriesSince(empty, 60)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 2)
	require.Equal(t, int64(50), info.FindToken.Offset)
	require.Equal(t, uint64(100), info.FindToken.BytesRead)

	info, err = pi.FindEntriesSince(info.FindToken, 60)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 1)
	require.Equal(t, testKey(0, 3).Bytes(), info.MessageEntries[0].StoreKey.(BytesKey).Bytes())
	require.Equal(t, int64(100), info.FindToken.Offset)
	require.Equal(t, uint64(150), info.FindToken.BytesRead)
}

// TestFindEntriesSinceSegmentFallback shrinks the journal to one slot so a
// scan from zero has to walk the segment instead, yielding a segment-shape
// token.
func TestFindEntriesSinceSegmentFallback(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Journal.MaxNumberOfInMemElements = 1
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	var empty StoreFindToken
	empty.Offset = UninitializedOffset
	empty.IndexStartOffset = UninitializedOffset

	info, err := pi.FindEntriesSince(empty, 1<<62)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 3)

	tok := info.FindToken
	require.False(t, tok.IsJournalShape())
	require.Equal(t, int64(0), tok.IndexStartOffset)
	require.Equal(t, testKey(0, 3).Bytes(), tok.StoreKey.(BytesKey).Bytes())
	require.Equal(t, uint64(0), tok.BytesRead)

	// Resuming from the segment token finds nothing new and echoes it.
	info, err = pi.FindEntriesSince(tok, 1<<62)
	require.NoError(t, err)
	require.Empty(t, info.MessageEntries)
	require.Equal(t, int64(0), info.FindToken.IndexStartOffset)
	require.Equal(t, testKey(0, 3).Bytes(), info.FindToken.StoreKey.(BytesKey).Bytes())
}

// TestFindEntriesSinceSegmentWalkToJournal makes the segment walk span an
// older segment and then hand over to the journal at the active segment.
func TestFindEntriesSinceSegmentWalkToJournal(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Segment.MaxInMemoryNumElements = 2
	cfg.Journal.MaxNumberOfInMemElements = 2
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	// The journal retains offsets 50 and 100 only, so a scan from zero must
	// start in the first segment, then switch to the journal for the active
	// one.
	var empty StoreFindToken
	empty.Offset = UninitializedOffset
	empty.IndexStartOffset = UninitializedOffset

	info, err := pi.FindEntriesSince(empty, 1<<62)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 3)
	require.Equal(t, testKey(0, 3).Bytes(), info.MessageEntries[2].StoreKey.(BytesKey).Bytes())

	tok := info.FindToken
	require.True(t, tok.IsJournalShape())
	require.Equal(t, int64(100), tok.Offset)
	require.Equal(t, uint64(150), tok.BytesRead)
}

// TestFindEntriesSinceDuplicateElimination inserts then deletes a key within
// one scan window and expects only the delete to surface.
func TestFindEntriesSinceDuplicateElimination(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	pi, log, _ := newTestIndex(t, newTestConfig(dir), &stubRecovery{})

	k := testKey(0, 1)
	addBlob(t, pi, log, k, 100)
	require.NoError(t, pi.MarkAsDeleted(k, appendBlob(t, log, 50)))

	var empty StoreFindToken
	empty.Offset = UninitializedOffset
	empty.IndexStartOffset = UninitializedOffset

	info, err := pi.FindEntriesSince(empty, 1<<62)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 1)
	require.True(t, info.MessageEntries[0].IsDeleted)
	require.Equal(t, int64(100), info.FindToken.Offset)
	require.Equal(t, uint64(150), info.FindToken.BytesRead)
}

// TestCloseAndReopen round-trips the index through a clean shutdown: the
// marker appears, segment files land on disk, and a rebuilt index answers
// the same lookups at the same end offset.
func TestCloseAndReopen(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Segment.MaxInMemoryNumElements = 2
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	require.NoError(t, pi.Close())
	require.NoError(t, log.Close())

	_, err := os.Stat(filepath.Join(dir, cleanShutdownMarker))
	require.NoError(t, err)

	offsets, err := listSegmentStartOffsets(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 100}, offsets)

	rec := &stubRecovery{}
	reopened, _, _ := newTestIndex(t, cfg, rec)
	require.True(t, reopened.cleanShutdown)
	require.Equal(t, uint64(150), reopened.GetCurrentEndOffset())

	// The marker is consumed on startup.
	_, err = os.Stat(filepath.Join(dir, cleanShutdownMarker))
	require.True(t, os.IsNotExist(err))

	for _, k := range []BytesKey{testKey(0, 1), testKey(0, 2), testKey(0, 3)} {
		v, found, err := reopened.FindKey(k)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, uint64(50), v.Size)
	}
}

// TestCrashRecovery abandons an index without closing it and rebuilds from
// the log: the recovery callback's messages materialize in the index, the
// shutdown reads as unclean, and a stale token from the dead session is
// silently reset to the recovered end.
func TestCrashRecovery(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 100)
	// A second blob reaches the log but never the index: the crash window.
	appendBlob(t, log, 50)
	require.NoError(t, log.Flush())
	require.NoError(t, log.Close())
	_ = pi // dropped without Close

	rec := &stubRecovery{infos: []MessageInfo{
		{StoreKey: testKey(0, 1), Size: 100, ExpirationTimeInMs: NeverExpires},
		{StoreKey: testKey(0, 2), Size: 50, ExpirationTimeInMs: NeverExpires},
	}}
	reopened, _, _ := newTestIndex(t, cfg, rec)

	require.False(t, reopened.cleanShutdown)
	require.Equal(t, 1, rec.calls)
	require.Equal(t, uint64(0), rec.start)
	require.Equal(t, uint64(150), rec.end)
	require.Equal(t, uint64(150), reopened.GetCurrentEndOffset())

	v, found, err := reopened.FindKey(testKey(0, 1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0), v.Offset)
	require.Equal(t, uint64(100), v.Size)

	v, found, err = reopened.FindKey(testKey(0, 2))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(100), v.Offset)
	require.Equal(t, uint64(50), v.Size)

	// A token from the dead session pointing past the recovered end resets
	// without error and resumes at the recovered end.
	stale := newJournalToken(uuid.New(), 200)
	info, err := reopened.FindEntriesSince(stale, 1<<62)
	require.NoError(t, err)
	require.Empty(t, info.MessageEntries)
	require.True(t, info.FindToken.IsJournalShape())
	require.Equal(t, int64(150), info.FindToken.Offset)
	require.Equal(t, reopened.sessionID, info.FindToken.SessionID)
}

// TestCleanShutdownRejectsStaleToken checks the opposite policy: after a
// clean shutdown, a foreign token pointing past the known log end is an
// error, never a silent reset.
func TestCleanShutdownRejectsStaleToken(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})
	addBlob(t, pi, log, testKey(0, 1), 100)
	require.NoError(t, pi.Close())
	require.NoError(t, log.Close())

	reopened, _, _ := newTestIndex(t, cfg, &stubRecovery{})
	require.True(t, reopened.cleanShutdown)

	stale := newJournalToken(uuid.New(), 500)
	_, err := reopened.FindEntriesSince(stale, 1<<62)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// A foreign token within the known range stays usable.
	ok := newJournalToken(uuid.New(), 0)
	info, err := reopened.FindEntriesSince(ok, 1<<62)
	require.NoError(t, err)
	require.Len(t, info.MessageEntries, 1)
}

// TestRecoveryDeleteReplay replays a delete that reached the log but not the
// index: the existing value is rewritten in place as a tombstone.
func TestRecoveryDeleteReplay(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	pi, log, sched := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 100)
	// Persist the segment, then the delete record lands in the log right
	// before the crash.
	sched.runAll()
	appendBlob(t, log, 50)
	require.NoError(t, log.Flush())
	require.NoError(t, log.Close())

	rec := &stubRecovery{infos: []MessageInfo{
		{StoreKey: testKey(0, 1), Size: 50, IsDeleted: true, ExpirationTimeInMs: NeverExpires},
	}}
	reopened, _, _ := newTestIndex(t, cfg, rec)

	require.Equal(t, uint64(100), rec.start)
	require.Equal(t, uint64(150), rec.end)

	v, found, err := reopened.FindKey(testKey(0, 1))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, v.IsDeleted())
	require.Equal(t, uint64(100), v.Offset)
	require.Equal(t, uint64(50), v.Size)

	_, err = reopened.GetBlobReadInfo(testKey(0, 1))
	require.ErrorIs(t, err, ErrIDDeleted)
}

// TestRecoveryDuplicateInsertFails replays a non-delete for a key the index
// already holds, which can only mean a corrupt log or index.
func TestRecoveryDuplicateInsertFails(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	pi, log, sched := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 100)
	sched.runAll()
	appendBlob(t, log, 50)
	require.NoError(t, log.Flush())
	require.NoError(t, log.Close())

	rec := &stubRecovery{infos: []MessageInfo{
		{StoreKey: testKey(0, 1), Size: 50, ExpirationTimeInMs: NeverExpires},
	}}
	fileLog, err := NewFileLog(filepath.Join(dir, "log"))
	require.NoError(t, err)
	_, err = NewPersistentIndex(cfg, fileLog, BytesKeyFactory{KeySize: 2}, rec, &manualScheduler{}, zap.NewNop())
	require.ErrorIs(t, err, ErrInitializationError)
}

// TestPersistorFlush runs the background flush by hand and checks the
// promotion of older segments to their mapped state, with reads unaffected.
func TestPersistorFlush(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Segment.MaxInMemoryNumElements = 2
	pi, log, sched := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)
	addBlob(t, pi, log, testKey(0, 3), 50)

	require.False(t, pi.segments[0].IsMapped())
	sched.runAll()
	require.True(t, pi.segments[0].IsMapped())
	require.False(t, pi.segments[1].IsMapped())

	// Both segment files are on disk; no clean-shutdown marker yet.
	offsets, err := listSegmentStartOffsets(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 100}, offsets)
	_, err = os.Stat(filepath.Join(dir, cleanShutdownMarker))
	require.True(t, os.IsNotExist(err))

	// Lookups now go through the mapped image for older keys.
	v, found, err := pi.FindKey(testKey(0, 1))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(0), v.Offset)

	// Writes continue into the active segment after a flush.
	addBlob(t, pi, log, testKey(0, 4), 25)
	require.Equal(t, uint64(175), pi.GetCurrentEndOffset())

	require.NoError(t, pi.Close())
	_, err = os.Stat(filepath.Join(dir, cleanShutdownMarker))
	require.NoError(t, err)
}

// TestBatchedAdd exercises AddEntriesToIndex, including rollover decided by
// the first entry of the batch.
func TestBatchedAdd(t *testing.T) {
	dir, _ := os.MkdirTemp("", "index_test")
	defer os.RemoveAll(dir)

	cfg := newTestConfig(dir)
	cfg.Segment.MaxInMemoryNumElements = 2
	pi, log, _ := newTestIndex(t, cfg, &stubRecovery{})

	addBlob(t, pi, log, testKey(0, 1), 50)
	addBlob(t, pi, log, testKey(0, 2), 50)

	spanA := appendBlob(t, log, 50)
	spanB := appendBlob(t, log, 50)
	batch := []IndexEntry{
		{Key: testKey(0, 3), Value: IndexValue{Offset: spanA.Start, Size: 50, TimeToLiveInMs: NeverExpires}},
		{Key: testKey(0, 4), Value: IndexValue{Offset: spanB.Start, Size: 50, TimeToLiveInMs: NeverExpires}},
	}
	err := pi.AddEntriesToIndex(batch, FileSpan{Start: spanA.Start, End: spanB.End})
	require.NoError(t, err)

	require.Len(t, pi.segments, 2)
	require.Equal(t, uint64(100), pi.segments[1].StartOffset())
	require.Equal(t, uint64(200), pi.GetCurrentEndOffset())

	for _, k := range []BytesKey{testKey(0, 3), testKey(0, 4)} {
		_, found, err := pi.FindKey(k)
		require.NoError(t, err)
		require.True(t, found)
	}
}
