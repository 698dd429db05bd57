package aidb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidb/aidb/internal/base"
)

func testOptions() *Options {
	o := DefaultOptions()
	o.SyncWAL = false
	o.MemTableSize = 4 << 20
	o.BlockCacheSize = 1 << 20
	return o
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestOpenWithoutCreateIfMissingFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	o := testOptions()
	o.CreateIfMissing = false
	_, err := Open(dir, o)
	require.Error(t, err)
	require.Equal(t, base.KindNotFound, base.KindOf(err))
}

func TestPutGetDelete(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k1"), []byte("v1")))
	v, err := db.Get([]byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, db.Delete([]byte("k1")))
	_, err = db.Get([]byte("k1"))
	require.ErrorIs(t, err, base.ErrNotFound)
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Get([]byte("nope"))
	require.ErrorIs(t, err, base.ErrNotFound)
}

func TestPutEmptyKeyIsInvalidArgument(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	err = db.Put(nil, []byte("v"))
	require.Error(t, err)
	require.Equal(t, base.KindInvalidArgument, base.KindOf(err))
}

func TestWriteBatchIsAtomic(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	b := NewBatch()
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	b.Delete([]byte("a"))
	require.NoError(t, db.Write(b))

	_, err = db.Get([]byte("a"))
	require.ErrorIs(t, err, base.ErrNotFound)
	v, err := db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)
}

func TestFlushMovesDataToL0(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Flush())

	m := db.Metrics()
	require.EqualValues(t, 1, m.FlushCount)
	require.Equal(t, 1, m.LevelFileCount[0])

	v, err := db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestScanAndIterOrdering(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	for _, k := range []string{"c", "a", "e", "b", "d"} {
		require.NoError(t, db.Put([]byte(k), []byte(k+"v")))
	}
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("f"), []byte("fv")))

	it, err := db.Iter()
	require.NoError(t, err)
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, keys)

	it2, err := db.Scan([]byte("b"), []byte("e"))
	require.NoError(t, err)
	keys = nil
	for it2.Next() {
		keys = append(keys, string(it2.Key()))
	}
	require.NoError(t, it2.Err())
	require.Equal(t, []string{"b", "c", "d"}, keys)
}

func TestSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("old")))
	snap := db.Snapshot()
	defer snap.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("new")))
	require.NoError(t, db.Put([]byte("k2"), []byte("also-new")))

	v, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)

	_, err = snap.Get([]byte("k2"))
	require.ErrorIs(t, err, base.ErrNotFound)

	v, err = db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("new"), v)
}

func TestSnapshotSurvivesFlushAndCompaction(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v1")))
	snap := db.Snapshot()
	defer snap.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v2")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.CompactRange(nil, nil))

	v, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)
}

func TestCompactRangeDropsTombstoneAtBaseLevel(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Delete([]byte("k")))
	require.NoError(t, db.Flush())

	require.NoError(t, db.CompactRange(nil, nil))

	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, base.ErrNotFound)

	m := db.Metrics()
	require.GreaterOrEqual(t, m.CompactionCount, int64(1))
	require.EqualValues(t, 1, m.DiscardedTombstones)
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOperationsAfterCloseFail(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	err = db.Put([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, base.ErrClosed)

	_, err = db.Get([]byte("k"))
	require.ErrorIs(t, err, base.ErrClosed)
}

func TestRecoveryReplaysUnflushedWAL(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Close())

	db2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db2.Close()

	v, err := db2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	v, err = db2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	require.NoError(t, db2.Put([]byte("c"), []byte("3")))
	v, err = db2.Get([]byte("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}

func TestRecoveryAfterFlushDoesNotReplayFlushedData(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Put([]byte("b"), []byte("2")))
	require.NoError(t, db.Close())

	db2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db2.Close()

	v, err := db2.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	v, err = db2.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	// "a" was explicitly flushed; "b" was still in the mutable memtable at
	// Close and gets flushed there too, so both end up in L0 with no WAL
	// replay needed on reopen.
	m := db2.Metrics()
	require.GreaterOrEqual(t, m.LevelFileCount[0], 1)
}

func TestOrphanSSTableIsCleanedUpOnOpen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	orphanPath := base.MakeFilepath(dir, base.FileTypeTable, 999)
	require.NoError(t, os.WriteFile(orphanPath, []byte("garbage"), 0o644))

	db2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer db2.Close()

	_, statErr := os.Stat(orphanPath)
	require.True(t, os.IsNotExist(statErr))
}
