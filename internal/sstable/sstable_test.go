package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/cache"
)

func buildTestTable(t *testing.T, dir string, fileNum base.FileNum, n int, opts BuilderOptions) string {
	t.Helper()
	path := filepath.Join(dir, base.MakeFilename(base.FileTypeTable, fileNum))
	b, err := NewBuilder(path, fileNum, opts)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		key := base.MakeInternalKey([]byte(fmt.Sprintf("key-%05d", i)), base.SeqNum(i+1), base.InternalKeyKindValue)
		require.NoError(t, b.Add(key, []byte(fmt.Sprintf("value-%05d", i))))
	}
	_, _, _, err = b.Finish()
	require.NoError(t, err)
	return path
}

func TestBuilderReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := BuilderOptions{BlockSize: 256, RestartInterval: 4, Compression: CompressionSnappy, EnableBloomFilter: true, BloomFilterBitsPerKey: 10}
	path := buildTestTable(t, dir, 1, 200, opts)

	c := cache.New(1 << 20)
	r, err := Open(path, c)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.HasBloomFilter())
	require.EqualValues(t, 1, r.FileNum())

	for i := 0; i < 200; i++ {
		userKey := []byte(fmt.Sprintf("key-%05d", i))
		value, kind, found, err := r.Get(userKey, base.SeqNumMax)
		require.NoError(t, err)
		require.True(t, found, "key %s", userKey)
		require.Equal(t, base.InternalKeyKindValue, kind)
		require.Equal(t, fmt.Sprintf("value-%05d", i), string(value))
	}

	_, _, found, err := r.Get([]byte("missing-key"), base.SeqNumMax)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReaderIteratorOrder(t *testing.T) {
	dir := t.TempDir()
	opts := BuilderOptions{BlockSize: 128, RestartInterval: 2}
	path := buildTestTable(t, dir, 7, 50, opts)

	c := cache.New(1 << 20)
	r, err := Open(path, c)
	require.NoError(t, err)
	defer r.Close()

	iter, err := r.NewIterator()
	require.NoError(t, err)
	count := 0
	var prev base.InternalKey
	for iter.Next() {
		if count > 0 {
			require.Less(t, base.InternalCompare(prev, iter.Key()), 0)
		}
		prev = iter.Key().Clone()
		count++
	}
	require.NoError(t, iter.Err())
	require.Equal(t, 50, count)
}

func TestGetRespectsVisibilitySequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, base.MakeFilename(base.FileTypeTable, 2))
	b, err := NewBuilder(path, 2, BuilderOptions{BlockSize: 4096})
	require.NoError(t, err)
	// Two versions of the same user key, newest (seq 5) first.
	require.NoError(t, b.Add(base.MakeInternalKey([]byte("k"), 5, base.InternalKeyKindValue), []byte("new")))
	require.NoError(t, b.Add(base.MakeInternalKey([]byte("k"), 2, base.InternalKeyKindValue), []byte("old")))
	_, _, _, err = b.Finish()
	require.NoError(t, err)

	c := cache.New(1 << 20)
	r, err := Open(path, c)
	require.NoError(t, err)
	defer r.Close()

	value, _, found, err := r.Get([]byte("k"), 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", string(value))

	value, _, found, err = r.Get([]byte("k"), base.SeqNumMax)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new", string(value))
}

func TestFinishWithZeroEntriesIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, base.MakeFilename(base.FileTypeTable, 3))
	b, err := NewBuilder(path, 3, BuilderOptions{BlockSize: 4096})
	require.NoError(t, err)
	_, _, _, err = b.Finish()
	require.Error(t, err)
	require.NoError(t, b.Abandon())
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestOutOfOrderKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, base.MakeFilename(base.FileTypeTable, 4))
	b, err := NewBuilder(path, 4, BuilderOptions{BlockSize: 4096, RestartInterval: 16})
	require.NoError(t, err)
	require.NoError(t, b.Add(base.MakeInternalKey([]byte("b"), 1, base.InternalKeyKindValue), []byte("v")))
	err = b.Add(base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindValue), []byte("v"))
	require.Error(t, err)
	require.NoError(t, b.Abandon())
}

func TestCRCCorruptionDetected(t *testing.T) {
	dir := t.TempDir()
	path := buildTestTable(t, dir, 5, 10, BuilderOptions{BlockSize: 4096})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xff // corrupt a byte inside the first data block.
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c := cache.New(1 << 20)
	r, err := Open(path, c)
	require.NoError(t, err)
	defer r.Close()

	_, _, _, err = r.Get([]byte("key-00000"), base.SeqNumMax)
	require.Error(t, err)
	require.True(t, base.IsCorruption(err))
}

func TestUnparseableFilenameRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-valid-name.sst")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err := Open(path, cache.New(1<<20))
	require.Error(t, err)
}
