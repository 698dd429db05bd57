package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/cache"
	"github.com/aidb/aidb/internal/manifest"
	"github.com/aidb/aidb/internal/sstable"
)

func buildTable(t *testing.T, dir string, fileNum base.FileNum, entries []base.InternalKey, values []string) *manifest.FileMetadata {
	t.Helper()
	path := filepath.Join(dir, base.MakeFilename(base.FileTypeTable, fileNum))
	b, err := sstable.NewBuilder(path, fileNum, sstable.BuilderOptions{BlockSize: 4096, RestartInterval: 4})
	require.NoError(t, err)
	for i, k := range entries {
		require.NoError(t, b.Add(k, []byte(values[i])))
	}
	size, smallest, largest, err := b.Finish()
	require.NoError(t, err)
	return &manifest.FileMetadata{FileNum: fileNum, FileSize: uint64(size), Smallest: smallest, Largest: largest}
}

func ik(key string, seq base.SeqNum, kind base.InternalKeyKind) base.InternalKey {
	return base.MakeInternalKey([]byte(key), seq, kind)
}

func TestTargetSizeGeometricGrowth(t *testing.T) {
	opts := DefaultOptions()
	require.EqualValues(t, 10<<20, opts.TargetSize(1))
	require.EqualValues(t, 100<<20, opts.TargetSize(2))
	require.EqualValues(t, 1000<<20, opts.TargetSize(3))
}

func TestPickerTriggersOnL0Count(t *testing.T) {
	v := manifest.NewVersion(7)
	for i := 0; i < 4; i++ {
		v.Levels[0] = append(v.Levels[0], &manifest.FileMetadata{
			FileNum:  base.FileNum(i + 1),
			Smallest: ik("a", base.SeqNum(i+1), base.InternalKeyKindValue),
			Largest:  ik("z", base.SeqNum(i+1), base.InternalKeyKindValue),
		})
	}
	p := NewPicker(DefaultOptions())
	task := p.Pick(v)
	require.NotNil(t, task)
	require.Equal(t, 0, task.InputLevel)
	require.Equal(t, 1, task.OutputLevel)
	require.Len(t, task.InputFiles, 4)
}

func TestPickerTriggersOnLevelSize(t *testing.T) {
	v := manifest.NewVersion(7)
	v.Levels[1] = append(v.Levels[1], &manifest.FileMetadata{
		FileNum:  1,
		FileSize: 20 << 20,
		Smallest: ik("a", 1, base.InternalKeyKindValue),
		Largest:  ik("m", 1, base.InternalKeyKindValue),
	})
	p := NewPicker(DefaultOptions())
	task := p.Pick(v)
	require.NotNil(t, task)
	require.Equal(t, 1, task.InputLevel)
	require.Equal(t, 2, task.OutputLevel)
}

func TestPickerReturnsNilWhenNothingOverTrigger(t *testing.T) {
	v := manifest.NewVersion(7)
	p := NewPicker(DefaultOptions())
	require.Nil(t, p.Pick(v))
}

func TestCompactPointerEventuallyCoversAllFiles(t *testing.T) {
	v := manifest.NewVersion(7)
	files := []*manifest.FileMetadata{
		{FileNum: 1, Smallest: ik("a", 1, base.InternalKeyKindValue), Largest: ik("b", 1, base.InternalKeyKindValue)},
		{FileNum: 2, Smallest: ik("c", 1, base.InternalKeyKindValue), Largest: ik("d", 1, base.InternalKeyKindValue)},
		{FileNum: 3, Smallest: ik("e", 1, base.InternalKeyKindValue), Largest: ik("f", 1, base.InternalKeyKindValue)},
	}
	v.Levels[1] = files

	seen := map[base.FileNum]bool{}
	for i := 0; i < len(files)+1; i++ {
		chosen := pickByCompactPointer(v.Levels[1], v.CompactPointer[1])
		require.NotNil(t, chosen)
		seen[chosen.FileNum] = true
		AdvanceCompactPointer(v, 1, chosen)
	}
	require.Len(t, seen, 3)
}

func TestRunMergesAndDedupsAcrossInputs(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(1 << 20)

	f1 := buildTable(t, dir, 1,
		[]base.InternalKey{ik("a", 5, base.InternalKeyKindValue), ik("c", 3, base.InternalKeyKindValue)},
		[]string{"a-new", "c-old"})
	f2 := buildTable(t, dir, 2,
		[]base.InternalKey{ik("b", 4, base.InternalKeyKindValue), ik("c", 6, base.InternalKeyKindValue)},
		[]string{"b", "c-new"})

	task := &Task{InputLevel: 0, OutputLevel: 1, InputFiles: []*manifest.FileMetadata{f1, f2}}

	nextNum := base.FileNum(3)
	result, err := Run(task, RunOptions{
		Dirname:             dir,
		Cache:               c,
		Builder:             sstable.BuilderOptions{BlockSize: 4096},
		MaxOutputFileSize:    1 << 30,
		SmallestSnapshotSeq: base.SeqNumMax,
		IsBaseLevel:         true,
		NextFileNum: func() (base.FileNum, error) {
			n := nextNum
			nextNum++
			return n, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, result.OutputFiles, 1)

	out := result.OutputFiles[0]
	r, err := sstable.Open(filepath.Join(dir, base.MakeFilename(base.FileTypeTable, out.FileNum)), c)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.NewIterator()
	require.NoError(t, err)
	var gotKeys, gotVals []string
	for it.Next() {
		gotKeys = append(gotKeys, string(it.Key().UserKey))
		gotVals = append(gotVals, string(it.Value()))
	}
	require.NoError(t, it.Err())
	// "c" duplicate at seq 3 must have been dropped: only the newest survives.
	require.Equal(t, []string{"a", "b", "c"}, gotKeys)
	require.Equal(t, []string{"a-new", "b", "c-new"}, gotVals)
}

func TestRunDropsTombstonesOnlyAtBaseLevel(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(1 << 20)

	f1 := buildTable(t, dir, 1,
		[]base.InternalKey{ik("k", 5, base.InternalKeyKindTombstone)},
		[]string{""})

	nextNum := base.FileNum(2)
	runOpts := func(isBase bool) RunOptions {
		return RunOptions{
			Dirname:             dir,
			Cache:               c,
			Builder:             sstable.BuilderOptions{BlockSize: 4096},
			MaxOutputFileSize:    1 << 30,
			SmallestSnapshotSeq: base.SeqNumMax,
			IsBaseLevel:         isBase,
			NextFileNum: func() (base.FileNum, error) {
				n := nextNum
				nextNum++
				return n, nil
			},
		}
	}

	task := &Task{InputLevel: 0, OutputLevel: 1, InputFiles: []*manifest.FileMetadata{f1}}
	result, err := Run(task, runOpts(true))
	require.NoError(t, err)
	require.Empty(t, result.OutputFiles, "tombstone at base level with no protecting snapshot must be dropped")
	require.Equal(t, 1, result.DiscardedTombstones)

	f1b := buildTable(t, dir, 10,
		[]base.InternalKey{ik("k", 5, base.InternalKeyKindTombstone)},
		[]string{""})
	task2 := &Task{InputLevel: 0, OutputLevel: 1, InputFiles: []*manifest.FileMetadata{f1b}}
	result2, err := Run(task2, runOpts(false))
	require.NoError(t, err)
	require.Len(t, result2.OutputFiles, 1, "tombstone must survive when this is not the base level")
}

func TestRunProtectsEntriesNeededByLiveSnapshot(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(1 << 20)

	f1 := buildTable(t, dir, 1,
		[]base.InternalKey{ik("k", 10, base.InternalKeyKindValue), ik("k", 5, base.InternalKeyKindValue)},
		[]string{"newer", "older"})

	nextNum := base.FileNum(2)
	task := &Task{InputLevel: 0, OutputLevel: 1, InputFiles: []*manifest.FileMetadata{f1}}
	result, err := Run(task, RunOptions{
		Dirname: dir,
		Cache:   c,
		Builder: sstable.BuilderOptions{BlockSize: 4096},
		MaxOutputFileSize: 1 << 30,
		// A live snapshot at seq 7 sits between the two versions: it must
		// still resolve "k" to the older entry after compaction.
		SmallestSnapshotSeq: 7,
		IsBaseLevel:         true,
		NextFileNum: func() (base.FileNum, error) {
			n := nextNum
			nextNum++
			return n, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, result.OutputFiles, 1)

	out := result.OutputFiles[0]
	r, err := sstable.Open(filepath.Join(dir, base.MakeFilename(base.FileTypeTable, out.FileNum)), c)
	require.NoError(t, err)
	defer r.Close()

	value, _, found, err := r.Get([]byte("k"), 7)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "older", string(value))
}

func TestRunRollsOutputAtMaxFileSize(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(1 << 20)

	var entries []base.InternalKey
	var values []string
	for i := 0; i < 100; i++ {
		entries = append(entries, ik(fmt.Sprintf("key-%04d", i), base.SeqNum(i+1), base.InternalKeyKindValue))
		values = append(values, fmt.Sprintf("value-%04d", i))
	}
	f1 := buildTable(t, dir, 1, entries, values)

	nextNum := base.FileNum(2)
	task := &Task{InputLevel: 0, OutputLevel: 1, InputFiles: []*manifest.FileMetadata{f1}}
	result, err := Run(task, RunOptions{
		Dirname:             dir,
		Cache:               c,
		Builder:             sstable.BuilderOptions{BlockSize: 256},
		MaxOutputFileSize:    512,
		SmallestSnapshotSeq: base.SeqNumMax,
		IsBaseLevel:         true,
		NextFileNum: func() (base.FileNum, error) {
			n := nextNum
			nextNum++
			return n, nil
		},
	})
	require.NoError(t, err)
	require.Greater(t, len(result.OutputFiles), 1, "small MaxOutputFileSize should force multiple output files")

	total := 0
	for _, out := range result.OutputFiles {
		r, err := sstable.Open(filepath.Join(dir, base.MakeFilename(base.FileTypeTable, out.FileNum)), c)
		require.NoError(t, err)
		it, err := r.NewIterator()
		require.NoError(t, err)
		for it.Next() {
			total++
		}
		require.NoError(t, it.Err())
		require.NoError(t, r.Close())
	}
	require.Equal(t, 100, total)
}
