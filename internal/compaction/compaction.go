package compaction

import (
	"github.com/cockroachdb/errors"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/cache"
	"github.com/aidb/aidb/internal/manifest"
	"github.com/aidb/aidb/internal/merge"
	"github.com/aidb/aidb/internal/sstable"
)

// RunOptions configures one Run call: where output SSTables land, how big
// they may grow before rolling to a new file, and the smallest live
// snapshot sequence protecting older duplicate entries from being
// dropped (spec.md §4.9's dedup/tombstone rules, §9 Open Question 2).
type RunOptions struct {
	Dirname           string
	Cache             *cache.Cache
	Builder           sstable.BuilderOptions
	MaxOutputFileSize int64

	// SmallestSnapshotSeq is the lowest sequence number captured by any
	// live snapshot, or base.SeqNumMax if none: entries at or below this
	// boundary have no snapshot depending on them and may be dropped once
	// superseded, matching leveldb/pebble's classic compaction-dedup rule.
	SmallestSnapshotSeq base.SeqNum

	// IsBaseLevel reports whether Task.OutputLevel is the deepest level
	// holding any data (excluding the task's own inputs): only then can a
	// Tombstone be dropped outright, since no lower level could still hold
	// the value it shadows (spec.md §4.9: "If output_level is the highest
	// level containing any file").
	IsBaseLevel bool

	// NextFileNum allocates the file number for each output SSTable, one
	// call per file (spec.md's file numbers come from the manifest's
	// single shared counter).
	NextFileNum func() (base.FileNum, error)
}

// Result is the outcome of a successful Run: the input files to remove
// and the output files to add, ready to fold into one VersionEdit
// committed under the combined version/level-list lock (spec.md §4.9
// steps 3-4, §9 "Lock ordering and combined acquisition").
type Result struct {
	Task          *Task
	OutputFiles   []manifest.FileMetadata
	DiscardedTombstones int
}

// Run merges task's input files into one or more new SSTables at
// task.OutputLevel, applying dedup and tombstone-drop per spec.md §4.9.
func Run(task *Task, opts RunOptions) (*Result, error) {
	readers := make([]*sstable.Reader, 0, len(task.AllInputs()))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var sources []merge.Source
	for _, f := range task.AllInputs() {
		path := base.MakeFilepath(opts.Dirname, base.FileTypeTable, f.FileNum)
		r, err := sstable.Open(path, opts.Cache)
		if err != nil {
			return nil, errors.Wrapf(err, "aidb: opening compaction input %q", path)
		}
		readers = append(readers, r)
		it, err := r.NewIterator()
		if err != nil {
			return nil, errors.Wrapf(err, "aidb: iterating compaction input %q", path)
		}
		sources = append(sources, it)
	}

	merged := merge.New(sources...)
	result := &Result{Task: task}

	var (
		builder       *sstable.Builder
		lastUserKey   []byte
		haveLastKey   bool
		firstForKey   bool
		prevSeqForKey base.SeqNum
	)

	finishCurrent := func() error {
		if builder == nil {
			return nil
		}
		if builder.EntryCount() == 0 {
			return builder.Abandon()
		}
		fileSize, smallest, largest, err := builder.Finish()
		if err != nil {
			return errors.Wrapf(err, "aidb: finishing compaction output")
		}
		result.OutputFiles = append(result.OutputFiles, manifest.FileMetadata{
			FileNum:  builder.FileNum(),
			FileSize: uint64(fileSize),
			Smallest: smallest,
			Largest:  largest,
		})
		return nil
	}

	rollIfNeeded := func() error {
		if builder != nil && builder.EstimatedFileSize() < opts.MaxOutputFileSize {
			return nil
		}
		if err := finishCurrent(); err != nil {
			return err
		}
		num, err := opts.NextFileNum()
		if err != nil {
			return err
		}
		path := base.MakeFilepath(opts.Dirname, base.FileTypeTable, num)
		b, err := sstable.NewBuilder(path, num, opts.Builder)
		if err != nil {
			return errors.Wrapf(err, "aidb: creating compaction output %q", path)
		}
		builder = b
		return nil
	}

	for merged.Next() {
		key := merged.Key()
		value := merged.Value()

		if !haveLastKey || string(key.UserKey) != string(lastUserKey) {
			lastUserKey = append(lastUserKey[:0], key.UserKey...)
			haveLastKey = true
			firstForKey = true
		} else {
			firstForKey = false
		}

		drop := false
		if !firstForKey && prevSeqForKey <= opts.SmallestSnapshotSeq {
			// The newest entry for this key is already unreachable by any
			// live snapshot, so every older duplicate beneath it is dead
			// weight. The newest entry itself (firstForKey) is never
			// dropped by this rule, regardless of its own sequence — with
			// no live snapshots, SmallestSnapshotSeq is SeqNumMax and every
			// entry would otherwise compare <= it.
			drop = true
		} else if key.Kind == base.InternalKeyKindTombstone && key.SeqNum <= opts.SmallestSnapshotSeq && opts.IsBaseLevel {
			drop = true
			result.DiscardedTombstones++
		}
		prevSeqForKey = key.SeqNum

		if drop {
			continue
		}

		if err := rollIfNeeded(); err != nil {
			return nil, err
		}
		if err := builder.Add(key, value); err != nil {
			return nil, errors.Wrapf(err, "aidb: writing compaction output entry")
		}
	}
	if err := merged.Err(); err != nil {
		return nil, errors.Wrapf(err, "aidb: reading compaction input")
	}
	if err := finishCurrent(); err != nil {
		return nil, err
	}
	return result, nil
}
