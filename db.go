// Package aidb implements an embedded, single-node, persistent ordered
// key/value store on an LSM tree: a durable WAL, a concurrent in-memory
// MemTable, block-cached Bloom-filtered SSTables, leveled compaction, and
// a manifest-tracked version set, bound together by the DB coordinator in
// this file.
//
// Grounded throughout on github.com/cockroachdb/pebble's top-level db.go:
// the same lock ordering (commit path serializes WAL append + sequence
// assignment; a separate mutex guards the mutable/immutable memtable
// list; Version/level-list updates are copy-on-write), the same
// background-goroutine flush/compaction model, and the same Open/recover
// protocol shape, trimmed to spec.md §4.10/§4.9's single-compaction-at-a-
// time, single-active-WAL design.
package aidb

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/cache"
	"github.com/aidb/aidb/internal/compaction"
	"github.com/aidb/aidb/internal/manifest"
	"github.com/aidb/aidb/internal/memtable"
	"github.com/aidb/aidb/internal/merge"
	"github.com/aidb/aidb/internal/record"
	"github.com/aidb/aidb/internal/sstable"
)

// DB is an open AiDb database, spec.md §4.11/C13: the coordinator that
// binds the WAL, MemTable, SSTable layer, block cache, and manifest/
// compaction subsystems into the put/get/delete/write/iter/scan/snapshot/
// flush/compact_range/close API of spec.md §6.
type DB struct {
	dirname string
	opts    *Options

	blockCache *cache.Cache
	tableCache *tableCache
	vs         *manifest.VersionSet
	picker     *compaction.Picker
	snapshots  *liveSnapshots
	metrics    *metricsCollector

	// nextSeqNum is the sequence the next committed entry will receive.
	// Writers publish it only after the corresponding memtable mutation is
	// already visible, so a reader that observes a new value is
	// guaranteed to see the write that produced it.
	nextSeqNum atomic.Uint64

	// writeMu serializes the entire commit path: sequence assignment, WAL
	// append (+ optional fsync), and the memtable mutation, so WAL order
	// always matches sequence order (spec.md §5's write-path lock). It is
	// also held across memtable-freeze + WAL rotation at flush time, since
	// that must not race a concurrent commit.
	writeMu sync.Mutex

	walFile   *os.File
	walWriter *record.Writer
	walNum    base.FileNum

	mu struct {
		sync.Mutex
		mem *memtable.MemTable
		imm []*memtable.MemTable
	}

	flushSignal   chan struct{}
	flushRequests chan chan error
	compactSignal chan struct{}

	// compactionMu serializes tryCompactOnce calls: the background
	// compaction loop and an explicit CompactRange can both attempt to
	// compact at once, and spec.md §4.8's picker/runner are built for one
	// compaction in flight at a time (see internal/compaction's package
	// doc).
	compactionMu sync.Mutex

	group  *errgroup.Group
	cancel context.CancelFunc

	closed atomic.Bool
}

// Open opens (or creates) the database at dirname, spec.md §6's
// `open(path, Options) -> DB`.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.EnsureDefaults()

	info, statErr := os.Stat(dirname)
	dirExists := statErr == nil
	if statErr != nil && !os.IsNotExist(statErr) {
		return nil, errors.Wrapf(statErr, "aidb: statting %q", dirname)
	}
	if dirExists && !info.IsDir() {
		return nil, base.Newf(base.KindInvalidArgument, "aidb: %q is not a directory", dirname)
	}

	if !dirExists {
		if !opts.CreateIfMissing {
			return nil, base.Newf(base.KindNotFound, "aidb: directory %q does not exist", dirname)
		}
		if err := os.MkdirAll(dirname, 0o755); err != nil {
			return nil, errors.Wrapf(err, "aidb: creating %q", dirname)
		}
	} else if opts.ErrorIfExists {
		entries, err := os.ReadDir(dirname)
		if err != nil {
			return nil, errors.Wrapf(err, "aidb: listing %q", dirname)
		}
		if len(entries) > 0 {
			return nil, base.Newf(base.KindAlreadyExists, "aidb: directory %q is not empty", dirname)
		}
	}

	vs, err := manifest.Open(dirname, opts.MaxLevels)
	if err != nil {
		if base.KindOf(err) == base.KindNotFound {
			vs, err = manifest.Create(dirname, opts.MaxLevels)
		}
		if err != nil {
			return nil, err
		}
	}

	blockCache := cache.New(opts.BlockCacheSize)
	db := &DB{
		dirname:    dirname,
		opts:       opts,
		blockCache: blockCache,
		tableCache: newTableCache(dirname, blockCache),
		vs:         vs,
		picker: compaction.NewPicker(compaction.Options{
			Level0CompactionThreshold: opts.Level0CompactionThreshold,
			LevelSizeMultiplier:       opts.LevelSizeMultiplier,
			BaseLevelSize:             opts.BaseLevelSize,
		}),
		snapshots:     newLiveSnapshots(),
		flushSignal:   make(chan struct{}, 1),
		flushRequests: make(chan chan error),
		compactSignal: make(chan struct{}, 1),
	}
	db.metrics = newMetricsCollector(db)
	db.mu.mem = memtable.New()
	db.nextSeqNum.Store(uint64(vs.Current().LastSeqNum) + 1)

	if err := db.recoverWAL(); err != nil {
		return nil, err
	}
	if err := db.openNewWAL(); err != nil {
		return nil, err
	}
	if err := db.cleanupObsoleteFiles(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	db.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	db.group = group
	group.Go(func() error { return db.backgroundFlush(gctx) })
	group.Go(func() error { return db.backgroundCompact(gctx) })

	return db, nil
}

// recoverWAL replays every *.log file found in dirname into the mutable
// memtable, skipping entries already covered by the manifest's recorded
// LastSeqNum, then synchronously flushes the result to L0 if non-empty —
// spec.md §4.10's recovery protocol, step "replay the active WAL(s),
// re-applying records with sequence > last_sequence to a fresh MemTable".
// The old logs are only removed once that flush has durably registered a
// VersionEdit, closing the crash window where a deleted-but-unflushed log
// would lose data.
func (db *DB) recoverWAL() error {
	entries, err := os.ReadDir(db.dirname)
	if err != nil {
		return errors.Wrapf(err, "aidb: listing %q", db.dirname)
	}
	var logNums []base.FileNum
	for _, e := range entries {
		if ft, num, ok := base.ParseFilename(e.Name()); ok && ft == base.FileTypeLog {
			logNums = append(logNums, num)
		}
	}
	sortFileNums(logNums)

	baseline := db.vs.Current().LastSeqNum
	maxSeqSeen := baseline
	for _, num := range logNums {
		path := base.MakeFilepath(db.dirname, base.FileTypeLog, num)
		f, err := os.Open(path)
		if err != nil {
			return errors.Wrapf(err, "aidb: opening WAL %q for recovery", path)
		}
		r := record.NewReader(f)
		for {
			rec, err := r.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if base.IsCorruption(err) {
				// Replay of this log stops at its first corrupt record; the
				// records before it are kept and the rest is treated as lost.
				break
			}
			if err != nil {
				_ = f.Close()
				return errors.Wrapf(err, "aidb: replaying WAL %q", path)
			}
			seqNum, batchEntries, err := decodeBatch(rec)
			if err != nil {
				_ = f.Close()
				return err
			}
			last := seqNum
			for _, be := range batchEntries {
				if be.seqNum > last {
					last = be.seqNum
				}
				if be.seqNum <= baseline {
					continue
				}
				switch be.kind {
				case batchEntryPut:
					db.mu.mem.Put(be.key, be.value, be.seqNum)
				case batchEntryDelete:
					db.mu.mem.Delete(be.key, be.seqNum)
				}
			}
			if last > maxSeqSeen {
				maxSeqSeen = last
			}
		}
		_ = f.Close()
	}

	if maxSeqSeen > baseline {
		db.nextSeqNum.Store(uint64(maxSeqSeen) + 1)
	}

	if db.mu.mem.ApproximateSize() > 0 {
		recovered := db.mu.mem
		db.mu.mem = memtable.New()
		if err := db.flushMemtableToL0(recovered); err != nil {
			return err
		}
	}

	for _, num := range logNums {
		path := base.MakeFilepath(db.dirname, base.FileTypeLog, num)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "aidb: removing recovered WAL %q", path)
		}
	}
	return nil
}

// openNewWAL allocates a fresh file number and starts a new active WAL.
// Callers that must not race a concurrent commit hold writeMu across the
// call.
func (db *DB) openNewWAL() error {
	num, err := db.vs.NextFileNum()
	if err != nil {
		return err
	}
	path := base.MakeFilepath(db.dirname, base.FileTypeLog, num)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "aidb: creating WAL %q", path)
	}
	db.walFile = f
	db.walWriter = record.NewWriter(f)
	db.walNum = num
	return nil
}

func sortFileNums(nums []base.FileNum) {
	for i := 1; i < len(nums); i++ {
		for j := i; j > 0 && nums[j] < nums[j-1]; j-- {
			nums[j], nums[j-1] = nums[j-1], nums[j]
		}
	}
}

// cleanupObsoleteFiles removes any *.sst file not referenced by the
// recovered Version, spec.md §4.10/P9: a leftover from a crash between a
// flush/compaction's file create and the VersionEdit that would have
// registered it.
func (db *DB) cleanupObsoleteFiles() error {
	orphans, err := db.vs.ObsoleteTableFiles(nil)
	if err != nil {
		return err
	}
	for _, path := range orphans {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "aidb: removing orphan table %q", path)
		}
	}
	return nil
}

// Put inserts or overwrites the value for key, spec.md §4.6/§6.
func (db *DB) Put(key, value []byte) error {
	if len(key) == 0 {
		return base.Newf(base.KindInvalidArgument, "aidb: empty key")
	}
	b := NewBatch()
	b.Put(key, value)
	return db.Write(b)
}

// Delete records a tombstone for key, spec.md §4.6/§6.
func (db *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return base.Newf(base.KindInvalidArgument, "aidb: empty key")
	}
	b := NewBatch()
	b.Delete(key)
	return db.Write(b)
}

// Write atomically commits every operation in b, spec.md §4.6's batch
// commit: one sequence range, one WAL record, one memtable mutation.
func (db *DB) Write(b *Batch) error {
	if db.closed.Load() {
		return base.ErrClosed
	}
	if b.Empty() {
		return nil
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	seqNum := base.SeqNum(db.nextSeqNum.Load())
	b.setSeqNum(seqNum)
	repr := b.Repr()
	_, batchEntries, err := decodeBatch(repr)
	if err != nil {
		return err
	}
	for _, e := range batchEntries {
		if len(e.key) == 0 {
			return base.Newf(base.KindInvalidArgument, "aidb: empty key")
		}
	}

	if err := db.walWriter.Append(repr); err != nil {
		return errors.Wrapf(err, "aidb: appending to WAL")
	}
	db.metrics.walBytesWritten.Add(int64(len(repr)))
	if db.opts.SyncWAL {
		if err := db.walFile.Sync(); err != nil {
			return errors.Wrapf(err, "aidb: fsyncing WAL")
		}
	}

	db.mu.Lock()
	for _, e := range batchEntries {
		switch e.kind {
		case batchEntryPut:
			db.mu.mem.Put(e.key, e.value, e.seqNum)
		case batchEntryDelete:
			db.mu.mem.Delete(e.key, e.seqNum)
		}
	}
	memFull := db.mu.mem.ApproximateSize() >= db.opts.MemTableSize
	db.mu.Unlock()

	// Published only now, after the memtable mutation is already visible:
	// a reader that observes the new nextSeqNum is guaranteed to also
	// observe the write that produced it.
	db.nextSeqNum.Store(uint64(seqNum) + uint64(b.Count()))

	if memFull {
		select {
		case db.flushSignal <- struct{}{}:
		default:
		}
	}
	return nil
}

// Get resolves key against the entire live keyspace, spec.md §4.6/§6.
// Returns base.ErrNotFound if the key is absent or its newest entry is a
// tombstone.
func (db *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, base.Newf(base.KindInvalidArgument, "aidb: empty key")
	}
	if db.closed.Load() {
		return nil, base.ErrClosed
	}
	return db.getAt(key, base.SeqNumMax)
}

// getAt resolves key as of visibility sMax: the mutable memtable, then
// immutable memtables newest-first, then L0 (already newest-first), then
// L1..Lmax (non-overlapping, so at most one candidate file per level).
func (db *DB) getAt(key []byte, sMax base.SeqNum) ([]byte, error) {
	db.mu.Lock()
	mem := db.mu.mem
	imm := append([]*memtable.MemTable(nil), db.mu.imm...)
	db.mu.Unlock()

	if v, kind, found := mem.Get(key, sMax); found {
		return resolveGet(v, kind)
	}
	for i := len(imm) - 1; i >= 0; i-- {
		if v, kind, found := imm[i].Get(key, sMax); found {
			return resolveGet(v, kind)
		}
	}

	v := db.vs.Current()
	end := append(append([]byte(nil), key...), 0)
	for _, f := range v.Levels[0] {
		if !f.Overlaps(key, end) {
			continue
		}
		val, kind, found, err := db.getFromTable(f.FileNum, key, sMax)
		if err != nil {
			return nil, err
		}
		if found {
			return resolveGet(val, kind)
		}
	}
	for level := 1; level < len(v.Levels); level++ {
		f := findFileForKey(v.Levels[level], key)
		if f == nil {
			continue
		}
		val, kind, found, err := db.getFromTable(f.FileNum, key, sMax)
		if err != nil {
			return nil, err
		}
		if found {
			return resolveGet(val, kind)
		}
	}
	return nil, base.ErrNotFound
}

func resolveGet(value []byte, kind base.InternalKeyKind) ([]byte, error) {
	if kind == base.InternalKeyKindTombstone {
		return nil, base.ErrNotFound
	}
	return value, nil
}

func (db *DB) getFromTable(fileNum base.FileNum, key []byte, sMax base.SeqNum) ([]byte, base.InternalKeyKind, bool, error) {
	r, err := db.tableCache.get(fileNum)
	if err != nil {
		return nil, 0, false, err
	}
	return r.Get(key, sMax)
}

// findFileForKey returns the file in a sorted, non-overlapping level list
// whose range contains key, or nil.
func findFileForKey(files []*manifest.FileMetadata, key []byte) *manifest.FileMetadata {
	for _, f := range files {
		if string(key) < string(f.Smallest.UserKey) {
			continue
		}
		if string(key) > string(f.Largest.UserKey) {
			continue
		}
		return f
	}
	return nil
}

// Iter returns an iterator over the entire live keyspace, spec.md §4.6.
func (db *DB) Iter() (*Iterator, error) {
	if db.closed.Load() {
		return nil, base.ErrClosed
	}
	return db.newIterator(base.SeqNumMax, nil, nil)
}

// Scan returns an iterator over [start, end), spec.md §4.6.
func (db *DB) Scan(start, end []byte) (*Iterator, error) {
	if db.closed.Load() {
		return nil, base.ErrClosed
	}
	return db.newIterator(base.SeqNumMax, start, end)
}

func (db *DB) newIterator(sMax base.SeqNum, start, end []byte) (*Iterator, error) {
	db.mu.Lock()
	mem := db.mu.mem
	imm := append([]*memtable.MemTable(nil), db.mu.imm...)
	db.mu.Unlock()

	var sources []merge.Source
	sources = append(sources, mem.NewIterator())
	for i := len(imm) - 1; i >= 0; i-- {
		sources = append(sources, imm[i].NewIterator())
	}

	v := db.vs.Current()
	for _, files := range v.Levels {
		for _, f := range files {
			if !f.Overlaps(start, end) {
				continue
			}
			r, err := db.tableCache.get(f.FileNum)
			if err != nil {
				return nil, err
			}
			it, err := r.NewIterator()
			if err != nil {
				return nil, err
			}
			sources = append(sources, it)
		}
	}

	return &Iterator{merged: merge.New(sources...), sMax: sMax, start: start, end: end}, nil
}

// Snapshot captures the current sequence number as a stable read view,
// spec.md §4.6/§6.
func (db *DB) Snapshot() *Snapshot {
	seqNum := base.SeqNum(db.nextSeqNum.Load() - 1)
	db.snapshots.add(seqNum)
	return &Snapshot{db: db, seqNum: seqNum}
}

func (db *DB) releaseSnapshot(seqNum base.SeqNum) {
	db.snapshots.remove(seqNum)
}

// Flush forces the current mutable memtable to an L0 SSTable and blocks
// until that flush (and any already in flight) has committed, spec.md
// §4.6's "flush()".
func (db *DB) Flush() error {
	if db.closed.Load() {
		return base.ErrClosed
	}
	done := make(chan error, 1)
	db.flushRequests <- done
	return <-done
}

func (db *DB) backgroundFlush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-db.flushSignal:
			if err := db.doFlush(); err != nil {
				db.opts.Logger.Errorf("aidb: background flush failed: %v", err)
			}
		case done := <-db.flushRequests:
			done <- db.doFlush()
		}
	}
}

// doFlush freezes the mutable memtable (if non-empty), rotates the WAL,
// writes the frozen memtable out as one L0 SSTable, commits the
// VersionEdit, and removes the now-redundant WAL, signaling the
// compaction goroutine in case this pushed L0 over its trigger.
func (db *DB) doFlush() error {
	db.writeMu.Lock()
	db.mu.Lock()
	if db.mu.mem.ApproximateSize() == 0 {
		db.mu.Unlock()
		db.writeMu.Unlock()
		return nil
	}
	frozen := db.mu.mem
	db.mu.mem = memtable.New()
	db.mu.imm = append(db.mu.imm, frozen)
	db.mu.Unlock()

	oldWALFile := db.walFile
	oldWALNum := db.walNum
	if err := db.openNewWAL(); err != nil {
		db.writeMu.Unlock()
		return err
	}
	db.writeMu.Unlock()

	if err := db.flushMemtableToL0(frozen); err != nil {
		return err
	}

	db.mu.Lock()
	for i, m := range db.mu.imm {
		if m == frozen {
			db.mu.imm = append(db.mu.imm[:i:i], db.mu.imm[i+1:]...)
			break
		}
	}
	db.mu.Unlock()

	if err := oldWALFile.Close(); err != nil {
		return errors.Wrapf(err, "aidb: closing flushed WAL")
	}
	oldPath := base.MakeFilepath(db.dirname, base.FileTypeLog, oldWALNum)
	if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "aidb: removing flushed WAL %q", oldPath)
	}

	db.metrics.flushCount.Add(1)
	select {
	case db.compactSignal <- struct{}{}:
	default:
	}
	return nil
}

// flushMemtableToL0 writes every entry of mem to one new SSTable at L0, in
// the memtable's own ascending-InternalKey order (no dedup: that is
// compaction's job, spec.md §4.9). mem is assumed non-empty.
func (db *DB) flushMemtableToL0(mem *memtable.MemTable) error {
	it := mem.NewIterator()
	if !it.Next() {
		return nil
	}
	num, err := db.vs.NextFileNum()
	if err != nil {
		return err
	}
	path := base.MakeFilepath(db.dirname, base.FileTypeTable, num)
	builder, err := sstable.NewBuilder(path, num, db.builderOptions())
	if err != nil {
		return errors.Wrapf(err, "aidb: creating flush output %q", path)
	}
	var maxSeq base.SeqNum
	for {
		if it.Key().SeqNum > maxSeq {
			maxSeq = it.Key().SeqNum
		}
		if err := builder.Add(it.Key(), it.Value()); err != nil {
			_ = builder.Abandon()
			return errors.Wrapf(err, "aidb: writing flush output entry")
		}
		if !it.Next() {
			break
		}
	}
	fileSize, smallest, largest, err := builder.Finish()
	if err != nil {
		return errors.Wrapf(err, "aidb: finishing flush output")
	}

	edit := &manifest.VersionEdit{
		NewFiles: []manifest.NewFileEntry{{
			Level: 0,
			Meta: manifest.FileMetadata{
				FileNum:  num,
				FileSize: uint64(fileSize),
				Smallest: smallest,
				Largest:  largest,
			},
		}},
	}
	// The WAL covering these entries is removed once this edit commits
	// (recoverWAL/doFlush), so last_sequence must be durably advanced here
	// — it is the only remaining record of how far replay has to catch up
	// on the next open (spec.md §9: "the sequence counter must be loaded
	// from the manifest's SetLastSequence on open; no module may reset
	// it").
	if maxSeq > db.vs.Current().LastSeqNum {
		edit.HasLastSequence = true
		edit.LastSequence = maxSeq
	}
	return db.vs.LogAndApply(edit)
}

func (db *DB) builderOptions() sstable.BuilderOptions {
	compressionType := sstable.CompressionNone
	if db.opts.EnableCompression {
		compressionType = db.opts.CompressionType
	}
	return sstable.BuilderOptions{
		BlockSize:             db.opts.BlockSize,
		Compression:           compressionType,
		EnableBloomFilter:     db.opts.EnableBloomFilter,
		BloomFilterBitsPerKey: db.opts.BloomFilterBitsPerKey,
	}
}

// CompactRange forces every level overlapping [start, end) to compact into
// the next level down, bypassing the picker's size/count triggers
// (SPEC_FULL.md §6's supplemented compact_range operation).
func (db *DB) CompactRange(start, end []byte) error {
	if db.closed.Load() {
		return base.ErrClosed
	}
	for {
		ran, err := db.tryCompactOnce(func(v *manifest.Version) *compaction.Task {
			return pickRangeTask(v, start, end)
		})
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func pickRangeTask(v *manifest.Version, start, end []byte) *compaction.Task {
	for level := 0; level < len(v.Levels)-1; level++ {
		in := v.OverlappingFiles(level, start, end)
		if len(in) == 0 {
			continue
		}
		out := v.OverlappingFiles(level+1, start, end)
		return &compaction.Task{InputLevel: level, OutputLevel: level + 1, InputFiles: in, OverlapFiles: out}
	}
	return nil
}

func (db *DB) backgroundCompact(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-db.compactSignal:
			for {
				ran, err := db.tryCompactOnce(db.picker.Pick)
				if err != nil {
					db.opts.Logger.Errorf("aidb: background compaction failed: %v", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// tryCompactOnce picks a task against the current Version and runs it to
// completion, both under compactionMu: the background compaction loop and
// an explicit CompactRange call must not pick overlapping tasks off of two
// different Version snapshots at once (spec.md §4.8's picker/runner are
// built for one compaction in flight at a time). Returns ran=false if pick
// found nothing to do.
func (db *DB) tryCompactOnce(pick func(v *manifest.Version) *compaction.Task) (ran bool, err error) {
	db.compactionMu.Lock()
	defer db.compactionMu.Unlock()

	v := db.vs.Current()
	task := pick(v)
	if task == nil {
		return false, nil
	}
	return true, db.runCompactionTaskLocked(v, task)
}

// runCompactionTaskLocked merges task's inputs via internal/compaction,
// commits the resulting VersionEdit, evicts and unlinks the consumed input
// files, and advances the level's compaction pointer (spec.md §4.8/§4.9).
// Callers must hold compactionMu.
func (db *DB) runCompactionTaskLocked(v *manifest.Version, task *compaction.Task) error {
	isBaseLevel := true
	for l := task.OutputLevel + 1; l < len(v.Levels); l++ {
		if len(v.Levels[l]) > 0 {
			isBaseLevel = false
			break
		}
	}
	smallestSnapshotSeq := db.snapshots.smallest(base.SeqNumMax)

	result, err := compaction.Run(task, compaction.RunOptions{
		Dirname:             db.dirname,
		Cache:               db.blockCache,
		Builder:             db.builderOptions(),
		MaxOutputFileSize:   db.opts.SSTableSize,
		SmallestSnapshotSeq: smallestSnapshotSeq,
		IsBaseLevel:         isBaseLevel,
		NextFileNum:         db.vs.NextFileNum,
	})
	if err != nil {
		return err
	}

	edit := &manifest.VersionEdit{}
	for _, f := range task.InputFiles {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{Level: task.InputLevel, FileNum: f.FileNum})
	}
	for _, f := range task.OverlapFiles {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{Level: task.OutputLevel, FileNum: f.FileNum})
	}
	for _, meta := range result.OutputFiles {
		m := meta
		edit.NewFiles = append(edit.NewFiles, manifest.NewFileEntry{Level: task.OutputLevel, Meta: m})
	}
	if err := db.vs.LogAndApply(edit); err != nil {
		return err
	}

	// The in-memory file list (already updated by LogAndApply above) must
	// be swapped in before any input file is evicted from the table cache
	// or unlinked, so no reader can be handed a reader for a file the
	// Version no longer names.
	for _, f := range task.AllInputs() {
		db.tableCache.evict(f.FileNum)
	}
	for _, f := range task.AllInputs() {
		path := base.MakeFilepath(db.dirname, base.FileTypeTable, f.FileNum)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "aidb: removing compacted input %q", path)
		}
	}

	if task.InputLevel >= 1 && len(task.InputFiles) == 1 {
		db.vs.AdvanceCompactPointer(task.InputLevel, task.InputFiles[0].Largest.UserKey)
	}

	db.metrics.compactionCount.Add(1)
	db.metrics.discardedTombstones.Add(int64(result.DiscardedTombstones))
	return nil
}

// Metrics returns a point-in-time snapshot of the observability counters
// (SPEC_FULL.md §4).
func (db *DB) Metrics() *Metrics {
	return db.metrics.snapshot()
}

// Collector exposes the same counters as a prometheus.Collector, for
// registration with an application's own registry.
func (db *DB) Collector() prometheus.Collector {
	return db.metrics
}

// Close stops the background goroutines, flushes any remaining data, and
// releases every open file handle, spec.md §4.6/§6's "close()".
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.cancel()
	if err := db.group.Wait(); err != nil {
		return err
	}

	db.mu.Lock()
	pending := db.mu.mem.ApproximateSize() > 0
	db.mu.Unlock()
	if pending {
		if err := db.doFlush(); err != nil {
			return err
		}
	}

	if err := db.tableCache.closeAll(); err != nil {
		return err
	}
	if err := db.vs.Close(); err != nil {
		return err
	}
	if err := db.walFile.Close(); err != nil {
		return errors.Wrapf(err, "aidb: closing WAL")
	}
	return nil
}
