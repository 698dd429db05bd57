package sstable

import (
	"os"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/bloom"
)

// filterBlockName is the conventional meta-block name spec.md §4.4 asks
// for ("a conventional name (e.g. filter.bloom")).
const filterBlockName = "filter.bloom"

// BuilderOptions configures a Builder (mirrors the relevant Options
// fields, spec.md §6).
type BuilderOptions struct {
	BlockSize             int
	RestartInterval       int
	Compression           CompressionType
	EnableBloomFilter     bool
	BloomFilterBitsPerKey uint32
}

// Builder assembles one SSTable file (spec.md §4.5/C6). Entries must be
// added in strictly ascending InternalKey order. The builder owns a target
// file_number and path; if no entry is ever added, Abandon (not Finish)
// must be used — spec.md §4.5: "an empty SSTable must never be added to a
// level."
type Builder struct {
	opts     BuilderOptions
	file     *os.File
	fileNum  base.FileNum
	offset   uint64
	cur      *blockWriter
	index    *blockWriter
	filter   *bloom.Builder
	nEntries int
	smallest base.InternalKey
	largest  base.InternalKey
}

// NewBuilder opens (or truncates) path for writing and returns a Builder
// targeting fileNum.
func NewBuilder(path string, fileNum base.FileNum, opts BuilderOptions) (*Builder, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 4096
	}
	if opts.RestartInterval <= 0 {
		opts.RestartInterval = DefaultRestartInterval
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, base.WithKind(base.KindIO, err)
	}
	b := &Builder{
		opts:    opts,
		file:    f,
		fileNum: fileNum,
		cur:     newBlockWriter(opts.RestartInterval),
		index:   newBlockWriter(IndexRestartInterval),
	}
	if opts.EnableBloomFilter {
		b.filter = bloom.NewBuilder(opts.BloomFilterBitsPerKey)
	}
	return b, nil
}

// Path returns the builder's target file path.
func (b *Builder) Path() string { return b.file.Name() }

// FileNum returns the builder's target file number.
func (b *Builder) FileNum() base.FileNum { return b.fileNum }

// EntryCount returns the number of entries added so far.
func (b *Builder) EntryCount() int { return b.nEntries }

// EstimatedFileSize returns the approximate on-disk size if Finish were
// called now: bytes already flushed plus the pending (unflushed) data
// block. Used by the compaction runner to decide when to roll to a new
// output file (spec.md §4.9: "output sizing/rolling").
func (b *Builder) EstimatedFileSize() int64 {
	return int64(b.offset) + int64(b.cur.estimatedSize())
}

// Add inserts one InternalKey/value pair. Keys must be strictly ascending.
func (b *Builder) Add(key base.InternalKey, value []byte) error {
	if b.nEntries == 0 {
		b.smallest = key.Clone()
	}
	if err := b.cur.add(key, value); err != nil {
		return err
	}
	b.largest = key.Clone()
	b.nEntries++
	if b.filter != nil {
		b.filter.Add(key.UserKey)
	}
	if b.cur.estimatedSize() >= b.opts.BlockSize {
		if err := b.flushDataBlock(); err != nil {
			return err
		}
	}
	return nil
}

// flushDataBlock writes the current data block to disk and records an
// index entry for it (spec.md §4.5: "records each completed block's last
// key and BlockHandle in an index builder").
func (b *Builder) flushDataBlock() error {
	if b.cur.empty() {
		return nil
	}
	body := b.cur.finish()
	stored := compressBlock(body, b.opts.Compression)
	handle := BlockHandle{Offset: b.offset, Size: uint64(len(stored))}
	if _, err := b.file.Write(stored); err != nil {
		return base.WithKind(base.KindIO, err)
	}
	b.offset += uint64(len(stored))

	// The index key for this block is its last (largest) key, satisfying
	// "key >= greatest key in that block" with equality, the tightest
	// valid choice.
	indexKey := base.InternalKey{UserKey: append([]byte(nil), b.largest.UserKey...), SeqNum: b.largest.SeqNum, Kind: b.largest.Kind}
	if err := b.index.add(indexKey, encodeBlockHandle(nil, handle)); err != nil {
		return err
	}
	b.cur = newBlockWriter(b.opts.RestartInterval)
	return nil
}

// Finish flushes any pending data, writes the meta block (filter), the
// meta-index block, the index block and the footer, then fsyncs and
// closes the file (spec.md §4.5). Finish must not be called when
// EntryCount()==0; call Abandon instead.
func (b *Builder) Finish() (fileSize int64, smallest, largest base.InternalKey, err error) {
	if b.nEntries == 0 {
		return 0, base.InternalKey{}, base.InternalKey{}, base.Newf(base.KindInternal, "aidb/sstable: Finish called with zero entries; use Abandon")
	}
	if err := b.flushDataBlock(); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, err
	}

	metaIndex := newBlockWriter(1)
	if b.filter != nil && !b.filter.Empty() {
		filterBytes := b.filter.Finish().Encode()
		stored := compressBlock(filterBytes, CompressionNone)
		handle := BlockHandle{Offset: b.offset, Size: uint64(len(stored))}
		if _, err := b.file.Write(stored); err != nil {
			return 0, base.InternalKey{}, base.InternalKey{}, base.WithKind(base.KindIO, err)
		}
		b.offset += uint64(len(stored))
		nameKey := base.MakeInternalKey([]byte(filterBlockName), 0, base.InternalKeyKindValue)
		if err := metaIndex.add(nameKey, encodeBlockHandle(nil, handle)); err != nil {
			return 0, base.InternalKey{}, base.InternalKey{}, err
		}
	}
	metaIndexBody := metaIndex.finish()
	metaIndexStored := compressBlock(metaIndexBody, CompressionNone)
	metaIndexHandle := BlockHandle{Offset: b.offset, Size: uint64(len(metaIndexStored))}
	if _, err := b.file.Write(metaIndexStored); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, base.WithKind(base.KindIO, err)
	}
	b.offset += uint64(len(metaIndexStored))

	indexBody := b.index.finish()
	indexStored := compressBlock(indexBody, CompressionNone)
	indexHandle := BlockHandle{Offset: b.offset, Size: uint64(len(indexStored))}
	if _, err := b.file.Write(indexStored); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, base.WithKind(base.KindIO, err)
	}
	b.offset += uint64(len(indexStored))

	footerBytes := encodeFooter(footer{metaIndexHandle: metaIndexHandle, indexHandle: indexHandle})
	if _, err := b.file.Write(footerBytes); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, base.WithKind(base.KindIO, err)
	}
	b.offset += uint64(len(footerBytes))

	if err := b.file.Sync(); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, base.WithKind(base.KindIO, err)
	}
	if err := b.file.Close(); err != nil {
		return 0, base.InternalKey{}, base.InternalKey{}, base.WithKind(base.KindIO, err)
	}
	return int64(b.offset), b.smallest, b.largest, nil
}

// Abandon discards the builder's output file without writing a footer,
// per spec.md §4.5: "If entry_count == 0, the builder must be abandoned
// (no footer, file removed)."
func (b *Builder) Abandon() error {
	path := b.file.Name()
	_ = b.file.Close()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return base.WithKind(base.KindIO, err)
	}
	return nil
}
