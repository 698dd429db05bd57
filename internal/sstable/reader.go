package sstable

import (
	"io"
	"os"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/bloom"
	"github.com/aidb/aidb/internal/cache"
)

// Reader opens an immutable SSTable file for reads (spec.md §4.5/C7). A
// Reader is safe for concurrent use by multiple goroutines: it never
// mutates after Open, and every block fetch goes through the shared
// cache.
type Reader struct {
	file     *os.File
	fileNum  base.FileNum
	fileSize int64
	cache    *cache.Cache

	indexBody     []byte
	smallest      base.InternalKey
	largest       base.InternalKey
	filter        *bloom.Filter
}

// Open opens the SSTable at path, whose file number is parsed from its
// filename per spec.md §9 ("Identifier-by-filename"): "a file whose
// file_number cannot be parsed from its filename is treated as invalid and
// refused."
func Open(path string, blockCache *cache.Cache) (*Reader, error) {
	fileNum, ok := base.ParseTableFileNum(path)
	if !ok {
		return nil, base.Newf(base.KindInvalidArgument, "aidb/sstable: cannot parse file number from %q", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, base.WithKind(base.KindIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, base.WithKind(base.KindIO, err)
	}
	r := &Reader{file: f, fileNum: fileNum, fileSize: info.Size(), cache: blockCache}
	if err := r.load(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) load() error {
	if r.fileSize < FooterSize {
		return base.MarkCorruption(nil, "aidb/sstable: file too small for footer")
	}
	footerBuf := make([]byte, FooterSize)
	if _, err := r.file.ReadAt(footerBuf, r.fileSize-FooterSize); err != nil {
		return base.WithKind(base.KindIO, err)
	}
	ft, err := decodeFooter(footerBuf)
	if err != nil {
		return err
	}

	indexRaw, err := r.readBlockRaw(ft.indexHandle)
	if err != nil {
		return err
	}
	r.indexBody, err = decompressBlock(indexRaw)
	if err != nil {
		return err
	}
	if err := r.computeBounds(); err != nil {
		return err
	}

	metaIndexRaw, err := r.readBlockRaw(ft.metaIndexHandle)
	if err != nil {
		return err
	}
	metaIndexBody, err := decompressBlock(metaIndexRaw)
	if err != nil {
		return err
	}
	metaIter, err := newBlockIter(metaIndexBody)
	if err != nil {
		return err
	}
	var filterHandle *BlockHandle
	if err := metaIter.each(func(key base.InternalKey, value []byte) error {
		if string(key.UserKey) == filterBlockName {
			h, err := decodeBlockHandle(value)
			if err != nil {
				return err
			}
			filterHandle = &h
		}
		return nil
	}); err != nil {
		return err
	}
	if filterHandle != nil {
		filterRaw, err := r.readBlockRaw(*filterHandle)
		if err != nil {
			return err
		}
		filterBody, err := decompressBlock(filterRaw)
		if err != nil {
			return err
		}
		filter, err := bloom.Decode(filterBody)
		if err != nil {
			return err
		}
		r.filter = filter
	}
	return nil
}

func (r *Reader) computeBounds() error {
	iter, err := newBlockIter(r.indexBody)
	if err != nil {
		return err
	}
	first := true
	return iter.each(func(key base.InternalKey, _ []byte) error {
		if first {
			r.smallest = key.Clone()
			first = false
		}
		r.largest = key.Clone()
		return nil
	})
}

// readBlockRaw reads the on-disk (compressed, CRC-suffixed) bytes for a
// block handle directly from disk, bypassing the cache — used for the
// index/meta-index/filter blocks read once at Open, and by readDataBlock
// on a cache miss.
func (r *Reader) readBlockRaw(h BlockHandle) ([]byte, error) {
	buf := make([]byte, h.Size)
	if _, err := r.file.ReadAt(buf, int64(h.Offset)); err != nil && err != io.EOF {
		return nil, base.WithKind(base.KindIO, err)
	}
	return buf, nil
}

// readDataBlock fetches a decompressed data block through the shared
// cache, keyed by (file_number, offset) per spec.md §4.6.
func (r *Reader) readDataBlock(h BlockHandle) ([]byte, error) {
	key := cache.Key{FileNum: uint64(r.fileNum), Offset: h.Offset}
	if body, ok := r.cache.Get(key); ok {
		return body, nil
	}
	raw, err := r.readBlockRaw(h)
	if err != nil {
		return nil, err
	}
	body, err := decompressBlock(raw)
	if err != nil {
		return nil, err
	}
	r.cache.Insert(key, body)
	return body, nil
}

// FileNum returns the reader's file number, parsed from its filename.
func (r *Reader) FileNum() base.FileNum { return r.fileNum }

// FilePath returns the path this reader was opened from.
func (r *Reader) FilePath() string { return r.file.Name() }

// FileSize returns the file's size in bytes.
func (r *Reader) FileSize() int64 { return r.fileSize }

// SmallestKey returns the smallest InternalKey in the table.
func (r *Reader) SmallestKey() base.InternalKey { return r.smallest }

// LargestKey returns the largest InternalKey in the table.
func (r *Reader) LargestKey() base.InternalKey { return r.largest }

// HasBloomFilter reports whether the table carries a Bloom filter.
func (r *Reader) HasBloomFilter() bool { return r.filter != nil }

// Close closes the underlying file. It does not touch the shared cache;
// the coordinator is responsible for calling cache.Invalidate on delete.
func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return base.WithKind(base.KindIO, err)
	}
	return nil
}

// findBlock binary-searches the index for the data block that may contain
// key, returning its handle, or ok=false if key is past every block.
func (r *Reader) findBlock(key base.InternalKey) (BlockHandle, bool, error) {
	iter, err := newBlockIter(r.indexBody)
	if err != nil {
		return BlockHandle{}, false, err
	}
	_, value, ok, err := iter.seek(key)
	if err != nil || !ok {
		return BlockHandle{}, false, err
	}
	h, err := decodeBlockHandle(value)
	if err != nil {
		return BlockHandle{}, false, err
	}
	return h, true, nil
}

// Get resolves a point lookup for userKey at visibility sMax, per spec.md
// §3's point-lookup rule: seek to (user_key, sMax, Value), the first entry
// whose UserKey matches wins. If the Bloom filter says the key is
// certainly absent, Get short-circuits without touching the index.
func (r *Reader) Get(userKey []byte, sMax base.SeqNum) (value []byte, kind base.InternalKeyKind, found bool, err error) {
	if r.filter != nil && !r.filter.MayContain(userKey) {
		return nil, 0, false, nil
	}
	seekKey := base.SeekKey(userKey, sMax)
	handle, ok, err := r.findBlock(seekKey)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return nil, 0, false, nil
	}
	body, err := r.readDataBlock(handle)
	if err != nil {
		return nil, 0, false, err
	}
	iter, err := newBlockIter(body)
	if err != nil {
		return nil, 0, false, err
	}
	ik, v, ok, err := iter.seek(seekKey)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok || string(ik.UserKey) != string(userKey) {
		return nil, 0, false, nil
	}
	return v, ik.Kind, true, nil
}

// NewIterator returns an iterator over every entry in the table in
// InternalKey order, used by scans and compaction (spec.md §4.5's
// "iter()").
func (r *Reader) NewIterator() (*Iterator, error) {
	iter, err := newBlockIter(r.indexBody)
	if err != nil {
		return nil, err
	}
	var handles []BlockHandle
	if err := iter.each(func(_ base.InternalKey, value []byte) error {
		h, err := decodeBlockHandle(value)
		if err != nil {
			return err
		}
		handles = append(handles, h)
		return nil
	}); err != nil {
		return nil, err
	}
	return &Iterator{reader: r, handles: handles, blockIdx: -1}, nil
}

// Iterator produces (InternalKey, value) pairs across every data block of
// a table, in ascending InternalKey order.
type Iterator struct {
	reader   *Reader
	handles  []BlockHandle
	blockIdx int
	entries  []blockEntry
	entryIdx int
	err      error
}

// Next advances the iterator and reports whether a new entry is
// available.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.entryIdx+1 < len(it.entries) {
			it.entryIdx++
			return true
		}
		it.blockIdx++
		if it.blockIdx >= len(it.handles) {
			return false
		}
		body, err := it.reader.readDataBlock(it.handles[it.blockIdx])
		if err != nil {
			it.err = err
			return false
		}
		bi, err := newBlockIter(body)
		if err != nil {
			it.err = err
			return false
		}
		it.entries = it.entries[:0]
		if err := bi.each(func(key base.InternalKey, value []byte) error {
			it.entries = append(it.entries, blockEntry{key: key, value: value})
			return nil
		}); err != nil {
			it.err = err
			return false
		}
		it.entryIdx = -1
	}
}

// Key returns the current entry's InternalKey. Valid only after a Next
// call returned true.
func (it *Iterator) Key() base.InternalKey { return it.entries[it.entryIdx].key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.entries[it.entryIdx].value }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }
