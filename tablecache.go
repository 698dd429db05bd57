package aidb

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/cache"
	"github.com/aidb/aidb/internal/sstable"
)

// tableCache holds one open *sstable.Reader per live file number so that
// repeated Get/iterator calls against the same SSTable don't re-parse its
// footer, index and Bloom filter on every access.
//
// Grounded on pebble's table_cache.go (open-reader-per-file-number
// lifecycle, evict-on-file-number), trimmed to a single shard: AiDb's
// internal/cache block cache already shards by (file_number, offset) for
// block-level contention, so the reader-handle map here does not need its
// own sharding on top.
type tableCache struct {
	mu      sync.Mutex
	dirname string
	cache   *cache.Cache
	readers map[base.FileNum]*sstable.Reader
}

func newTableCache(dirname string, blockCache *cache.Cache) *tableCache {
	return &tableCache{
		dirname: dirname,
		cache:   blockCache,
		readers: make(map[base.FileNum]*sstable.Reader),
	}
}

// get returns the Reader for fileNum, opening it on first use.
func (tc *tableCache) get(fileNum base.FileNum) (*sstable.Reader, error) {
	tc.mu.Lock()
	if r, ok := tc.readers[fileNum]; ok {
		tc.mu.Unlock()
		return r, nil
	}
	tc.mu.Unlock()

	path := base.MakeFilepath(tc.dirname, base.FileTypeTable, fileNum)
	r, err := sstable.Open(path, tc.cache)
	if err != nil {
		return nil, errors.Wrapf(err, "aidb: opening table %q", path)
	}

	tc.mu.Lock()
	if existing, ok := tc.readers[fileNum]; ok {
		tc.mu.Unlock()
		_ = r.Close()
		return existing, nil
	}
	tc.readers[fileNum] = r
	tc.mu.Unlock()
	return r, nil
}

// evict closes and forgets the reader for fileNum, called once a
// compaction's DeleteFile edit has been installed and the file is about
// to be unlinked (spec.md §9: "the in-memory list must be updated before
// any file is unlinked").
func (tc *tableCache) evict(fileNum base.FileNum) {
	tc.mu.Lock()
	r, ok := tc.readers[fileNum]
	delete(tc.readers, fileNum)
	tc.mu.Unlock()
	if ok {
		_ = r.Close()
	}
	tc.cache.Invalidate(uint64(fileNum))
}

// closeAll closes every open reader, called from DB.Close.
func (tc *tableCache) closeAll() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var firstErr error
	for num, r := range tc.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(tc.readers, num)
	}
	return firstErr
}
