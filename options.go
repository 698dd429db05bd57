package aidb

import (
	"github.com/aidb/aidb/internal/sstable"
)

// Logger is the minimal logging sink AiDb writes to, grounded on pebble's
// base.Logger: a library has no business picking a logging framework for
// its host, so it depends on an interface instead.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// DefaultLogger discards everything, matching pebble's base.DefaultLogger.
var DefaultLogger Logger = noopLogger{}

// Options configures an open DB, spec.md §6's "Configuration options"
// table.
type Options struct {
	// CreateIfMissing creates the directory/manifest if absent.
	CreateIfMissing bool
	// ErrorIfExists fails Open if the directory is non-empty.
	ErrorIfExists bool

	// MemTableSize is the freeze threshold in bytes.
	MemTableSize int64
	// SSTableSize is the target output file size for compaction. A flush
	// always writes its memtable to a single file, whatever its size.
	SSTableSize int64
	// BlockSize is the data block target size.
	BlockSize int
	// BlockCacheSize is the LRU capacity in bytes. EnsureDefaults replaces
	// 0 with the 32 MiB default, so the cache cannot be switched off
	// through Options.
	BlockCacheSize int64

	// EnableBloomFilter builds and consults a Bloom filter per SSTable.
	EnableBloomFilter bool
	// BloomFilterBitsPerKey tunes the false-positive rate.
	BloomFilterBitsPerKey uint32

	// EnableCompression turns on block-body compression (CompressionType
	// below); disabling it writes CompressionNone blocks regardless of
	// CompressionType.
	EnableCompression bool
	// CompressionType selects the block-body compressor, spec.md §4.3:
	// None or Snappy.
	CompressionType sstable.CompressionType

	// SyncWAL fsyncs the WAL on every write (or batch commit).
	SyncWAL bool

	// Level0CompactionThreshold is the L0 file-count compaction trigger.
	Level0CompactionThreshold int
	// LevelSizeMultiplier is the geometric per-level size growth factor.
	LevelSizeMultiplier int64
	// BaseLevelSize is the size target for L1.
	BaseLevelSize int64
	// MaxLevels is the maximum level count.
	MaxLevels int

	// Logger receives diagnostic output. Defaults to DefaultLogger (a
	// no-op) if nil.
	Logger Logger
}

// EnsureDefaults returns a copy of o with every zero-valued field set to
// spec.md §6's documented default, grounded on pebble's
// Options.EnsureDefaults/Clone pattern.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	out := *o
	if out.MemTableSize == 0 {
		out.MemTableSize = 4 << 20
	}
	if out.SSTableSize == 0 {
		out.SSTableSize = 2 << 20
	}
	if out.BlockSize == 0 {
		out.BlockSize = 4 << 10
	}
	if out.BlockCacheSize == 0 {
		out.BlockCacheSize = 32 << 20
	}
	if out.BloomFilterBitsPerKey == 0 {
		out.BloomFilterBitsPerKey = 10
	}
	if out.Level0CompactionThreshold == 0 {
		out.Level0CompactionThreshold = 4
	}
	if out.LevelSizeMultiplier == 0 {
		out.LevelSizeMultiplier = 10
	}
	if out.BaseLevelSize == 0 {
		out.BaseLevelSize = 10 << 20
	}
	if out.MaxLevels == 0 {
		out.MaxLevels = 7
	}
	if out.Logger == nil {
		out.Logger = DefaultLogger
	}
	return &out
}

// DefaultOptions returns spec.md §6's documented defaults: create missing
// directories, Bloom filters and Snappy compression enabled, sync_wal on.
func DefaultOptions() *Options {
	o := &Options{
		CreateIfMissing:   true,
		EnableBloomFilter: true,
		EnableCompression: true,
		CompressionType:   sstable.CompressionSnappy,
		SyncWAL:           true,
	}
	return o.EnsureDefaults()
}
