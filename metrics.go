package aidb

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a point-in-time snapshot of AiDb's observability counters,
// SPEC_FULL.md §4's ambient Metrics addition. Purely observational: no
// control flow depends on any value here.
type Metrics struct {
	WALBytesWritten  int64
	MemTableCount    int
	FlushCount       int64
	CompactionCount  int64
	DiscardedTombstones int64

	LevelFileCount []int
	LevelBytes     []uint64

	CacheHits   int64
	CacheMisses int64
	CacheEvicts int64
}

// metricsCollector accumulates the atomic counters DB operations update
// as they run; Metrics() renders a consistent snapshot from them, and
// Collector() exposes the same counters as a prometheus.Collector,
// grounded on pebble's own Prometheus metrics story (metrics.go).
type metricsCollector struct {
	walBytesWritten  atomic.Int64
	flushCount       atomic.Int64
	compactionCount  atomic.Int64
	discardedTombstones atomic.Int64

	db *DB
}

func newMetricsCollector(db *DB) *metricsCollector {
	return &metricsCollector{db: db}
}

// snapshot renders a Metrics value from the live DB state.
func (mc *metricsCollector) snapshot() *Metrics {
	db := mc.db
	db.mu.Lock()
	memCount := 1 + len(db.mu.imm)
	db.mu.Unlock()

	v := db.vs.Current()
	levelFileCount := make([]int, len(v.Levels))
	levelBytes := make([]uint64, len(v.Levels))
	for i, files := range v.Levels {
		levelFileCount[i] = len(files)
		levelBytes[i] = v.LevelBytes(i)
	}

	cacheStats := db.blockCache.Stats()
	return &Metrics{
		WALBytesWritten:     mc.walBytesWritten.Load(),
		MemTableCount:       memCount,
		FlushCount:          mc.flushCount.Load(),
		CompactionCount:     mc.compactionCount.Load(),
		DiscardedTombstones: mc.discardedTombstones.Load(),
		LevelFileCount:      levelFileCount,
		LevelBytes:          levelBytes,
		CacheHits:           cacheStats.Hits,
		CacheMisses:         cacheStats.Misses,
		CacheEvicts:         cacheStats.Evicts,
	}
}

var (
	walBytesDesc    = prometheus.NewDesc("aidb_wal_bytes_written_total", "Total bytes appended to the WAL.", nil, nil)
	flushCountDesc  = prometheus.NewDesc("aidb_flush_total", "Total number of memtable flushes.", nil, nil)
	compactionDesc  = prometheus.NewDesc("aidb_compaction_total", "Total number of compactions run.", nil, nil)
	levelFilesDesc  = prometheus.NewDesc("aidb_level_files", "Live SSTable count per level.", []string{"level"}, nil)
	levelBytesDesc  = prometheus.NewDesc("aidb_level_bytes", "Live SSTable bytes per level.", []string{"level"}, nil)
	cacheHitDesc    = prometheus.NewDesc("aidb_block_cache_hits_total", "Block cache hits.", nil, nil)
	cacheMissDesc   = prometheus.NewDesc("aidb_block_cache_misses_total", "Block cache misses.", nil, nil)
)

// Describe implements prometheus.Collector.
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- walBytesDesc
	ch <- flushCountDesc
	ch <- compactionDesc
	ch <- levelFilesDesc
	ch <- levelBytesDesc
	ch <- cacheHitDesc
	ch <- cacheMissDesc
}

// Collect implements prometheus.Collector.
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	m := mc.snapshot()
	ch <- prometheus.MustNewConstMetric(walBytesDesc, prometheus.CounterValue, float64(m.WALBytesWritten))
	ch <- prometheus.MustNewConstMetric(flushCountDesc, prometheus.CounterValue, float64(m.FlushCount))
	ch <- prometheus.MustNewConstMetric(compactionDesc, prometheus.CounterValue, float64(m.CompactionCount))
	for level, count := range m.LevelFileCount {
		label := strconv.Itoa(level)
		ch <- prometheus.MustNewConstMetric(levelFilesDesc, prometheus.GaugeValue, float64(count), label)
		ch <- prometheus.MustNewConstMetric(levelBytesDesc, prometheus.GaugeValue, float64(m.LevelBytes[level]), label)
	}
	ch <- prometheus.MustNewConstMetric(cacheHitDesc, prometheus.CounterValue, float64(m.CacheHits))
	ch <- prometheus.MustNewConstMetric(cacheMissDesc, prometheus.CounterValue, float64(m.CacheMisses))
}
