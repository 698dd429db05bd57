// Package cache implements the shared block cache (spec.md §4.6/C8): a
// strict-LRU, byte-accounted, sharded cache keyed by (file_number, offset).
//
// Grounded on pebble's cache/cache.go for the (fileNum, offset)-keyed API
// shape (Get/Insert/Invalidate-by-file-number/Clear, hit/miss/evict
// counters), but the eviction policy itself is a straightforward strict
// LRU via container/list rather than pebble's CLOCK-Pro, because spec.md
// §4.6 mandates "eviction policy is strict LRU with byte-accounting".
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Key identifies one cached block.
type Key struct {
	FileNum uint64
	Offset  uint64
}

const numShards = 16

// Cache is a size-bounded, thread-safe LRU cache of decompressed SSTable
// blocks. A zero-capacity Cache disables caching entirely (spec.md §4.6:
// "block_cache_size == 0 disables caching").
type Cache struct {
	shards   [numShards]shard
	capacity int64

	hits   atomic.Int64
	misses atomic.Int64
	evicts atomic.Int64
}

type entry struct {
	key   Key
	value []byte
}

type shard struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	ll       *list.List // of *entry, most-recently-used at the front.
	index    map[Key]*list.Element
}

// New creates a Cache with the given total byte capacity, split evenly
// across shards.
func New(capacityBytes int64) *Cache {
	c := &Cache{capacity: capacityBytes}
	perShard := capacityBytes / numShards
	for i := range c.shards {
		c.shards[i] = shard{
			capacity: perShard,
			ll:       list.New(),
			index:    make(map[Key]*list.Element),
		}
	}
	return c
}

// Disabled reports whether this cache has zero capacity.
func (c *Cache) Disabled() bool { return c.capacity <= 0 }

func shardFor(key Key) int {
	var buf [16]byte
	buf[0], buf[1], buf[2], buf[3] = byte(key.FileNum), byte(key.FileNum>>8), byte(key.FileNum>>16), byte(key.FileNum>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(key.FileNum>>32), byte(key.FileNum>>40), byte(key.FileNum>>48), byte(key.FileNum>>56)
	buf[8], buf[9], buf[10], buf[11] = byte(key.Offset), byte(key.Offset>>8), byte(key.Offset>>16), byte(key.Offset>>24)
	buf[12], buf[13], buf[14], buf[15] = byte(key.Offset>>32), byte(key.Offset>>40), byte(key.Offset>>48), byte(key.Offset>>56)
	return int(xxhash.Sum64(buf[:]) % numShards)
}

// Get returns the cached bytes for key, if present.
func (c *Cache) Get(key Key) ([]byte, bool) {
	if c.Disabled() {
		return nil, false
	}
	s := &c.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.index[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	s.ll.MoveToFront(el)
	c.hits.Add(1)
	return el.Value.(*entry).value, true
}

// Insert adds value under key, evicting least-recently-used entries from
// the same shard until the shard is back under capacity.
func (c *Cache) Insert(key Key, value []byte) {
	if c.Disabled() {
		return
	}
	s := &c.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.index[key]; ok {
		s.used -= int64(len(el.Value.(*entry).value))
		el.Value.(*entry).value = value
		s.used += int64(len(value))
		s.ll.MoveToFront(el)
	} else {
		el := s.ll.PushFront(&entry{key: key, value: value})
		s.index[key] = el
		s.used += int64(len(value))
	}
	for s.used > s.capacity && s.ll.Len() > 0 {
		back := s.ll.Back()
		s.ll.Remove(back)
		ev := back.Value.(*entry)
		delete(s.index, ev.key)
		s.used -= int64(len(ev.value))
		c.evicts.Add(1)
	}
}

// Invalidate drops every cache entry belonging to fileNum. The coordinator
// calls this when a file is deleted (spec.md §4.6/§4.9).
func (c *Cache) Invalidate(fileNum uint64) {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, el := range s.index {
			if key.FileNum == fileNum {
				s.ll.Remove(el)
				delete(s.index, key)
				s.used -= int64(len(el.Value.(*entry).value))
			}
		}
		s.mu.Unlock()
	}
}

// Clear empties the cache entirely.
func (c *Cache) Clear() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.ll.Init()
		s.index = make(map[Key]*list.Element)
		s.used = 0
		s.mu.Unlock()
	}
}

// Stats reports the running hit/miss/evict counters.
type Stats struct {
	Hits, Misses, Evicts int64
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Evicts: c.evicts.Load()}
}
