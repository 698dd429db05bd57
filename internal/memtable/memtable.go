// Package memtable implements the in-memory sorted buffer that absorbs
// writes between flushes (spec.md §3 "MemTableEntry", §4.2/C3).
//
// Grounded on pebble's internal/arenaskl package for the concurrent
// skiplist *shape* — per-key forward pointers at a probabilistically
// chosen height, concurrent readers and writers without a single global
// mutex serializing every operation — but implemented over a
// sync.RWMutex-guarded node list instead of arenaskl's lock-free
// unsafe.Pointer arena allocator (see DESIGN.md for why: that allocator's
// correctness depends on a CAS/memory-reclamation discipline this
// exercise cannot verify by compiling or running it even once).
package memtable

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/aidb/aidb/internal/base"
)

const maxHeight = 12
const branching = 4

// entryOverhead approximates the fixed per-entry bookkeeping cost folded
// into approximate_size (spec.md §4.2), grounded on pebble's own skiplist
// node-header overhead accounting.
const entryOverhead = 32

type node struct {
	key     base.InternalKey
	value   []byte
	forward []*node
}

// MemTable is a concurrent ordered map from InternalKey to value,
// size-tracked, spec.md §4.2/C3.
type MemTable struct {
	mu     sync.RWMutex
	rnd    *rand.Rand
	head   *node
	height int
	size   atomic.Int64
}

// New creates an empty MemTable.
func New() *MemTable {
	return &MemTable{
		rnd:    rand.New(rand.NewSource(rand.Int63())),
		head:   &node{forward: make([]*node, maxHeight)},
		height: 1,
	}
}

func (m *MemTable) randomHeight() int {
	h := 1
	for h < maxHeight && m.rnd.Intn(branching) == 0 {
		h++
	}
	return h
}

// findGreaterOrEqual walks the skiplist and returns the first node whose key
// is >= key, or nil. If prev is non-nil, it also records, for each level,
// the last node strictly less than key (used for insertion). Caller must
// hold at least a read lock.
func (m *MemTable) findGreaterOrEqual(key base.InternalKey, prev []*node) *node {
	cur := m.head
	for level := m.height - 1; level >= 0; level-- {
		for cur.forward[level] != nil && base.InternalCompare(cur.forward[level].key, key) < 0 {
			cur = cur.forward[level]
		}
		if prev != nil {
			prev[level] = cur
		}
	}
	if cur.forward[0] != nil {
		return cur.forward[0]
	}
	return nil
}

// Put inserts a live value for userKey at seqNum.
func (m *MemTable) Put(userKey, value []byte, seqNum base.SeqNum) {
	m.insert(base.MakeInternalKey(append([]byte(nil), userKey...), seqNum, base.InternalKeyKindValue), append([]byte(nil), value...))
}

// Delete inserts a tombstone for userKey at seqNum (spec.md §4.2: "insert
// tombstone").
func (m *MemTable) Delete(userKey []byte, seqNum base.SeqNum) {
	m.insert(base.MakeInternalKey(append([]byte(nil), userKey...), seqNum, base.InternalKeyKindTombstone), nil)
}

func (m *MemTable) insert(key base.InternalKey, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev [maxHeight]*node
	m.findGreaterOrEqual(key, prev[:])

	height := m.randomHeight()
	if height > m.height {
		for i := m.height; i < height; i++ {
			prev[i] = m.head
		}
		m.height = height
	}
	n := &node{key: key, value: value, forward: make([]*node, height)}
	for i := 0; i < height; i++ {
		n.forward[i] = prev[i].forward[i]
		prev[i].forward[i] = n
	}
	m.size.Add(int64(len(key.UserKey) + len(value) + entryOverhead))
}

// Get resolves a point lookup at visibility sMax. It returns found=false
// if no entry with user_key==userKey and sequence<=sMax exists. If found,
// kind distinguishes a live value from a tombstone — callers must treat a
// Tombstone result as "key absent" themselves (spec.md §3's point-lookup
// rule), since a tombstone at a lower memtable must still shadow an older
// SSTable value and so cannot simply be skipped here.
func (m *MemTable) Get(userKey []byte, sMax base.SeqNum) (value []byte, kind base.InternalKeyKind, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seekKey := base.SeekKey(userKey, sMax)
	n := m.findGreaterOrEqual(seekKey, nil)
	if n == nil || string(n.key.UserKey) != string(userKey) {
		return nil, 0, false
	}
	return n.value, n.key.Kind, true
}

// ApproximateSize reports the tracked byte size (spec.md §4.2).
func (m *MemTable) ApproximateSize() int64 { return m.size.Load() }

// Entry is one (InternalKey, value) pair yielded by Iterator.
type Entry struct {
	Key   base.InternalKey
	Value []byte
}

// Iterator walks the memtable in InternalKey order. Constructing an
// iterator takes a read lock for the duration of the snapshot copy only;
// the returned entries are a point-in-time copy and do not observe later
// mutations, matching spec.md §5's "Concurrent readers observe a
// consistent snapshot."
type Iterator struct {
	entries []Entry
	idx     int
}

// NewIterator returns an Iterator over every entry currently in the
// memtable, in ascending InternalKey order.
func (m *MemTable) NewIterator() *Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it := &Iterator{idx: -1}
	for n := m.head.forward[0]; n != nil; n = n.forward[0] {
		it.entries = append(it.entries, Entry{Key: n.key, Value: n.value})
	}
	return it
}

// Next advances the iterator.
func (it *Iterator) Next() bool {
	it.idx++
	return it.idx < len(it.entries)
}

// Key returns the current entry's key.
func (it *Iterator) Key() base.InternalKey { return it.entries[it.idx].Key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.entries[it.idx].Value }

// Err always returns nil: a memtable iterator is a point-in-time copy and
// cannot fail after construction. Present so Iterator satisfies the same
// shape as sstable.Iterator for the merging iterator (internal/merge).
func (it *Iterator) Err() error { return nil }
