// Package merge implements the heap-based k-way merging iterator (spec.md
// §4.7/C9) used by the read path (DB.Iter/DB.Scan) and by compaction.
//
// Grounded on pebble's own merging-iterator heap approach (see
// db_iter.go/merging_iter.go conceptually: a min-heap of (head_key,
// source_id)); newest-wins on equal user_keys falls directly out of the
// InternalKey order, so this package does no special-casing for it.
package merge

import (
	"container/heap"

	"github.com/aidb/aidb/internal/base"
)

// Source is any already-InternalKey-ordered child iterator: memtable
// iterators and sstable iterators both satisfy this shape.
type Source interface {
	Next() bool
	Key() base.InternalKey
	Value() []byte
	Err() error
}

type heapItem struct {
	source Source
	key    base.InternalKey
	value  []byte
	idx    int // source index, used only as a final deterministic tiebreaker.
}

type minHeap []*heapItem

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if c := base.InternalCompare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Iterator is a k-way merge of Sources into a single ascending-InternalKey
// stream, spec.md §4.7.
type Iterator struct {
	h   minHeap
	cur *heapItem
	err error
}

// New builds a merging iterator over sources, which need not be
// pre-positioned: New calls Next on each to prime it.
func New(sources ...Source) *Iterator {
	it := &Iterator{}
	for i, s := range sources {
		if s.Next() {
			heap.Push(&it.h, &heapItem{source: s, key: s.Key().Clone(), value: append([]byte(nil), s.Value()...), idx: i})
		} else if err := s.Err(); err != nil {
			it.err = err
		}
	}
	heap.Init(&it.h)
	return it
}

// Next advances to the next entry in InternalKey order.
func (it *Iterator) Next() bool {
	if it.err != nil || it.h.Len() == 0 {
		return false
	}
	top := heap.Pop(&it.h).(*heapItem)
	it.cur = top
	if top.source.Next() {
		heap.Push(&it.h, &heapItem{source: top.source, key: top.source.Key().Clone(), value: append([]byte(nil), top.source.Value()...), idx: top.idx})
	} else if err := top.source.Err(); err != nil {
		it.err = err
	}
	return true
}

// Key returns the current entry's InternalKey.
func (it *Iterator) Key() base.InternalKey { return it.cur.key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.cur.value }

// Err returns the first error encountered by any source, if any.
func (it *Iterator) Err() error { return it.err }
