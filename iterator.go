package aidb

import (
	"github.com/aidb/aidb/internal/base"
	"github.com/aidb/aidb/internal/merge"
)

// Iterator yields (key, value) pairs in ascending order over a bounded or
// unbounded key range, spec.md §4.6: "iter()"/"scan(start, end)". It wraps
// the internal k-way merging iterator (internal/merge) with the
// user-level rules the storage engine itself does not know about: keep
// only the newest visible version of each user key, drop Tombstones, and
// enforce the caller's [start, end) bound.
type Iterator struct {
	merged *merge.Iterator
	sMax   base.SeqNum
	start  []byte
	end    []byte

	lastUserKey []byte
	haveLast    bool
	resolved    bool

	curKey []byte
	curVal []byte
	done   bool
	err    error
}

// Next advances to the next visible (key, value) pair, returning false
// once the range (or the whole keyspace) is exhausted or an error occurs.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for it.merged.Next() {
		key := it.merged.Key()

		sameKey := it.haveLast && string(key.UserKey) == string(it.lastUserKey)
		if !sameKey {
			it.lastUserKey = append(it.lastUserKey[:0], key.UserKey...)
			it.haveLast = true
			it.resolved = false
		}
		if it.resolved {
			// Already decided this user_key's visible version (emitted,
			// skipped as out-of-range, or found to be a tombstone);
			// everything else for this key is older and irrelevant.
			continue
		}
		if key.SeqNum > it.sMax {
			// Newer than this reader is allowed to see; keep scanning
			// this key's older versions for one that is visible.
			continue
		}
		it.resolved = true

		if it.start != nil && string(key.UserKey) < string(it.start) {
			continue
		}
		if it.end != nil && string(key.UserKey) >= string(it.end) {
			it.done = true
			return false
		}
		if key.Kind == base.InternalKeyKindTombstone {
			continue
		}
		it.curKey = key.UserKey
		it.curVal = it.merged.Value()
		return true
	}
	if err := it.merged.Err(); err != nil {
		it.err = err
	}
	it.done = true
	return false
}

// Key returns the current entry's user key.
func (it *Iterator) Key() []byte { return it.curKey }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.curVal }

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error { return it.err }
