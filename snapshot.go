package aidb

import (
	"sync"

	"github.com/aidb/aidb/internal/base"
)

// Snapshot is a point-in-time read view captured at a sequence number,
// spec.md §4.6/§6: "snapshot() -> Snapshot with snapshot.get(key)".
//
// AiDb resolves spec.md §9 Open Question 2 with the stronger of its two
// documented options: rather than relying solely on compaction's
// conservative tombstone preservation, the DB coordinator tracks every
// outstanding snapshot's sequence number in a liveSnapshots set
// (SPEC_FULL.md §6) so that compaction never drops an entry a live
// Snapshot could still read.
type Snapshot struct {
	db     *DB
	seqNum base.SeqNum

	closeOnce sync.Once
}

// Get resolves key as of the snapshot's captured sequence.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, base.Newf(base.KindInvalidArgument, "aidb: empty key")
	}
	return s.db.getAt(key, s.seqNum)
}

// Iter returns an iterator over the snapshot's view of the whole keyspace.
func (s *Snapshot) Iter() (*Iterator, error) {
	return s.db.newIterator(s.seqNum, nil, nil)
}

// Scan returns an iterator over [start, end) as of the snapshot.
func (s *Snapshot) Scan(start, end []byte) (*Iterator, error) {
	return s.db.newIterator(s.seqNum, start, end)
}

// Close releases the snapshot's hold on its sequence number, allowing
// compaction to reclaim entries it alone was protecting.
func (s *Snapshot) Close() error {
	s.closeOnce.Do(func() {
		s.db.releaseSnapshot(s.seqNum)
	})
	return nil
}

// liveSnapshots is the DB coordinator's set of outstanding snapshot
// sequence numbers, consulted by the compaction runner so it never drops
// an entry a live Snapshot could still need (SPEC_FULL.md §6).
type liveSnapshots struct {
	mu     sync.Mutex
	counts map[base.SeqNum]int
}

func newLiveSnapshots() *liveSnapshots {
	return &liveSnapshots{counts: make(map[base.SeqNum]int)}
}

func (ls *liveSnapshots) add(seqNum base.SeqNum) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.counts[seqNum]++
}

func (ls *liveSnapshots) remove(seqNum base.SeqNum) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.counts[seqNum] <= 1 {
		delete(ls.counts, seqNum)
	} else {
		ls.counts[seqNum]--
	}
}

// smallest returns the lowest live snapshot sequence, or sMax (treated as
// "unprotected") if none are outstanding.
func (ls *liveSnapshots) smallest(sMax base.SeqNum) base.SeqNum {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	min := sMax
	for seq := range ls.counts {
		if seq < min {
			min = seq
		}
	}
	return min
}
