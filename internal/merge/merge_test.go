package merge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidb/aidb/internal/base"
)

// sliceSource is a trivial Source backed by a pre-sorted slice, used only
// in tests.
type sliceSource struct {
	entries []base.InternalKey
	values  [][]byte
	idx     int
}

type kv struct {
	key   string
	seq   base.SeqNum
	kind  base.InternalKeyKind
	value string
}

func newSliceSource(pairs ...kv) *sliceSource {
	s := &sliceSource{idx: -1}
	for _, p := range pairs {
		s.entries = append(s.entries, base.MakeInternalKey([]byte(p.key), p.seq, p.kind))
		s.values = append(s.values, []byte(p.value))
	}
	return s
}

func (s *sliceSource) Next() bool            { s.idx++; return s.idx < len(s.entries) }
func (s *sliceSource) Key() base.InternalKey { return s.entries[s.idx] }
func (s *sliceSource) Value() []byte         { return s.values[s.idx] }
func (s *sliceSource) Err() error            { return nil }

func TestMergeOrdersByInternalKey(t *testing.T) {
	a := newSliceSource(
		kv{"a", 1, base.InternalKeyKindValue, "a1"},
		kv{"c", 3, base.InternalKeyKindValue, "c3"},
	)
	b := newSliceSource(
		kv{"b", 2, base.InternalKeyKindValue, "b2"},
		kv{"c", 4, base.InternalKeyKindValue, "c4"},
	)

	it := New(a, b)
	var gotKeys, gotVals []string
	for it.Next() {
		gotKeys = append(gotKeys, string(it.Key().UserKey))
		gotVals = append(gotVals, string(it.Value()))
	}
	require.NoError(t, it.Err())
	// "c" with seq=4 must precede "c" with seq=3 (newer-first within equal
	// user_key), which in turn precedes nothing since "c" > "b" > "a".
	require.Equal(t, []string{"a", "b", "c", "c"}, gotKeys)
	require.Equal(t, []string{"a1", "b2", "c4", "c3"}, gotVals)
}

func TestMergeEmptySources(t *testing.T) {
	it := New()
	require.False(t, it.Next())
	require.NoError(t, it.Err())
}
