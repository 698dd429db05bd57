package memtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aidb/aidb/internal/base"
)

func TestPutGet(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)
	m.Put([]byte("b"), []byte("2"), 2)

	value, kind, found := m.Get([]byte("a"), base.SeqNumMax)
	require.True(t, found)
	require.Equal(t, base.InternalKeyKindValue, kind)
	require.Equal(t, "1", string(value))

	_, _, found = m.Get([]byte("missing"), base.SeqNumMax)
	require.False(t, found)
}

func TestDeleteInsertsTombstone(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("1"), 1)
	m.Delete([]byte("a"), 2)

	_, kind, found := m.Get([]byte("a"), base.SeqNumMax)
	require.True(t, found)
	require.Equal(t, base.InternalKeyKindTombstone, kind)
}

func TestGetRespectsVisibility(t *testing.T) {
	m := New()
	m.Put([]byte("a"), []byte("v1"), 1)
	m.Put([]byte("a"), []byte("v2"), 5)

	value, _, found := m.Get([]byte("a"), 3)
	require.True(t, found)
	require.Equal(t, "v1", string(value))

	value, _, found = m.Get([]byte("a"), base.SeqNumMax)
	require.True(t, found)
	require.Equal(t, "v2", string(value))
}

func TestIteratorOrder(t *testing.T) {
	m := New()
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for i, k := range keys {
		m.Put([]byte(k), []byte(fmt.Sprintf("v%d", i)), base.SeqNum(i+1))
	}
	it := m.NewIterator()
	var got []string
	for it.Next() {
		got = append(got, string(it.Key().UserKey))
	}
	require.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, got)
}

func TestApproximateSizeGrows(t *testing.T) {
	m := New()
	require.EqualValues(t, 0, m.ApproximateSize())
	m.Put([]byte("k"), []byte("v"), 1)
	require.Greater(t, m.ApproximateSize(), int64(0))
}

func TestConcurrentReadersWriters(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Put([]byte(fmt.Sprintf("key-%03d", i)), []byte("v"), base.SeqNum(i+1))
		}(i)
	}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = m.Get([]byte("key-000"), base.SeqNumMax)
		}()
	}
	wg.Wait()
	count := 0
	it := m.NewIterator()
	for it.Next() {
		count++
	}
	require.Equal(t, 50, count)
}
