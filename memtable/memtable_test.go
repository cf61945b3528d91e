package memtable_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albiere/kevo/memtable"
)

func TestPutThenGet(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("user:1"), []byte("Albiere"), 1)

	rec, ok := m.Get([]byte("user:1"))
	require.True(t, ok)
	assert.False(t, rec.Tombstone)
	assert.Equal(t, "Albiere", string(rec.Value))
}

func TestDeleteRecordsTombstone(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("k"), []byte("v"), 1)
	m.Delete([]byte("k"), 2)

	rec, ok := m.Get([]byte("k"))
	require.True(t, ok)
	assert.True(t, rec.Tombstone)
}

func TestDeleteOfAbsentKeyStillRecordsTombstone(t *testing.T) {
	m := memtable.New()
	m.Delete([]byte("never-put"), 1)

	rec, ok := m.Get([]byte("never-put"))
	require.True(t, ok)
	assert.True(t, rec.Tombstone)
}

func TestIterIsAscendingByKey(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("c"), []byte("3"), 1)
	m.Put([]byte("a"), []byte("1"), 2)
	m.Put([]byte("b"), []byte("2"), 3)

	recs := m.Iter()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", string(recs[0].Key))
	assert.Equal(t, "b", string(recs[1].Key))
	assert.Equal(t, "c", string(recs[2].Key))
}

func TestApproxSizeAccounting(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("k"), []byte("1234"), 1)
	assert.Equal(t, len("k")+len("1234"), m.ApproxSize())

	m.Put([]byte("k"), []byte("12"), 2) // shrink existing value
	assert.Equal(t, len("k")+len("12"), m.ApproxSize())

	m.Delete([]byte("k"), 3) // value bytes released, key bytes remain
	assert.Equal(t, len("k"), m.ApproxSize())
}

func TestIsFull(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("k"), []byte("0123456789"), 1)
	assert.True(t, m.IsFull(5))
	assert.False(t, m.IsFull(500))
}

func TestClearResetsSizeAndContents(t *testing.T) {
	m := memtable.New()
	m.Put([]byte("k"), []byte("v"), 1)
	m.Clear()

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, m.ApproxSize())
	_, ok := m.Get([]byte("k"))
	assert.False(t, ok)
}

func TestPutCopiesCallerValue(t *testing.T) {
	m := memtable.New()
	value := []byte("original")
	m.Put([]byte("k"), value, 1)
	value[0] = 'X' // mutate caller's slice after the put

	rec, ok := m.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, "original", string(rec.Value))
}

func BenchmarkPut(b *testing.B) {
	m := memtable.New()
	value := []byte("0123456789abcdef")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), value, uint64(i))
	}
}

func BenchmarkGet(b *testing.B) {
	m := memtable.New()
	const n = 10000
	value := []byte("0123456789abcdef")
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%d", i))
		m.Put(keys[i], value, uint64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Get(keys[i%n])
	}
}

func BenchmarkIter(b *testing.B) {
	m := memtable.New()
	const n = 10000
	value := []byte("0123456789abcdef")
	for i := 0; i < n; i++ {
		m.Put([]byte(fmt.Sprintf("key-%d", i)), value, uint64(i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Iter()
	}
}
