package sstable_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albiere/kevo/internal/kverrors"
	"github.com/albiere/kevo/memtable"
	"github.com/albiere/kevo/sstable"
)

func buildTable(t *testing.T, recs []memtable.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "000000000000000001.sst")
	b, err := sstable.NewBuilder(path, len(recs), 0.01, 4)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, b.Add(r))
	}
	require.NoError(t, b.Finish())
	return path
}

func TestBuildAndGet(t *testing.T) {
	path := buildTable(t, []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Tombstone: true},
	})

	r, err := sstable.Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	rec, ok, err := r.Get([]byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(rec.Value))

	rec, ok, err = r.Get([]byte("c"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Tombstone)

	_, ok, err = r.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterReturnsAscendingOrder(t *testing.T) {
	path := buildTable(t, []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("c"), Value: []byte("3")},
	})
	r, err := sstable.Open(path)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	recs, err := r.Iter()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", string(recs[0].Key))
	assert.Equal(t, "c", string(recs[2].Key))
}

func TestAddRejectsNonAscendingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000000000000000002.sst")
	b, err := sstable.NewBuilder(path, 4, 0.01, 4)
	require.NoError(t, err)
	require.NoError(t, b.Add(memtable.Record{Key: []byte("b"), Value: []byte("1")}))
	err = b.Add(memtable.Record{Key: []byte("a"), Value: []byte("2")})
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.KindCorruptTable))
}

func TestOpenRejectsCorruptedData(t *testing.T) {
	path := buildTable(t, []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0] ^= 0xFF // flip a data byte; checksum now disagrees
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = sstable.Open(path)
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.KindCorruptTable))
}

func TestOpenRejectsFileShorterThanFooter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "too-small.sst")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o644))

	_, err := sstable.Open(path)
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.KindCorruptTable))
}

func TestValidateKeyAndValue(t *testing.T) {
	assert.ErrorIs(t, sstable.ValidateKey(nil), kverrors.ErrEmptyKey)
	assert.NoError(t, sstable.ValidateKey([]byte("k")))
	assert.NoError(t, sstable.ValidateValue([]byte("v")))
}

func TestRetainReleaseRefcounting(t *testing.T) {
	path := buildTable(t, []memtable.Record{{Key: []byte("a"), Value: []byte("1")}})
	r, err := sstable.Open(path)
	require.NoError(t, err)

	require.True(t, r.Retain())
	require.NoError(t, r.Release()) // back to the original ref
	require.NoError(t, r.Release()) // drops to zero, closes the file

	assert.False(t, r.Retain(), "retain must fail once fully released")
}

func TestDumpAndVerify(t *testing.T) {
	path := buildTable(t, []memtable.Record{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Tombstone: true},
	})

	var dumped []memtable.Record
	require.NoError(t, sstable.Dump(path, func(rec memtable.Record) error {
		dumped = append(dumped, rec)
		return nil
	}))
	require.Len(t, dumped, 2)

	assert.NoError(t, sstable.Verify(path))
}

func benchRecords(n int) []memtable.Record {
	recs := make([]memtable.Record, n)
	for i := range recs {
		recs[i] = memtable.Record{
			Key:   []byte(fmt.Sprintf("key-%08d", i)),
			Value: []byte("0123456789abcdef"),
		}
	}
	return recs
}

func BenchmarkBuild(b *testing.B) {
	recs := benchRecords(10000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		path := filepath.Join(b.TempDir(), fmt.Sprintf("bench-%d.sst", i))
		builder, err := sstable.NewBuilder(path, len(recs), 0.01, 16)
		require.NoError(b, err)
		for _, r := range recs {
			require.NoError(b, builder.Add(r))
		}
		require.NoError(b, builder.Finish())
	}
}

func BenchmarkGet(b *testing.B) {
	recs := benchRecords(10000)
	path := filepath.Join(b.TempDir(), "bench.sst")
	builder, err := sstable.NewBuilder(path, len(recs), 0.01, 16)
	require.NoError(b, err)
	for _, r := range recs {
		require.NoError(b, builder.Add(r))
	}
	require.NoError(b, builder.Finish())

	r, err := sstable.Open(path)
	require.NoError(b, err)
	defer func() { _ = r.Release() }()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = r.Get(recs[i%len(recs)].Key)
	}
}
