package compaction_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albiere/kevo/compaction"
	"github.com/albiere/kevo/memtable"
	"github.com/albiere/kevo/sstable"
)

func openInputs(t *testing.T, tables [][]memtable.Record) []*sstable.Reader {
	t.Helper()
	readers := make([]*sstable.Reader, len(tables))
	for i, recs := range tables {
		path := filepath.Join(t.TempDir(), "input.sst")
		b, err := sstable.NewBuilder(path, len(recs), 0.01, 4)
		require.NoError(t, err)
		for _, r := range recs {
			require.NoError(t, b.Add(r))
		}
		require.NoError(t, b.Finish())

		r, err := sstable.Open(path)
		require.NoError(t, err)
		readers[i] = r
	}
	return readers
}

func TestMergeNewestInputWinsOnKeyCollision(t *testing.T) {
	// inputs[0] is the newest (lowest source index): its value for "k"
	// must shadow inputs[1]'s.
	inputs := openInputs(t, [][]memtable.Record{
		{{Key: []byte("k"), Value: []byte("new")}},
		{{Key: []byte("k"), Value: []byte("old")}},
	})
	defer func() {
		for _, r := range inputs {
			_ = r.Release()
		}
	}()

	out := filepath.Join(t.TempDir(), "merged.sst")
	require.NoError(t, compaction.Run(out, inputs, compaction.Options{SparseInterval: 4, FalsePositiveRate: 0.01}))

	r, err := sstable.Open(out)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	rec, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", string(rec.Value))
}

func TestMergeElidesTombstonesWhenConfigured(t *testing.T) {
	inputs := openInputs(t, [][]memtable.Record{
		{{Key: []byte("k"), Tombstone: true}},
		{{Key: []byte("k"), Value: []byte("old")}},
	})
	defer func() {
		for _, r := range inputs {
			_ = r.Release()
		}
	}()

	out := filepath.Join(t.TempDir(), "merged.sst")
	require.NoError(t, compaction.Run(out, inputs, compaction.Options{
		SparseInterval:    4,
		FalsePositiveRate: 0.01,
		ElideTombstones:   true,
	}))

	r, err := sstable.Open(out)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	recs, err := r.Iter()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMergeKeepsTombstonesWhenNotElided(t *testing.T) {
	inputs := openInputs(t, [][]memtable.Record{
		{{Key: []byte("k"), Tombstone: true}},
	})
	defer func() {
		for _, r := range inputs {
			_ = r.Release()
		}
	}()

	out := filepath.Join(t.TempDir(), "merged.sst")
	require.NoError(t, compaction.Run(out, inputs, compaction.Options{SparseInterval: 4, FalsePositiveRate: 0.01}))

	r, err := sstable.Open(out)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	rec, ok, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.Tombstone)
}

func TestMergeProducesGloballyAscendingKeys(t *testing.T) {
	inputs := openInputs(t, [][]memtable.Record{
		{{Key: []byte("b"), Value: []byte("2")}, {Key: []byte("d"), Value: []byte("4")}},
		{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("c"), Value: []byte("3")}},
	})
	defer func() {
		for _, r := range inputs {
			_ = r.Release()
		}
	}()

	out := filepath.Join(t.TempDir(), "merged.sst")
	require.NoError(t, compaction.Run(out, inputs, compaction.Options{SparseInterval: 4, FalsePositiveRate: 0.01}))

	r, err := sstable.Open(out)
	require.NoError(t, err)
	defer func() { _ = r.Release() }()

	recs, err := r.Iter()
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, string(recs[i].Key))
	}
}
