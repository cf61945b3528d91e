// Package compaction implements the k-way merge that reconciles N
// overlapping sorted tables into one, keeping the newest record per key.
package compaction

import (
	"bytes"
	"container/heap"

	"github.com/albiere/kevo/memtable"
	"github.com/albiere/kevo/sstable"
)

// Options configures the output table the merge produces.
type Options struct {
	SparseInterval    int
	FalsePositiveRate float64
	// ElideTombstones drops every tombstone from the output: the older
	// versions it shadows are discarded by the merge, so the key ends up
	// absent. Safe only when every live table is present in inputs (the
	// engine's compaction always merges the complete table set).
	ElideTombstones bool
}

// Run merges inputs (newest first) into a single new sorted table at
// outputPath, built via sstable.Builder. For every key present in any
// input it keeps the version belonging to the table that appears
// earliest in inputs (lowest index = newest).
func Run(outputPath string, inputs []*sstable.Reader, opts Options) error {
	if len(inputs) == 0 {
		return nil
	}

	cursors := make([]*cursor, 0, len(inputs))
	for i, r := range inputs {
		c := &cursor{source: i, it: r.NewCursor()}
		if err := c.advance(); err != nil {
			return err
		}
		if c.valid {
			cursors = append(cursors, c)
		}
	}

	h := &mergeHeap{}
	heap.Init(h)
	for _, c := range cursors {
		heap.Push(h, c)
	}

	approxKeys := 0
	for _, r := range inputs {
		approxKeys += r.IndexLen() * max(opts.SparseInterval, 1)
	}
	if approxKeys == 0 {
		approxKeys = 1
	}

	b, err := sstable.NewBuilder(outputPath, approxKeys, opts.FalsePositiveRate, opts.SparseInterval)
	if err != nil {
		return err
	}

	var (
		lastKey    []byte
		haveLast   bool
		pendingRec memtable.Record
		hasPending bool
	)
	emit := func() error {
		if !hasPending {
			return nil
		}
		hasPending = false
		// The newest record for a key shadows every older one. Once the
		// whole live table set has been folded into this single output
		// (the engine's only compaction mode, per spec), a tombstone
		// with no remaining table to shadow is safe to drop entirely:
		// the key becomes absent everywhere, which is observationally
		// identical to a surviving tombstone.
		if opts.ElideTombstones && pendingRec.Tombstone {
			return nil
		}
		return b.Add(pendingRec)
	}

	for h.Len() > 0 {
		c := heap.Pop(h).(*cursor)
		rec := c.rec

		if !haveLast || !bytes.Equal(rec.Key, lastKey) {
			if err := emit(); err != nil {
				return err
			}
			lastKey = cloneBytes(rec.Key)
			haveLast = true
			pendingRec = rec
			hasPending = true
		}
		// Else: rec is an older version of the key already pending
		// (the heap visits the newest input for a tied key first,
		// since ties resolve by ascending source index). Discard it.

		if err := c.advance(); err != nil {
			return err
		}
		if c.valid {
			heap.Push(h, c)
		}
	}
	if err := emit(); err != nil {
		return err
	}

	return b.Finish()
}

type cursor struct {
	source int
	it     *sstable.Cursor
	rec    memtable.Record
	valid  bool
}

func (c *cursor) advance() error {
	rec, ok, err := c.it.Next()
	if err != nil {
		c.valid = false
		return err
	}
	c.rec = rec
	c.valid = ok
	return nil
}

// mergeHeap orders cursors by (key ascending, source index ascending) —
// a lower source index is a newer input, so ties resolve in its favor.
type mergeHeap []*cursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].rec.Key, h[j].rec.Key)
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].source < h[j].source
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
