package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"sync/atomic"

	"github.com/albiere/kevo/bloom"
	"github.com/albiere/kevo/internal/kverrors"
	"github.com/albiere/kevo/memtable"
)

// Reader is an open, validated sorted table. It is a reference-counted
// shared object: Retain/Release let a caller keep using a table's file
// handle even after the table has been dropped from the engine's live
// list by a concurrent compaction.
type Reader struct {
	Path string

	file   *os.File
	index  []indexEntry
	filter *bloom.Filter

	filterOffset uint64

	refs int32
}

// Open validates and opens the sorted table at path: it parses the
// footer, recomputes the checksum over the data+filter+index regions,
// and loads the filter and index fully into memory. A checksum mismatch
// or an out-of-range footer pointer is a fatal, corrupt-table error.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "sstable: open")
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "sstable: stat")
	}
	size := st.Size()
	if size < footerSize {
		_ = f.Close()
		return nil, kverrors.Wrap(kverrors.KindCorruptTable, errors.New("file shorter than footer"), "sstable: open")
	}

	var footer [footerSize]byte
	if _, err := f.ReadAt(footer[:], size-footerSize); err != nil {
		_ = f.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "sstable: read footer")
	}
	filterOffset := binary.LittleEndian.Uint64(footer[0:8])
	filterSize := binary.LittleEndian.Uint64(footer[8:16])
	indexOffset := binary.LittleEndian.Uint64(footer[16:24])
	indexSize := binary.LittleEndian.Uint64(footer[24:32])
	wantChecksum := binary.LittleEndian.Uint32(footer[32:36])

	footerStart := uint64(size) - footerSize
	if !(filterOffset <= filterOffset+filterSize &&
		filterOffset+filterSize <= indexOffset &&
		indexOffset <= indexOffset+indexSize &&
		indexOffset+indexSize <= footerStart) {
		_ = f.Close()
		return nil, kverrors.Wrap(kverrors.KindCorruptTable, errors.New("out-of-range footer pointer"), "sstable: open")
	}

	checksumEnd := indexOffset + indexSize
	gotChecksum, err := recomputeChecksum(f, checksumEnd)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if gotChecksum != wantChecksum {
		_ = f.Close()
		return nil, kverrors.Wrap(kverrors.KindCorruptTable, errors.New("checksum mismatch"), "sstable: open")
	}

	filterBytes := make([]byte, filterSize)
	if filterSize > 0 {
		if _, err := f.ReadAt(filterBytes, int64(filterOffset)); err != nil {
			_ = f.Close()
			return nil, kverrors.Wrap(kverrors.KindIO, err, "sstable: read filter")
		}
	}
	filter, ok := bloom.Decode(filterBytes)
	if !ok {
		_ = f.Close()
		return nil, kverrors.Wrap(kverrors.KindCorruptTable, errors.New("malformed filter"), "sstable: open")
	}

	index, err := readIndex(f, indexOffset, indexSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Reader{
		Path:         path,
		file:         f,
		index:        index,
		filter:       filter,
		filterOffset: filterOffset,
		refs:         1,
	}, nil
}

func recomputeChecksum(f *os.File, n uint64) (uint32, error) {
	h := crc32.NewIEEE()
	sr := io.NewSectionReader(f, 0, int64(n))
	if _, err := io.Copy(h, sr); err != nil {
		return 0, kverrors.Wrap(kverrors.KindIO, err, "sstable: recompute checksum")
	}
	return h.Sum32(), nil
}

func readIndex(f *os.File, offset, size uint64) ([]indexEntry, error) {
	sr := io.NewSectionReader(f, int64(offset), int64(size))
	var entries []indexEntry
	for {
		var klenBuf [4]byte
		if _, err := io.ReadFull(sr, klenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: read index entry")
		}
		klen := binary.LittleEndian.Uint32(klenBuf[:])
		key := make([]byte, klen)
		if _, err := io.ReadFull(sr, key); err != nil {
			return nil, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: read index key")
		}
		var offBuf [8]byte
		if _, err := io.ReadFull(sr, offBuf[:]); err != nil {
			return nil, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: read index offset")
		}
		entries = append(entries, indexEntry{key: key, offset: binary.LittleEndian.Uint64(offBuf[:])})
	}
	return entries, nil
}

// IndexLen returns the number of sparse index entries loaded for this
// table, used by the compactor to size the output filter without a
// separate pass over every input.
func (r *Reader) IndexLen() int {
	return len(r.index)
}

// Retain increments the reference count, returning false if the table
// has already been fully released (its file handle is gone).
func (r *Reader) Retain() bool {
	for {
		cur := atomic.LoadInt32(&r.refs)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.refs, cur, cur+1) {
			return true
		}
	}
}

// Release decrements the reference count, closing the underlying file
// handle once it reaches zero.
func (r *Reader) Release() error {
	if atomic.AddInt32(&r.refs, -1) == 0 {
		return r.file.Close()
	}
	return nil
}

// Get looks up key: the filter is consulted first; a positive filter
// hit is confirmed (or refuted) by a bounded scan starting at the
// sparse index entry closest to (and not exceeding) key.
func (r *Reader) Get(key []byte) (memtable.Record, bool, error) {
	if !r.filter.MaybeContains(key) {
		return memtable.Record{}, false, nil
	}

	start, ok := r.seekOffset(key)
	if !ok {
		return memtable.Record{}, false, nil
	}

	sr := io.NewSectionReader(r.file, int64(start), int64(r.filterOffset-start))
	for {
		rec, ok, err := readEntry(sr)
		if err != nil {
			return memtable.Record{}, false, err
		}
		if !ok {
			return memtable.Record{}, false, nil
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return rec, true, nil
		}
		if cmp > 0 {
			return memtable.Record{}, false, nil
		}
	}
}

// seekOffset finds the greatest index entry whose key is <= target,
// returning its byte offset. The second result is false when no such
// entry exists (target is smaller than every key in the table).
func (r *Reader) seekOffset(key []byte) (uint64, bool) {
	lo, hi := 0, len(r.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(r.index[mid].key, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return 0, false
	}
	return r.index[lo-1].offset, true
}

// Cursor is a positional, forward-only reader over a table's data
// region, bounded by the filter offset. The compactor uses one cursor
// per input table instead of loading the whole table into memory.
type Cursor struct {
	sr *io.SectionReader
}

// NewCursor returns a cursor positioned at the start of the data
// region.
func (r *Reader) NewCursor() *Cursor {
	return &Cursor{sr: io.NewSectionReader(r.file, 0, int64(r.filterOffset))}
}

// Next advances the cursor and returns the next record, or ok=false at
// the end of the data region.
func (c *Cursor) Next() (memtable.Record, bool, error) {
	return readEntry(c.sr)
}

// Iter returns every record in the data region, in stored (ascending
// key) order.
func (r *Reader) Iter() ([]memtable.Record, error) {
	sr := io.NewSectionReader(r.file, 0, int64(r.filterOffset))
	var out []memtable.Record
	for {
		rec, ok, err := readEntry(sr)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, rec)
	}
}

func readEntry(r io.Reader) (memtable.Record, bool, error) {
	var klenBuf [4]byte
	if _, err := io.ReadFull(r, klenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return memtable.Record{}, false, nil
		}
		return memtable.Record{}, false, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: truncated record")
	}
	klen := binary.LittleEndian.Uint32(klenBuf[:])
	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return memtable.Record{}, false, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: truncated key")
	}
	var vlenBuf [4]byte
	if _, err := io.ReadFull(r, vlenBuf[:]); err != nil {
		return memtable.Record{}, false, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: truncated value length")
	}
	vlen := binary.LittleEndian.Uint32(vlenBuf[:])
	if vlen == tombstoneSentinel {
		return memtable.Record{Key: key, Tombstone: true}, true, nil
	}
	value := make([]byte, vlen)
	if _, err := io.ReadFull(r, value); err != nil {
		return memtable.Record{}, false, kverrors.Wrap(kverrors.KindCorruptTable, err, "sstable: truncated value")
	}
	return memtable.Record{Key: key, Value: value}, true, nil
}

// Dump streams every (key, {value|tombstone}) pair in the table, in
// ascending key order, to fn. It is an administrative operation used by
// external tools, not by the engine itself.
func Dump(path string, fn func(rec memtable.Record) error) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = r.Release() }()

	recs, err := r.Iter()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Verify reports whether path opens without an integrity error.
func Verify(path string) error {
	r, err := Open(path)
	if err != nil {
		return err
	}
	return r.Release()
}
