// Package sstable implements the immutable on-disk sorted table: a data
// region of records sorted by key, a membership filter, a sparse index,
// and a checksummed footer.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"

	"github.com/albiere/kevo/bloom"
	"github.com/albiere/kevo/internal/kverrors"
	"github.com/albiere/kevo/memtable"
)

// footerSize is the fixed 36-byte footer: four u64 pointers plus a u32
// checksum.
const footerSize = 8 + 8 + 8 + 8 + 4

// tombstoneSentinel is the reserved value-length marker for a deletion;
// a concrete value may never have this length.
const tombstoneSentinel uint32 = 0xFFFFFFFF

// MaxLen is the largest representable key length. A value length must
// stay below it: MaxLen itself is the tombstone sentinel.
const MaxLen = 1<<32 - 1

// ValidateKey reports whether key is an acceptable key: non-empty and at
// most MaxLen bytes.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return kverrors.ErrEmptyKey
	}
	if uint64(len(key)) > MaxLen {
		return kverrors.ErrKeyTooLarge
	}
	return nil
}

// ValidateValue reports whether value is an acceptable value: at most
// MaxLen-1 bytes (a value of length MaxLen collides with the tombstone
// sentinel and is rejected).
func ValidateValue(value []byte) error {
	if uint64(len(value)) >= uint64(tombstoneSentinel) {
		return kverrors.ErrValueTooLarge
	}
	return nil
}

type indexEntry struct {
	key    []byte
	offset uint64
}

// Builder streams records (which must arrive in strictly ascending key
// order) into a new sorted table file, maintaining a sparse index and a
// membership filter as it goes.
type Builder struct {
	f    *os.File
	w    *bufio.Writer
	mw   io.Writer
	crc  hash32
	bf   *bloom.Filter
	path string

	sparseInterval int
	count          int
	offset         uint64
	lastKey        []byte
	hasLast        bool
	index          []indexEntry
}

type hash32 interface {
	io.Writer
	Sum32() uint32
}

// NewBuilder creates (truncating if present) a new sorted table file at
// path, sized for approxKeys elements at the given bloom false-positive
// rate, sampling the sparse index every sparseInterval-th record.
func NewBuilder(path string, approxKeys int, falsePositiveRate float64, sparseInterval int) (*Builder, error) {
	if sparseInterval <= 0 {
		sparseInterval = 16
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "sstable: create")
	}
	crc := crc32.NewIEEE()
	w := bufio.NewWriterSize(f, 64*1024)
	return &Builder{
		f:              f,
		w:              w,
		mw:             io.MultiWriter(w, crc),
		crc:            crc,
		bf:             bloom.New(approxKeys, falsePositiveRate),
		path:           path,
		sparseInterval: sparseInterval,
	}, nil
}

// Add writes one record to the data region. Records must be presented in
// strictly ascending key order.
func (b *Builder) Add(rec memtable.Record) error {
	if b.hasLast && bytes.Compare(rec.Key, b.lastKey) <= 0 {
		return kverrors.Wrap(kverrors.KindCorruptTable, errors.New("non-ascending key"), "sstable: builder")
	}
	if b.count%b.sparseInterval == 0 {
		b.index = append(b.index, indexEntry{key: cloneBytes(rec.Key), offset: b.offset})
	}
	b.bf.Add(rec.Key)

	n, err := writeRecord(b.mw, rec)
	if err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: write record")
	}
	b.offset += uint64(n)
	b.lastKey = cloneBytes(rec.Key)
	b.hasLast = true
	b.count++
	return nil
}

// Finish appends the filter, the sparse index, and the footer, then
// fsyncs the file and its parent directory (satisfying the engine's
// flush-before-truncate durability ordering) and closes it.
func (b *Builder) Finish() error {
	filterOffset := b.offset
	filterBytes := b.bf.Encode()
	if _, err := b.mw.Write(filterBytes); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: write filter")
	}
	b.offset += uint64(len(filterBytes))

	indexOffset := b.offset
	for _, e := range b.index {
		n, err := writeIndexEntry(b.mw, e)
		if err != nil {
			return kverrors.Wrap(kverrors.KindIO, err, "sstable: write index entry")
		}
		b.offset += uint64(n)
	}
	indexSize := b.offset - indexOffset

	var footer [footerSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], filterOffset)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(filterBytes)))
	binary.LittleEndian.PutUint64(footer[16:24], indexOffset)
	binary.LittleEndian.PutUint64(footer[24:32], indexSize)
	binary.LittleEndian.PutUint32(footer[32:36], b.crc.Sum32())
	if _, err := b.w.Write(footer[:]); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: write footer")
	}

	if err := b.w.Flush(); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: flush")
	}
	if err := b.f.Sync(); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: fsync file")
	}
	if err := syncParentDir(b.path); err != nil {
		return err
	}
	if err := b.f.Close(); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: close")
	}
	return nil
}

func writeRecord(w io.Writer, rec memtable.Record) (int, error) {
	var klenBuf [4]byte
	binary.LittleEndian.PutUint32(klenBuf[:], uint32(len(rec.Key)))
	n1, err := w.Write(klenBuf[:])
	if err != nil {
		return n1, err
	}
	n2, err := w.Write(rec.Key)
	if err != nil {
		return n1 + n2, err
	}
	var vlenBuf [4]byte
	if rec.Tombstone {
		binary.LittleEndian.PutUint32(vlenBuf[:], tombstoneSentinel)
	} else {
		binary.LittleEndian.PutUint32(vlenBuf[:], uint32(len(rec.Value)))
	}
	n3, err := w.Write(vlenBuf[:])
	if err != nil {
		return n1 + n2 + n3, err
	}
	n4 := 0
	if !rec.Tombstone {
		n4, err = w.Write(rec.Value)
		if err != nil {
			return n1 + n2 + n3 + n4, err
		}
	}
	return n1 + n2 + n3 + n4, nil
}

func writeIndexEntry(w io.Writer, e indexEntry) (int, error) {
	var klenBuf [4]byte
	binary.LittleEndian.PutUint32(klenBuf[:], uint32(len(e.key)))
	n1, err := w.Write(klenBuf[:])
	if err != nil {
		return n1, err
	}
	n2, err := w.Write(e.key)
	if err != nil {
		return n1 + n2, err
	}
	var offBuf [8]byte
	binary.LittleEndian.PutUint64(offBuf[:], e.offset)
	n3, err := w.Write(offBuf[:])
	if err != nil {
		return n1 + n2 + n3, err
	}
	return n1 + n2 + n3, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func syncParentDir(path string) error {
	dir, err := os.Open(parentDir(path))
	if err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "sstable: open parent dir")
	}
	defer func() { _ = dir.Close() }()
	if err := dir.Sync(); err != nil {
		// Some platforms/filesystems don't support fsync on directories;
		// treat that as best-effort rather than fatal.
		if !errors.Is(err, os.ErrInvalid) {
			return kverrors.Wrap(kverrors.KindIO, err, "sstable: fsync parent dir")
		}
	}
	return nil
}

func parentDir(path string) string {
	i := len(path) - 1
	for i >= 0 && path[i] != '/' {
		i--
	}
	if i < 0 {
		return "."
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}
