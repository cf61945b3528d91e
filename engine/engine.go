// Package engine coordinates the memtable, redo log, sorted tables, and
// compactor into the embeddable store the rest of this module builds
// toward: open, put, delete, get, flush, and compact.
package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/albiere/kevo/compaction"
	"github.com/albiere/kevo/internal/kverrors"
	"github.com/albiere/kevo/memtable"
	"github.com/albiere/kevo/sstable"
	"github.com/albiere/kevo/wal"
)

const walName = "active.wal"

// Engine is the coordinator binding together a redo log, a mutable
// memtable, and a newest-first list of immutable sorted tables.
//
// Three resources are guarded independently so that a Get never blocks
// behind the whole engine: logMu orders the redo log and the sequence
// counter (and is the fixed log-then-memtable acquisition order every
// writer follows); memMu guards only which *memtable.Memtable is
// current, not the memtable's own internals (it has its own lock);
// tablesMu guards the live table slice.
type Engine struct {
	dir    string
	opts   Options
	logger *zap.Logger

	logMu sync.Mutex
	log   *wal.WAL
	seq   uint64

	memMu sync.RWMutex
	mem   *memtable.Memtable

	tablesMu sync.RWMutex
	tables   []*sstable.Reader

	lastID uint64 // atomic, seeds new file identifiers

	compactMu  sync.Mutex
	compacting int32 // atomic, observable only
}

// Open recovers dir's redo log into a fresh memtable, opens the log for
// further appends, and loads every existing sorted table into the live
// list, newest first. Creating dir if absent.
func Open(opts Options) (*Engine, error) {
	opts = opts.normalized()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "engine: create data directory")
	}

	e := &Engine{
		dir:    opts.Dir,
		opts:   opts,
		logger: opts.Logger,
		mem:    memtable.New(),
	}

	walPath := filepath.Join(opts.Dir, walName)
	var replayed uint64
	err := wal.Recover(walPath, func(rec wal.Record) error {
		replayed++
		switch rec.Op {
		case wal.OpPut:
			e.mem.Put(rec.Key, rec.Value, replayed)
		case wal.OpDelete:
			e.mem.Delete(rec.Key, replayed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.seq = replayed

	log, err := wal.Open(walPath)
	if err != nil {
		return nil, err
	}
	e.log = log

	if err := e.loadTables(); err != nil {
		_ = e.log.Close()
		return nil, err
	}

	return e, nil
}

// loadTables enumerates *.sst files in dir (which, by suffix, includes
// both <id>.sst flush outputs and <id>.compact.sst compaction outputs —
// see DESIGN.md's Open Question decisions on orphaned compaction
// outputs), sorts them by
// filename descending (newest first, since identifiers are time-ordered
// and zero-padded), and opens each.
func (e *Engine) loadTables() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "engine: list data directory")
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasSuffix(ent.Name(), ".sst") {
			names = append(names, ent.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	tables := make([]*sstable.Reader, 0, len(names))
	for _, name := range names {
		r, err := sstable.Open(filepath.Join(e.dir, name))
		if err != nil {
			for _, opened := range tables {
				_ = opened.Release()
			}
			return err
		}
		tables = append(tables, r)
		if id, ok := parseID(name); ok && id > e.lastID {
			e.lastID = id
		}
	}
	e.tables = tables
	return nil
}

func parseID(name string) (uint64, bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(name[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// nextID returns the current wall clock in nanoseconds since the epoch,
// bumped past the last identifier handed out so identifiers stay
// strictly increasing even if the clock stalls or steps back.
func (e *Engine) nextID() uint64 {
	for {
		last := atomic.LoadUint64(&e.lastID)
		id := uint64(time.Now().UnixNano())
		if id <= last {
			id = last + 1
		}
		if atomic.CompareAndSwapUint64(&e.lastID, last, id) {
			return id
		}
	}
}

func compactName(id uint64) string { return zeroPad(id) + ".compact.sst" }

func zeroPad(id uint64) string {
	s := strconv.FormatUint(id, 10)
	const width = 20
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Close flushes the redo log's buffer and closes it, then releases every
// live table handle. Close does not flush the memtable to a sorted
// table; recovery on the next Open replays whatever the log holds.
func (e *Engine) Close() error {
	e.logMu.Lock()
	logErr := e.log.Close()
	e.logMu.Unlock()

	e.tablesMu.Lock()
	tables := e.tables
	e.tables = nil
	e.tablesMu.Unlock()
	for _, t := range tables {
		_ = t.Release()
	}
	return logErr
}

// Put durably appends a put record to the redo log, then applies it to
// the current memtable, flushing if the memtable has crossed its byte
// threshold.
func (e *Engine) Put(key, value []byte) error {
	if err := sstable.ValidateKey(key); err != nil {
		return err
	}
	if err := sstable.ValidateValue(value); err != nil {
		return err
	}

	e.logMu.Lock()
	e.seq++
	seq := e.seq
	if err := e.log.AppendPut(key, value); err != nil {
		e.seq--
		e.logMu.Unlock()
		return err
	}
	e.memMu.RLock()
	mem := e.mem
	mem.Put(key, value, seq)
	full := mem.IsFull(e.opts.MemtableThreshold)
	e.memMu.RUnlock()
	e.logMu.Unlock()

	if full {
		return e.flush()
	}
	return nil
}

// Delete durably appends a delete (tombstone) record to the redo log,
// then applies it to the current memtable, flushing if necessary.
func (e *Engine) Delete(key []byte) error {
	if err := sstable.ValidateKey(key); err != nil {
		return err
	}

	e.logMu.Lock()
	e.seq++
	seq := e.seq
	if err := e.log.AppendDelete(key); err != nil {
		e.seq--
		e.logMu.Unlock()
		return err
	}
	e.memMu.RLock()
	mem := e.mem
	mem.Delete(key, seq)
	full := mem.IsFull(e.opts.MemtableThreshold)
	e.memMu.RUnlock()
	e.logMu.Unlock()

	if full {
		return e.flush()
	}
	return nil
}

// Get consults the current memtable, then each live table from newest
// to oldest, returning the first match. A tombstone (in either source)
// is reported as "not found", exactly as the original delete intended.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.memMu.RLock()
	mem := e.mem
	e.memMu.RUnlock()

	if rec, ok := mem.Get(key); ok {
		if rec.Tombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}

	// Retain every table while still holding tablesMu: releasing the lock
	// first and retaining afterward leaves a window where a concurrent
	// compaction can install its output and drop this table's last
	// reference before Retain runs, closing the file out from under a
	// snapshot that still names it.
	e.tablesMu.RLock()
	tables := make([]*sstable.Reader, 0, len(e.tables))
	for _, t := range e.tables {
		if t.Retain() {
			tables = append(tables, t)
		}
	}
	e.tablesMu.RUnlock()
	defer func() {
		for _, t := range tables {
			_ = t.Release()
		}
	}()

	for _, t := range tables {
		rec, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if rec.Tombstone {
			return nil, false, nil
		}
		return rec.Value, true, nil
	}
	return nil, false, nil
}

// Flush forces the current memtable to a new sorted table, even if it
// hasn't crossed the byte threshold. A no-op on an empty memtable.
func (e *Engine) Flush() error {
	return e.flush()
}

func (e *Engine) flush() error {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return e.flushLocked()
}

// flushLocked assumes logMu is held. It builds the new table before
// touching the live list or the memtable pointer, and installs the new
// table into the live list before clearing the memtable, so a
// concurrent Get never observes a window where neither source holds the
// flushed data (see DESIGN.md's engine section).
func (e *Engine) flushLocked() error {
	e.memMu.RLock()
	mem := e.mem
	e.memMu.RUnlock()

	if mem.Len() == 0 {
		return nil
	}
	records := mem.Iter()

	id := e.nextID()
	path := filepath.Join(e.dir, zeroPad(id)+".sst")
	b, err := sstable.NewBuilder(path, max(len(records), 1), e.opts.FilterFalsePositiveRate, e.opts.SparseIndexInterval)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := b.Add(rec); err != nil {
			return err
		}
	}
	if err := b.Finish(); err != nil {
		return err
	}

	reader, err := sstable.Open(path)
	if err != nil {
		return err
	}

	e.tablesMu.Lock()
	e.tables = append([]*sstable.Reader{reader}, e.tables...)
	tableCount := len(e.tables)
	e.tablesMu.Unlock()

	e.memMu.Lock()
	if e.mem == mem {
		e.mem = memtable.New()
	}
	e.memMu.Unlock()

	if err := e.log.Truncate(); err != nil {
		return err
	}

	e.logger.Debug("flushed memtable", zap.String("path", path), zap.Int("tables", tableCount))

	if tableCount >= e.opts.CompactionTrigger {
		e.maybeCompactAsync()
	}
	return nil
}

// maybeCompactAsync starts a background compaction if none is already
// running; it never blocks the caller.
func (e *Engine) maybeCompactAsync() {
	if !e.compactMu.TryLock() {
		return
	}
	atomic.StoreInt32(&e.compacting, 1)
	go func() {
		defer func() {
			atomic.StoreInt32(&e.compacting, 0)
			e.compactMu.Unlock()
		}()
		if err := e.runCompaction(); err != nil {
			e.logger.Warn("background compaction failed", zap.Error(err))
		}
	}()
}

// Compact synchronously merges every currently live table into one, in
// the caller's goroutine. It waits for any in-flight background
// compaction to finish first: only one compaction runs at a time.
func (e *Engine) Compact() error {
	e.compactMu.Lock()
	atomic.StoreInt32(&e.compacting, 1)
	defer func() {
		atomic.StoreInt32(&e.compacting, 0)
		e.compactMu.Unlock()
	}()
	return e.runCompaction()
}

// Compacting reports whether a compaction (background or foreground) is
// currently in progress.
func (e *Engine) Compacting() bool {
	return atomic.LoadInt32(&e.compacting) != 0
}

// runCompaction merges a snapshot of the live table list into a single
// new table, then installs it atomically: tables present in the
// snapshot are removed from the live list (and their files deleted) and
// the merged output takes their place, positioned after any table that
// was flushed during the merge (which is newer than the merge's input).
func (e *Engine) runCompaction() error {
	// Retain every table while still holding tablesMu, for the same
	// reason Get does: releasing the lock before Retain leaves a window
	// where a concurrent release could close a table between the two.
	// Only one compaction runs at a time (compactMu), so the sole other
	// releaser here is Close, which is the caller's responsibility to
	// sequence after any in-flight compaction.
	e.tablesMu.RLock()
	snapshot := make([]*sstable.Reader, 0, len(e.tables))
	for _, t := range e.tables {
		if t.Retain() {
			snapshot = append(snapshot, t)
		}
	}
	e.tablesMu.RUnlock()
	defer func() {
		for _, t := range snapshot {
			_ = t.Release()
		}
	}()

	if len(snapshot) < 2 {
		return nil
	}

	id := e.nextID()
	outPath := filepath.Join(e.dir, compactName(id))
	err := compaction.Run(outPath, snapshot, compaction.Options{
		SparseInterval:    e.opts.SparseIndexInterval,
		FalsePositiveRate: e.opts.FilterFalsePositiveRate,
		ElideTombstones:   true,
	})
	if err != nil {
		_ = os.Remove(outPath)
		return err
	}

	newReader, err := sstable.Open(outPath)
	if err != nil {
		_ = os.Remove(outPath)
		return err
	}

	snapshotSet := make(map[*sstable.Reader]bool, len(snapshot))
	for _, t := range snapshot {
		snapshotSet[t] = true
	}

	e.tablesMu.Lock()
	var newerThanSnapshot []*sstable.Reader
	for _, t := range e.tables {
		if !snapshotSet[t] {
			newerThanSnapshot = append(newerThanSnapshot, t)
		}
	}
	e.tables = append(newerThanSnapshot, newReader)
	e.tablesMu.Unlock()

	for _, t := range snapshot {
		_ = t.Release() // surrender the live list's own reference
		if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("failed to remove superseded table", zap.String("path", t.Path), zap.Error(err))
		}
	}

	e.logger.Debug("compaction installed", zap.String("output", outPath), zap.Int("inputs", len(snapshot)))
	return nil
}
