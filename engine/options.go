package engine

import (
	"os"
	"strconv"

	"go.uber.org/zap"
)

// Options configures an Engine. Dir and MemtableThreshold are the two
// parameters the public open(dir, memtable_threshold) operation names;
// the rest tune the domain stack (filter precision, index density,
// compaction trigger) and the ambient logging sink.
type Options struct {
	// Dir is the data directory: active.wal plus <id>.sst / <id>.compact.sst
	// files live here directly.
	Dir string
	// MemtableThreshold is the approximate byte size at which the
	// memtable is flushed to a new sorted table.
	MemtableThreshold int
	// SparseIndexInterval is the "every Sth record" sampling rate for a
	// sorted table's sparse index.
	SparseIndexInterval int
	// FilterFalsePositiveRate is the target false-positive rate used to
	// size each table's membership filter.
	FilterFalsePositiveRate float64
	// CompactionTrigger is the live-table count at which a background
	// compaction is started.
	CompactionTrigger int
	// Logger receives structured diagnostics, including background
	// compaction failures. A nil Logger is replaced with zap.NewNop().
	Logger *zap.Logger
}

// DefaultOptions returns the engine's defaults: a 4MiB memtable
// threshold, a sparse index sampled every 16 records, a 1% false
// positive filter, and compaction triggered at 4 live tables — the
// values spec.md's §4.6.1 names explicitly.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                     dir,
		MemtableThreshold:       4 << 20,
		SparseIndexInterval:     16,
		FilterFalsePositiveRate: 0.01,
		CompactionTrigger:       4,
		Logger:                  zap.NewNop(),
	}
}

// WithEnv overlays KEVO_-prefixed environment variables onto o, following
// the prefix-scan override pattern common to embeddable stores: any
// variable present and parseable wins over the field it names, anything
// absent or malformed leaves the existing value untouched.
func (o Options) WithEnv() Options {
	if v, ok := os.LookupEnv("KEVO_DIR"); ok && v != "" {
		o.Dir = v
	}
	if v, ok := intEnv("KEVO_MEMTABLE_BYTES"); ok {
		o.MemtableThreshold = v
	}
	if v, ok := intEnv("KEVO_SPARSE_INDEX_INTERVAL"); ok {
		o.SparseIndexInterval = v
	}
	if v, ok := floatEnv("KEVO_FILTER_FALSE_POSITIVE_RATE"); ok {
		o.FilterFalsePositiveRate = v
	}
	if v, ok := intEnv("KEVO_COMPACTION_TRIGGER"); ok {
		o.CompactionTrigger = v
	}
	return o
}

func (o Options) normalized() Options {
	if o.Dir == "" {
		o.Dir = "."
	}
	if o.SparseIndexInterval <= 0 {
		o.SparseIndexInterval = 16
	}
	if o.FilterFalsePositiveRate <= 0 || o.FilterFalsePositiveRate >= 1 {
		o.FilterFalsePositiveRate = 0.01
	}
	if o.CompactionTrigger <= 0 {
		o.CompactionTrigger = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func intEnv(name string) (int, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatEnv(name string) (float64, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
