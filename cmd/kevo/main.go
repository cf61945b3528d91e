// Command kevo is the ambient CLI this module carries alongside the
// embeddable engine: put/get/del against a data directory, plus the
// administrative compact/dump/verify operations spec.md's Non-goals
// exclude from the core engine but not from a surrounding tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/albiere/kevo/engine"
	"github.com/albiere/kevo/internal/kverrors"
	"github.com/albiere/kevo/memtable"
	"github.com/albiere/kevo/sstable"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	fs := pflag.NewFlagSet("kevo", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	dir := fs.StringP("dir", "d", "data", "data directory (active.wal + sorted tables live here)")
	memThreshold := fs.Int("mem-threshold", 4<<20, "memtable byte threshold before flush")
	compactTrigger := fs.Int("compact-trigger", 4, "live table count that triggers background compaction")
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")

	if err := fs.Parse(os.Args[2:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()

	// dump and verify operate directly on a table file and need no open
	// engine instance.
	switch cmd {
	case "dump":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		runDump(args[0])
		return
	case "verify":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		runVerify(args[0])
		return
	}

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fatal(err)
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	// KEVO_* environment variables override the built-in defaults; a
	// flag given on the command line overrides both.
	opts := engine.DefaultOptions(*dir)
	opts.MemtableThreshold = *memThreshold
	opts.CompactionTrigger = *compactTrigger
	opts = opts.WithEnv()
	if fs.Changed("dir") {
		opts.Dir = *dir
	}
	if fs.Changed("mem-threshold") {
		opts.MemtableThreshold = *memThreshold
	}
	if fs.Changed("compact-trigger") {
		opts.CompactionTrigger = *compactTrigger
	}
	opts.Logger = logger

	e, err := engine.Open(opts)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = e.Close() }()

	switch cmd {
	case "put":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		if err := e.Put([]byte(args[0]), []byte(args[1])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")
	case "get":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		v, ok, err := e.Get([]byte(args[0]))
		if err != nil {
			fatal(err)
		}
		if !ok {
			fmt.Println("(not found)")
			os.Exit(1)
		}
		fmt.Println(string(v))
	case "del":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		if err := e.Delete([]byte(args[0])); err != nil {
			fatal(err)
		}
		fmt.Println("ok")
	case "compact":
		if err := e.Compact(); err != nil {
			fatal(err)
		}
		fmt.Println("ok")
	default:
		usage()
		os.Exit(2)
	}
}

func runDump(path string) {
	err := sstable.Dump(path, func(rec memtable.Record) error {
		if rec.Tombstone {
			fmt.Printf("%s\t(tombstone)\n", rec.Key)
		} else {
			fmt.Printf("%s\t%s\n", rec.Key, rec.Value)
		}
		return nil
	})
	if err != nil {
		fatal(err)
	}
}

func runVerify(path string) {
	if err := sstable.Verify(path); err != nil {
		fmt.Fprintln(os.Stderr, "corrupt:", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  kevo [flags] put <key> <value>")
	fmt.Fprintln(os.Stderr, "  kevo [flags] get <key>")
	fmt.Fprintln(os.Stderr, "  kevo [flags] del <key>")
	fmt.Fprintln(os.Stderr, "  kevo [flags] compact")
	fmt.Fprintln(os.Stderr, "  kevo dump <sstfile>")
	fmt.Fprintln(os.Stderr, "  kevo verify <sstfile>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Flags:")
	fmt.Fprintln(os.Stderr, "  -d, --dir              data directory (default: data)")
	fmt.Fprintln(os.Stderr, "      --mem-threshold    memtable byte threshold before flush")
	fmt.Fprintln(os.Stderr, "      --compact-trigger  live table count that triggers compaction")
	fmt.Fprintln(os.Stderr, "  -v, --verbose          enable debug logging")
}

func fatal(err error) {
	if kind, ok := kverrors.As(err); ok {
		fmt.Fprintf(os.Stderr, "error (%s): %v\n", kind, err)
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
