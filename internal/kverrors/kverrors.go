// Package kverrors defines the typed error kinds the engine surfaces to
// callers: io, corrupt_log, corrupt_table, invalid_argument.
package kverrors

import (
	"github.com/pkg/errors"
)

// Kind classifies why a public operation failed.
type Kind uint8

const (
	// KindIO is an environment-side read/write/seek failure.
	KindIO Kind = iota
	// KindCorruptLog is an unknown record type or a partial record tail
	// in the redo log.
	KindCorruptLog
	// KindCorruptTable is a checksum mismatch, out-of-range footer
	// pointer, truncated region, or non-monotonic key sequence in a
	// sorted table.
	KindCorruptTable
	// KindInvalidArgument is an oversized key or value.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorruptLog:
		return "corrupt_log"
	case KindCorruptTable:
		return "corrupt_table"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// kindError pairs a Kind with the underlying cause. errors.As unwraps to
// this type so callers can branch on Kind without string matching.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return e.kind.String() + ": " + e.cause.Error() }
func (e *kindError) Unwrap() error { return e.cause }
func (e *kindError) Kind() Kind    { return e.kind }

// Wrap annotates err with kind and a stack trace, suitable for returning
// from a public operation. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.WithMessage(errors.WithStack(err), msg)}
}

// New constructs a fresh error of the given kind with a captured stack.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// As reports whether err (or any error in its chain) carries a Kind, and
// if so returns it.
func As(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}

var (
	// ErrCorruptLog is a generic error of KindCorruptLog. wal.Recover
	// does not return this value: it builds its own KindCorruptLog
	// errors, which Is(err, KindCorruptLog) matches.
	ErrCorruptLog = New(KindCorruptLog, "corrupt redo log")
	// ErrCorruptTable is a generic error of KindCorruptTable.
	// sstable.Open does not return this value: it builds its own
	// KindCorruptTable errors, which Is(err, KindCorruptTable) matches.
	ErrCorruptTable = New(KindCorruptTable, "corrupt sorted table")
	// ErrKeyTooLarge is returned when a key's length does not fit in
	// a 32-bit unsigned integer.
	ErrKeyTooLarge = New(KindInvalidArgument, "key exceeds maximum length")
	// ErrValueTooLarge is returned when a value's length does not fit
	// in a 32-bit unsigned integer, or collides with the tombstone
	// sentinel (2^32-1).
	ErrValueTooLarge = New(KindInvalidArgument, "value exceeds maximum length")
	// ErrEmptyKey is returned for a zero-length key.
	ErrEmptyKey = New(KindInvalidArgument, "key must be non-empty")
)
