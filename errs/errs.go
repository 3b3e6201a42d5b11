// Package errs defines the error taxonomy shared across the storage engine:
// memtable lookups, WAL recovery, and SST reads all report through these
// sentinels so callers can type-switch once instead of per-subsystem.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup exhausts every source without
	// finding a live record for the key.
	ErrNotFound = errors.New("tinykv: not found")

	// ErrDeleted names a lookup that encountered a tombstone for the
	// requested key. Engine.Get reports that case as ErrNotFound; no code in
	// this module returns ErrDeleted itself.
	ErrDeleted = errors.New("tinykv: deleted")

	// ErrInvalidArgument covers null/empty arguments the core rejects
	// immediately: a nil output pointer, an empty key on insert, an
	// out-of-order key handed to an SST builder.
	ErrInvalidArgument = errors.New("tinykv: invalid argument")

	// ErrClosed is returned by operations attempted after the owning
	// resource (WAL writer, engine) has been closed.
	ErrClosed = errors.New("tinykv: closed")
)

// CorruptionError reports a corrupt on-disk record: a CRC mismatch, a bad
// length, a truncated footer, or a missing magic number. It carries the byte
// offset at which the corruption was detected so a caller (or a WAL
// reporter callback) can log something actionable.
type CorruptionError struct {
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("tinykv: corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// NewCorruption builds a CorruptionError. Kept as a constructor (rather than
// a bare struct literal at each call site) so every caller supplies both
// fields.
func NewCorruption(offset int64, reason string) error {
	return &CorruptionError{Offset: offset, Reason: reason}
}

// IsCorruption reports whether err (or something it wraps) is a CorruptionError.
func IsCorruption(err error) bool {
	var c *CorruptionError
	return errors.As(err, &c)
}
