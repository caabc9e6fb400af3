package store

import (
	"errors"
	"strings"

	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrDuplicate is returned when an insert collides with an existing key
	// and the operation is not idempotent by contract.
	ErrDuplicate = errors.New("duplicate key")

	// ErrNotFound is returned by operations that need an existing referent
	// to act on. Plain getters return nil, nil instead.
	ErrNotFound = errors.New("not found")

	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrSessionClosed is returned for writes against a COMPLETED or FAILED session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrStaleWrite reports that the target row changed between a caller's
	// read and its write. Callers should re-read and retry.
	ErrStaleWrite = errors.New("stale write")
)

// IsRetryable reports whether err is a transient condition worth retrying:
// a stale optimistic write or SQLite lock contention.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleWrite) || isSQLiteBusy(err)
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
