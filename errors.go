package keyfold

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIdentNotFound is returned when looking up an ident that is not
	// registered (or has been dropped).
	ErrIdentNotFound = errors.New("ident not found")

	// ErrKeyNotFound is returned by storage point lookups for missing keys.
	ErrKeyNotFound = errors.New("key not found")

	// ErrShuttingDown is returned when an operation is requested after
	// shutdown has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// CorruptionError reports unrecoverable damage to the store's namespace
// metadata. An engine must not be used after Open returns one.
type CorruptionError struct {
	Key []byte
	Msg string
	Err error
}

func corruptf(key []byte, err error, format string, args ...any) error {
	return &CorruptionError{Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Error() string {
	var buf strings.Builder
	buf.WriteString("store corruption: ")
	buf.WriteString(e.Msg)
	if e.Key != nil {
		buf.WriteString(": key ")
		buf.WriteString(hexstr(e.Key))
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// GroupMismatchError reports that the store was previously opened with a
// different set of column groups than the one now requested, in a combination
// that cannot be reconciled automatically.
type GroupMismatchError struct {
	Path      string
	Recorded  []string
	Requested []string
}

func (e *GroupMismatchError) Error() string {
	return fmt.Sprintf("inconsistent column groups for store %s: previously opened with [%s], now requested [%s]",
		e.Path, strings.Join(e.Recorded, " "), strings.Join(e.Requested, " "))
}
