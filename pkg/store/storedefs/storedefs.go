// Package storedefs contains definitions of the store API.
//
// It is a separate package so that packages that only depend on the store API
// does not need to depend on the concrete implementation.
package storedefs

import (
	"errors"
	"time"
)

// ErrNoMatchingEntry is the error returned when a query for a history entry
// completes with no result.
var ErrNoMatchingEntry = errors.New("no matching history entry")

// Store is an interface satisfied by the evaluation history.
type Store interface {
	NextSeq() (int, error)
	AddEntry(e Entry) (int, error)
	DelEntry(seq int) error
	Entry(seq int) (Entry, error)
	Entries(from, upto int) ([]Entry, error)
	// Recent returns the last n entries, oldest first.
	Recent(n int) ([]Entry, error)
	Close() error
}

// Entry is an evaluation in the history.
type Entry struct {
	// Sequence number, assigned by AddEntry.
	Seq  int
	Time time.Time
	// Generation of the worker that evaluated the code; always 0 in the
	// in-process mode.
	Generation int
	EnvPath    string
	Code       string
	// Hex-encoded digest of Code, assigned by AddEntry.
	Digest string
	// The formatted result.
	Result   string
	IsError  bool
	Duration time.Duration
}
