// Package watcher provides journal tailing via a journalctl subprocess.
package watcher

import (
	"context"
	"fmt"
	"time"
)

// Entry is one decoded journal record.
type Entry struct {
	Message string // MESSAGE
	Origin  string // _SYSTEMD_UNIT, e.g. "docker.service"

	// Carried for logging only.
	Priority          int
	Cursor            string
	RealtimeTimestamp string // microseconds since epoch as string
}

// DecodeError reports a journal record whose MESSAGE or _SYSTEMD_UNIT could
// not be decoded as ASCII text.
type DecodeError struct {
	Field  string
	Cursor string
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s at cursor %q: %s", e.Field, e.Cursor, e.Reason)
}

// Record is the per-entry result of reading the journal: either Entry is set
// and Err is nil, or Err describes why the entry could not be decoded.
type Record struct {
	Entry Entry
	Err   error
}

// Source is a tail over the local journal, positioned at the end of the log
// when it starts.
type Source interface {
	// Wait blocks up to timeout for a change notification. It returns an
	// error if the source has failed or ctx is done.
	Wait(ctx context.Context, timeout time.Duration) (bool, error)

	// Advance reports whether undrained records are actually available. A
	// notification may be stale when a previous Drain already consumed the
	// data that triggered it.
	Advance() bool

	// Drain returns all records read since the previous Drain, in journal
	// order.
	Drain() ([]Record, error)

	// Close stops the source.
	Close() error
}
