// Package journal keeps an audit trail of batch delivery outcomes.
//
// The journal records what happened to each batch (delivered or dropped,
// with status code, reason, attempt count and event ids), never the payload
// bodies themselves. It answers "which events did we lose, and why?" after
// the fact, and survives process restarts when backed by SQLite or MySQL.
package journal

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("journal is closed")

// Status is the terminal outcome of a batch.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusDropped   Status = "dropped"
)

// Entry is one journaled outcome.
type Entry struct {
	BatchID    string
	EventIDs   []string
	Size       int
	Status     Status
	StatusCode int    // 0 when the last attempt failed at the transport level
	Reason     string // drop reason; empty for deliveries
	Attempts   int    // total delivery attempts made
	Error      string // last transport error text, if any
	RecordedAt time.Time
}

// Journal persists delivery outcomes.
//
// Record is called from the pipeline worker after each terminal outcome and
// should return quickly; the worker logs and otherwise ignores Record errors
// so a failing journal never blocks delivery.
//
// Implementations:
//   - MemJournal: bounded in-memory ring, for tests and short-lived processes
//   - SQLiteJournal: single-file database
//   - MySQLJournal: shared database for fleets of producers
type Journal interface {
	// Record appends an entry. A zero RecordedAt is set to the current time.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Dropped returns up to limit dropped entries, newest first.
	Dropped(ctx context.Context, limit int) ([]Entry, error)

	// Close releases resources. Calling Close more than once is safe.
	Close() error
}
