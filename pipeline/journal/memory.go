package journal

import (
	"context"
	"sync"
	"time"
)

// DefaultMemLimit bounds a MemJournal created with a non-positive limit.
const DefaultMemLimit = 10000

// MemJournal keeps the most recent entries in memory.
//
// When full, the oldest entry is overwritten, so the journal always holds the
// last limit outcomes. Entries are lost when the process exits.
//
// Use cases:
//   - Tests asserting on delivery outcomes
//   - Short-lived processes (CLIs, batch jobs) that report drops on exit
//   - An in-process "recent failures" view for a status page
//
// Example usage:
//
//	j := journal.NewMemJournal(500)
//	em, _ := pipeline.New(cfg, pipeline.WithJournal(j))
//	// ... Add, Close ...
//	lost, _ := j.Dropped(ctx, 50)
type MemJournal struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
	closed  bool
}

var _ Journal = (*MemJournal)(nil)

// NewMemJournal creates a journal holding at most limit entries.
func NewMemJournal(limit int) *MemJournal {
	if limit <= 0 {
		limit = DefaultMemLimit
	}
	return &MemJournal{limit: limit}
}

// Record implements Journal.
func (m *MemJournal) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	e.EventIDs = append([]string(nil), e.EventIDs...)

	if len(m.entries) >= m.limit {
		copy(m.entries, m.entries[1:])
		m.entries = m.entries[:len(m.entries)-1]
	}
	m.entries = append(m.entries, e)
	return nil
}

// Recent implements Journal.
func (m *MemJournal) Recent(_ context.Context, limit int) ([]Entry, error) {
	return m.collect(limit, func(Entry) bool { return true })
}

// Dropped implements Journal.
func (m *MemJournal) Dropped(_ context.Context, limit int) ([]Entry, error) {
	return m.collect(limit, func(e Entry) bool { return e.Status == StatusDropped })
}

// Close implements Journal.
func (m *MemJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *MemJournal) collect(limit int, keep func(Entry) bool) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := []Entry{}
	for i := len(m.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if keep(m.entries[i]) {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}
