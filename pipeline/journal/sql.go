package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const entryColumns = "batch_id, event_ids, size, status, status_code, reason, attempts, error, recorded_at"

// sqlJournal holds the queries shared by the SQLite and MySQL journals. Both
// dialects accept "?" placeholders and the same column layout; only the DDL
// differs.
type sqlJournal struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

func (s *sqlJournal) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Record implements Journal.
func (s *sqlJournal) Record(ctx context.Context, e Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	ids := e.EventIDs
	if ids == nil {
		ids = []string{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal event ids: %w", err)
	}

	query := "INSERT INTO delivery_journal (" + entryColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err = s.db.ExecContext(ctx, query,
		e.BatchID, string(idsJSON), e.Size, string(e.Status), e.StatusCode,
		e.Reason, e.Attempts, e.Error, e.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// Recent implements Journal.
func (s *sqlJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM delivery_journal ORDER BY id DESC LIMIT ?"
	return s.query(ctx, query, normalizeLimit(limit))
}

// Dropped implements Journal.
func (s *sqlJournal) Dropped(ctx context.Context, limit int) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM delivery_journal WHERE status = ? ORDER BY id DESC LIMIT ?"
	return s.query(ctx, query, string(StatusDropped), normalizeLimit(limit))
}

// Close implements Journal.
func (s *sqlJournal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *sqlJournal) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *sqlJournal) query(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e          Entry
			idsJSON    string
			status     string
			recordedMs int64
		)
		if err := rows.Scan(&e.BatchID, &idsJSON, &e.Size, &status, &e.StatusCode,
			&e.Reason, &e.Attempts, &e.Error, &recordedMs); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		if err := json.Unmarshal([]byte(idsJSON), &e.EventIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event ids: %w", err)
		}
		e.Status = Status(status)
		e.RecordedAt = time.UnixMilli(recordedMs)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating journal rows: %w", err)
	}
	return entries, nil
}

// normalizeLimit maps "no limit" to a large bound so the same query works on
// both dialects.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
