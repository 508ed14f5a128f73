package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteJournal is a Journal backed by a single SQLite file.
//
// It uses WAL mode so that readers (dashboards, CLI tools inspecting
// Dropped) do not block the pipeline's writes.
//
// Schema:
//   - delivery_journal: one row per terminal batch outcome
//
// Example:
//
//	j, err := journal.NewSQLiteJournal("./delivery.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer j.Close()
//	em, _ := pipeline.New(cfg, pipeline.WithJournal(j))
//
// For tests, ":memory:" gives a private in-memory database.
type SQLiteJournal struct {
	*sqlJournal
	path string
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens (creating if needed) the journal database at path.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	j := &SQLiteJournal{sqlJournal: &sqlJournal{db: db}, path: path}
	if err := j.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *SQLiteJournal) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS delivery_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			event_ids TEXT NOT NULL,
			size INTEGER NOT NULL,
			status TEXT NOT NULL,
			status_code INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			recorded_at INTEGER NOT NULL
		)
	`
	if _, err := j.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create delivery_journal table: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_journal_status ON delivery_journal(status, id)"); err != nil {
		return fmt.Errorf("failed to create idx_journal_status: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (j *SQLiteJournal) Path() string {
	return j.path
}
