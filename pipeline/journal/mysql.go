package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLJournal is a Journal backed by MySQL or MariaDB, for fleets of
// producers that want one place to audit lost events.
//
// The DSN format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	j, err := journal.NewMySQLJournal(os.Getenv("EVENTPIPE_JOURNAL_DSN"))
type MySQLJournal struct {
	*sqlJournal
}

var _ Journal = (*MySQLJournal)(nil)

// NewMySQLJournal connects to dsn, verifies the connection and creates the
// journal table if needed.
func NewMySQLJournal(dsn string) (*MySQLJournal, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	j, err := NewMySQLJournalFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// NewMySQLJournalFromDB wraps an existing connection pool. The journal takes
// ownership of db and closes it on Close.
func NewMySQLJournalFromDB(db *sql.DB) (*MySQLJournal, error) {
	j := &MySQLJournal{sqlJournal: &sqlJournal{db: db}}
	if err := j.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

func (j *MySQLJournal) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS delivery_journal (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			batch_id VARCHAR(64) NOT NULL,
			event_ids JSON NOT NULL,
			size INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			status_code INT NOT NULL DEFAULT 0,
			reason VARCHAR(64) NOT NULL DEFAULT '',
			attempts INT NOT NULL,
			error TEXT NOT NULL,
			recorded_at BIGINT NOT NULL,
			INDEX idx_journal_status (status, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := j.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create delivery_journal table: %w", err)
	}
	return nil
}
