package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// runJournalContract exercises the behavior every Journal must share.
func runJournalContract(t *testing.T, newJournal func(t *testing.T) Journal) {
	ctx := context.Background()

	t.Run("recent is newest first", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		for i := 0; i < 3; i++ {
			if err := j.Record(ctx, Entry{
				BatchID:  fmt.Sprintf("b%d", i),
				EventIDs: []string{fmt.Sprintf("e%d", i)},
				Size:     1,
				Status:   StatusDelivered,
				Attempts: 1,
			}); err != nil {
				t.Fatalf("Record() error = %v", err)
			}
		}

		got, err := j.Recent(ctx, 2)
		if err != nil {
			t.Fatalf("Recent() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].BatchID != "b2" || got[1].BatchID != "b1" {
			t.Errorf("order = %s, %s, want b2, b1", got[0].BatchID, got[1].BatchID)
		}
		if len(got[0].EventIDs) != 1 || got[0].EventIDs[0] != "e2" {
			t.Errorf("EventIDs = %v", got[0].EventIDs)
		}
		if got[0].RecordedAt.IsZero() {
			t.Error("RecordedAt was not set")
		}
	})

	t.Run("round trips every field", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		at := time.UnixMilli(1700000000123)
		want := Entry{
			BatchID:    "b-x",
			EventIDs:   []string{"a", "b", "c"},
			Size:       3,
			Status:     StatusDropped,
			StatusCode: 503,
			Reason:     "retries_exhausted",
			Attempts:   4,
			Error:      "",
			RecordedAt: at,
		}
		if err := j.Record(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, err := j.Recent(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("len = %d, want 1", len(got))
		}
		e := got[0]
		if e.BatchID != want.BatchID || e.Size != want.Size || e.Status != want.Status ||
			e.StatusCode != want.StatusCode || e.Reason != want.Reason || e.Attempts != want.Attempts {
			t.Errorf("entry = %+v, want %+v", e, want)
		}
		if len(e.EventIDs) != 3 || e.EventIDs[2] != "c" {
			t.Errorf("EventIDs = %v", e.EventIDs)
		}
		if !e.RecordedAt.Equal(at) {
			t.Errorf("RecordedAt = %v, want %v", e.RecordedAt, at)
		}
	})

	t.Run("dropped filters", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		_ = j.Record(ctx, Entry{BatchID: "ok", Status: StatusDelivered})
		_ = j.Record(ctx, Entry{BatchID: "lost-1", Status: StatusDropped, Reason: "non_retryable_status", StatusCode: 404})
		_ = j.Record(ctx, Entry{BatchID: "ok-2", Status: StatusDelivered})
		_ = j.Record(ctx, Entry{BatchID: "lost-2", Status: StatusDropped, Reason: "evicted"})

		got, err := j.Dropped(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("len = %d, want 2", len(got))
		}
		if got[0].BatchID != "lost-2" || got[1].BatchID != "lost-1" {
			t.Errorf("dropped = %s, %s", got[0].BatchID, got[1].BatchID)
		}
	})

	t.Run("empty journal", func(t *testing.T) {
		j := newJournal(t)
		defer j.Close()

		got, err := j.Recent(ctx, 5)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || len(got) != 0 {
			t.Errorf("Recent() = %v, want empty non-nil slice", got)
		}
	})

	t.Run("closed", func(t *testing.T) {
		j := newJournal(t)
		if err := j.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := j.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
		if err := j.Record(ctx, Entry{BatchID: "x"}); !errors.Is(err, ErrClosed) {
			t.Errorf("Record() after Close error = %v, want ErrClosed", err)
		}
		if _, err := j.Recent(ctx, 1); !errors.Is(err, ErrClosed) {
			t.Errorf("Recent() after Close error = %v, want ErrClosed", err)
		}
	})
}

func TestMemJournal(t *testing.T) {
	runJournalContract(t, func(*testing.T) Journal { return NewMemJournal(0) })

	t.Run("bounded", func(t *testing.T) {
		j := NewMemJournal(2)
		for i := 0; i < 5; i++ {
			_ = j.Record(context.Background(), Entry{BatchID: fmt.Sprint(i)})
		}
		got, _ := j.Recent(context.Background(), 0)
		if len(got) != 2 || got[0].BatchID != "4" || got[1].BatchID != "3" {
			t.Errorf("Recent() = %+v", got)
		}
	})

	t.Run("copies event ids", func(t *testing.T) {
		j := NewMemJournal(1)
		ids := []string{"a"}
		_ = j.Record(context.Background(), Entry{EventIDs: ids})
		ids[0] = "mutated"
		got, _ := j.Recent(context.Background(), 1)
		if got[0].EventIDs[0] != "a" {
			t.Error("journal shares caller's slice")
		}
	})
}

func TestSQLiteJournal(t *testing.T) {
	runJournalContract(t, func(t *testing.T) Journal {
		j, err := NewSQLiteJournal(filepath.Join(t.TempDir(), "journal.db"))
		if err != nil {
			t.Fatalf("NewSQLiteJournal() error = %v", err)
		}
		return j
	})

	t.Run("persists across reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "journal.db")
		j, err := NewSQLiteJournal(path)
		if err != nil {
			t.Fatal(err)
		}
		if j.Path() != path {
			t.Errorf("Path() = %q, want %q", j.Path(), path)
		}
		if err := j.Ping(context.Background()); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
		_ = j.Record(context.Background(), Entry{BatchID: "kept", Status: StatusDropped})
		_ = j.Close()

		j2, err := NewSQLiteJournal(path)
		if err != nil {
			t.Fatal(err)
		}
		defer j2.Close()
		got, err := j2.Dropped(context.Background(), 1)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].BatchID != "kept" {
			t.Errorf("Dropped() = %+v", got)
		}
	})

	t.Run("memory database", func(t *testing.T) {
		j, err := NewSQLiteJournal(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		defer j.Close()
		if err := j.Record(context.Background(), Entry{BatchID: "m"}); err != nil {
			t.Errorf("Record() error = %v", err)
		}
	})
}

func TestMySQLJournal_WithMock(t *testing.T) {
	ctx := context.Background()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS delivery_journal").
		WillReturnResult(sqlmock.NewResult(0, 0))

	j, err := NewMySQLJournalFromDB(db)
	if err != nil {
		t.Fatalf("NewMySQLJournalFromDB() error = %v", err)
	}

	at := time.UnixMilli(1700000000000)
	mock.ExpectExec("INSERT INTO delivery_journal").
		WithArgs("b1", `["e1","e2"]`, 2, "dropped", 404, "non_retryable_status", 1, "", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = j.Record(ctx, Entry{
		BatchID:    "b1",
		EventIDs:   []string{"e1", "e2"},
		Size:       2,
		Status:     StatusDropped,
		StatusCode: 404,
		Reason:     "non_retryable_status",
		Attempts:   1,
		RecordedAt: at,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	cols := []string{"batch_id", "event_ids", "size", "status", "status_code", "reason", "attempts", "error", "recorded_at"}
	mock.ExpectQuery("SELECT (.+) FROM delivery_journal WHERE status = \\? ORDER BY id DESC LIMIT \\?").
		WithArgs("dropped", 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("b1", `["e1","e2"]`, 2, "dropped", 404, "non_retryable_status", 1, "", at.UnixMilli()))

	got, err := j.Dropped(ctx, 5)
	if err != nil {
		t.Fatalf("Dropped() error = %v", err)
	}
	if len(got) != 1 || got[0].BatchID != "b1" || len(got[0].EventIDs) != 2 || got[0].StatusCode != 404 {
		t.Errorf("Dropped() = %+v", got)
	}

	mock.ExpectExec("INSERT INTO delivery_journal").
		WillReturnError(errors.New("connection lost"))
	if err := j.Record(ctx, Entry{BatchID: "b2"}); err == nil {
		t.Error("Record() error = nil, want driver error")
	}

	mock.ExpectClose()
	if err := j.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestMySQLJournal_CreateTableFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("denied"))

	if _, err := NewMySQLJournalFromDB(db); err == nil {
		t.Error("NewMySQLJournalFromDB() error = nil, want error")
	}
}

func TestNewMySQLJournal_BadDSN(t *testing.T) {
	if _, err := NewMySQLJournal("invalid:dsn:string"); err == nil {
		t.Error("expected error for invalid DSN")
	}
}
