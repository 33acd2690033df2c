package delivery

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPostgresStore(db), mock
}

var recordCols = []string{"event_id", "destination", "topic", "timestamp", "body", "retry_count", "received_at"}

func TestPostgresStorePut(t *testing.T) {
	s, mock := newMockPostgres(t)
	rec := newRecord("evt-1", "demoSubscriber", 1000)

	mock.ExpectExec(`INSERT INTO event_deliveries`).
		WithArgs("evt-1", "demoSubscriber", "comment", int64(1000), []byte(rec.Body), 0, sql.NullInt64{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestPostgresStoreConditionalUpdates(t *testing.T) {
	s, mock := newMockPostgres(t)
	key := Key{EventID: "evt-1", Destination: "demoSubscriber"}

	mock.ExpectExec(`UPDATE event_deliveries\s+SET retry_count = \$1\s+WHERE event_id = \$2 AND destination = \$3\s+AND received_at IS NULL AND retry_count < \$1`).
		WithArgs(2, "evt-1", "demoSubscriber").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE event_deliveries\s+SET retry_count`).
		WithArgs(1, "evt-1", "demoSubscriber").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE event_deliveries\s+SET received_at = \$1\s+WHERE event_id = \$2 AND destination = \$3 AND received_at IS NULL`).
		WithArgs(int64(5000), "evt-1", "demoSubscriber").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if applied, err := s.UpdateRetryCount(ctx, key, 2); err != nil || !applied {
		t.Errorf("expected applied update, got %v, %v", applied, err)
	}
	if applied, err := s.UpdateRetryCount(ctx, key, 1); err != nil || applied {
		t.Errorf("expected skipped update, got %v, %v", applied, err)
	}
	if applied, err := s.MarkReceived(ctx, key, 5000); err != nil || applied {
		t.Errorf("expected skipped mark, got %v, %v", applied, err)
	}
}

func TestPostgresStoreDeleteUnresolved(t *testing.T) {
	s, mock := newMockPostgres(t)
	key := Key{EventID: "evt-1", Destination: "demoSubscriber"}

	mock.ExpectExec(`DELETE FROM event_deliveries\s+WHERE event_id = \$1 AND destination = \$2 AND received_at IS NULL`).
		WithArgs("evt-1", "demoSubscriber").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM event_deliveries`).
		WithArgs("evt-1", "demoSubscriber").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if applied, err := s.DeleteUnresolved(ctx, key); err != nil || !applied {
		t.Errorf("expected applied delete, got %v, %v", applied, err)
	}
	if applied, err := s.DeleteUnresolved(ctx, key); err != nil || applied {
		t.Errorf("expected skipped delete, got %v, %v", applied, err)
	}
}

func TestPostgresStoreGet(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM event_deliveries\s+WHERE event_id = \$1 AND destination = \$2`).
		WithArgs("evt-1", "demoSubscriber").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("evt-1", "demoSubscriber", "comment", int64(1000), []byte(`{}`), 3, int64(4000)))
	mock.ExpectQuery(`SELECT .* FROM event_deliveries`).
		WithArgs("evt-2", "demoSubscriber").
		WillReturnError(sql.ErrNoRows)

	rec, err := s.Get(ctx, Key{EventID: "evt-1", Destination: "demoSubscriber"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.RetryCount != 3 || rec.ReceivedAt == nil || *rec.ReceivedAt != 4000 {
		t.Errorf("unexpected record %+v", rec)
	}

	if _, err := s.Get(ctx, Key{EventID: "evt-2", Destination: "demoSubscriber"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreScan(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectQuery(`WHERE received_at IS NULL AND timestamp < \$1\s+ORDER BY timestamp, event_id, destination\s+LIMIT \$2`).
		WithArgs(int64(5000), 3).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("evt-1", "a", "post", int64(1000), []byte(`{}`), 0, nil).
			AddRow("evt-1", "b", "post", int64(1000), []byte(`{}`), 0, nil).
			AddRow("evt-2", "a", "post", int64(2000), []byte(`{}`), 1, nil))

	page, err := s.Scan(ctx, Filter{Status: StatusPending, Before: 5000, Limit: 2})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(page.Records) != 2 || page.NextCursor == "" {
		t.Fatalf("expected full page with cursor, got %d records, cursor %q", len(page.Records), page.NextCursor)
	}

	mock.ExpectQuery(`\(timestamp, event_id, destination\) > \(\$2, \$3, \$4\)`).
		WithArgs(int64(5000), int64(1000), "evt-1", "b", 3).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("evt-2", "a", "post", int64(2000), []byte(`{}`), 1, nil))

	page, err = s.Scan(ctx, Filter{Status: StatusPending, Before: 5000, Limit: 2, Cursor: page.NextCursor})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(page.Records) != 1 || page.NextCursor != "" {
		t.Errorf("expected last page of 1, got %d records, cursor %q", len(page.Records), page.NextCursor)
	}
}
