package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockLog(t *testing.T) (*Log, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestRecordInsertsReceipt(t *testing.T) {
	log, mock := newMockLog(t)

	receivedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into receipts").
		WithArgs("msg-1", "alice@example.com", "bob@example.org,carol@example.net", int64(512), receivedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := log.Record(context.Background(), "msg-1", "alice@example.com",
		[]string{"bob@example.org", "carol@example.net"}, 512, receivedAt)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordPropagatesFailure(t *testing.T) {
	log, mock := newMockLog(t)

	mock.ExpectExec("insert into receipts").
		WillReturnError(context.DeadlineExceeded)

	err := log.Record(context.Background(), "msg-2", "a@b.c", []string{"d@e.f"}, 10, time.Now())
	if err == nil {
		t.Fatal("Record should propagate the database error")
	}
}

func TestRecentQueriesNewestFirst(t *testing.T) {
	log, mock := newMockLog(t)

	rows := sqlmock.NewRows([]string{"id", "sender", "recipients", "size_bytes", "received_at"}).
		AddRow("msg-2", "a@b.c", "d@e.f", 20, time.Now()).
		AddRow("msg-1", "a@b.c", "d@e.f", 10, time.Now().Add(-time.Hour))

	mock.ExpectQuery("select id, sender, recipients, size_bytes, received_at").
		WithArgs(2).
		WillReturnRows(rows)

	receipts, err := log.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("receipts = %d, want 2", len(receipts))
	}
	if receipts[0].ID != "msg-2" {
		t.Errorf("first receipt = %s, want the newest", receipts[0].ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
