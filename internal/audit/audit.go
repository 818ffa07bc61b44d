// Package audit keeps a relational receipt log: one row per accepted
// message. It exists for operators who want to query traffic without
// walking the message store.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const createTable = `
create table if not exists receipts (
    id text primary key,
    sender text,
    recipients text,
    size_bytes integer,
    received_at datetime
)`

const insertReceipt = `
insert into receipts (id, sender, recipients, size_bytes, received_at)
values (?, ?, ?, ?, ?)`

// Receipt is one accepted-message record.
type Receipt struct {
	ID         string    `db:"id"`
	Sender     string    `db:"sender"`
	Recipients string    `db:"recipients"`
	SizeBytes  int64     `db:"size_bytes"`
	ReceivedAt time.Time `db:"received_at"`
}

// Log writes receipts through a sql database. Driver is "sqlite" or "mysql".
type Log struct {
	db *sqlx.DB
}

// Open connects to the audit database and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string) (*Log, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	if _, err := db.ExecContext(ctx, createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create receipts table: %w", err)
	}

	return &Log{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB) *Log {
	return &Log{db: db}
}

// Record inserts one receipt row.
func (l *Log) Record(ctx context.Context, id, sender string, recipients []string, sizeBytes int64, receivedAt time.Time) error {
	_, err := l.db.ExecContext(ctx, insertReceipt,
		id, sender, strings.Join(recipients, ","), sizeBytes, receivedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record receipt %s: %w", id, err)
	}
	return nil
}

// Recent returns up to limit receipts, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Receipt, error) {
	var receipts []Receipt
	err := l.db.SelectContext(ctx, &receipts,
		`select id, sender, recipients, size_bytes, received_at
		 from receipts order by received_at desc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	return receipts, nil
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	return l.db.Close()
}
