package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const statusSchema = `
CREATE TABLE IF NOT EXISTS task_status (
	task_key       TEXT PRIMARY KEY,
	source_version INTEGER NOT NULL,
	status         TEXT NOT NULL,
	updated_at     INTEGER NOT NULL
)`

const upsertStatus = `
INSERT INTO task_status (task_key, source_version, status, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(task_key) DO UPDATE SET
	source_version = excluded.source_version,
	status         = excluded.status,
	updated_at     = excluded.updated_at`

// SQLiteSink persists task statuses into a SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens the database at dsn and creates the status table.
func OpenSQLiteSink(ctx context.Context, dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, statusSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create status table")
	}
	return &SQLiteSink{db: db}, nil
}

// UpsertStatuses writes all updates in one transaction. Rows are
// idempotent: replaying a batch leaves the table unchanged.
func (s *SQLiteSink) UpsertStatuses(ctx context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	stmt, err := tx.PrepareContext(ctx, upsertStatus)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "prepare upsert")
	}
	defer stmt.Close()

	for _, u := range updates {
		at := u.UpdatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, u.TaskKey, u.SourceVersion, u.Status, at.UnixNano()); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "upsert %q", u.TaskKey)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Status returns the stored status of key.
func (s *SQLiteSink) Status(ctx context.Context, key string) (StatusUpdate, error) {
	u := StatusUpdate{TaskKey: key}
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT source_version, status, updated_at FROM task_status WHERE task_key = ?`, key,
	).Scan(&u.SourceVersion, &u.Status, &at)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, errors.Wrap(err, "query status")
	}
	u.UpdatedAt = time.Unix(0, at)
	return u, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
