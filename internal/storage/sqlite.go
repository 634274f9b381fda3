// Package storage persists flows, flow versions, runs and run steps in
// SQLite. Every state transition is a single statement or transaction, so
// the database always reflects the last committed transition.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Storage struct {
	db *sql.DB
}

var (
	ErrOpenFailed    = errors.New("failed to open database")
	ErrMigrateFailed = errors.New("failed to migrate database")
)

const pragmas = "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

// New opens (creating if needed) the database at dbPath and applies the
// schema. Use ":memory:" for a throwaway store.
func New(dbPath string) (*Storage, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += pragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases shared across goroutines
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrMigrateFailed, err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flows (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		next_version INTEGER NOT NULL DEFAULT 1,
		retired INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS flow_versions (
		flow_id TEXT NOT NULL REFERENCES flows(id),
		version INTEGER NOT NULL,
		steps TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (flow_id, version)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		flow_id TEXT NOT NULL REFERENCES flows(id),
		version INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		partial_failure INTEGER NOT NULL DEFAULT 0,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		inputs TEXT,
		error_kind TEXT,
		error_code TEXT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS run_steps (
		run_id TEXT NOT NULL REFERENCES runs(id),
		seq INTEGER NOT NULL,
		step_id TEXT NOT NULL,
		name TEXT NOT NULL,
		connector TEXT NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		error_kind TEXT,
		error_code TEXT,
		error_message TEXT,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS step_attempts (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		output TEXT,
		error_kind TEXT,
		error_code TEXT,
		error_message TEXT,
		started_at TIMESTAMP,
		finished_at TIMESTAMP,
		PRIMARY KEY (run_id, seq, attempt),
		FOREIGN KEY (run_id, seq) REFERENCES run_steps(run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
