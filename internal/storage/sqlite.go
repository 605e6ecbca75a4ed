// Package storage opens the SQLite database that holds the dispatch history.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps pragmas applied and serializes writers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap creates tables and indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
  id           TEXT PRIMARY KEY,
  project      TEXT NOT NULL,
  dispatcher   TEXT NOT NULL,
  worker_size  INTEGER NOT NULL,
  status       TEXT NOT NULL,
  started_at   TEXT NOT NULL,
  finished_at  TEXT,
  last_error   TEXT,
  error_kind   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS worker_runs (
  dispatch_id  TEXT NOT NULL REFERENCES dispatches(id) ON DELETE CASCADE,
  worker_index INTEGER NOT NULL,
  pid          INTEGER NOT NULL,
  exit_code    INTEGER NOT NULL,
  signaled     INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL,
  exited_at    TEXT NOT NULL,
  PRIMARY KEY (dispatch_id, worker_index)
);`,
		`CREATE INDEX IF NOT EXISTS dispatches_started_at_idx ON dispatches(started_at);`,
		`CREATE INDEX IF NOT EXISTS dispatches_project_status_idx ON dispatches(project, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
