// Package history records every dispatch and its worker results in SQLite.
// It is an audit log and never feeds back into dispatch decisions.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxErrorBytes = 16 * 1024

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin records a running dispatch and returns its id.
func (s *Store) Begin(ctx context.Context, project, dispatcher string, workerSize int) (string, error) {
	if project == "" {
		return "", fmt.Errorf("project is empty")
	}
	if workerSize <= 0 {
		return "", fmt.Errorf("worker size must be positive")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dispatches(id, project, dispatcher, worker_size, status, started_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, project, dispatcher, workerSize, StatusRunning, now)
	if err != nil {
		return "", fmt.Errorf("insert dispatch: %w", err)
	}
	return id, nil
}

// Finish marks a dispatch terminal and stores its worker runs.
func (s *Store) Finish(ctx context.Context, id string, out Outcome) error {
	if id == "" {
		return fmt.Errorf("dispatch id is empty")
	}
	if !out.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", out.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastError any
	if out.LastError != nil {
		msg := *out.LastError
		if len(msg) > maxErrorBytes {
			msg = msg[:maxErrorBytes]
		}
		lastError = msg
	}

	res, err := tx.ExecContext(ctx, `
UPDATE dispatches
SET status = ?, finished_at = ?, last_error = ?, error_kind = ?
WHERE id = ?;
`, out.Status, time.Now().UTC().Format(time.RFC3339Nano), lastError, out.ErrorKind, id)
	if err != nil {
		return fmt.Errorf("update dispatch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	for _, w := range out.Workers {
		_, err := tx.ExecContext(ctx, `
INSERT INTO worker_runs(dispatch_id, worker_index, pid, exit_code, signaled, started_at, exited_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, w.Index, w.PID, w.ExitCode, w.Signaled,
			w.StartedAt.UTC().Format(time.RFC3339Nano), w.ExitedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert worker run %d: %w", w.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get loads a dispatch with its worker runs.
func (s *Store) Get(ctx context.Context, id string) (*Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, project, dispatcher, worker_size, status, started_at, finished_at, last_error, error_kind
FROM dispatches
WHERE id = ?;
`, id)
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dispatch: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT worker_index, pid, exit_code, signaled, started_at, exited_at
FROM worker_runs
WHERE dispatch_id = ?
ORDER BY worker_index ASC;
`, id)
	if err != nil {
		return nil, fmt.Errorf("list worker runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			w                   WorkerRun
			startedAt, exitedAt string
		)
		if err := rows.Scan(&w.Index, &w.PID, &w.ExitCode, &w.Signaled, &startedAt, &exitedAt); err != nil {
			return nil, fmt.Errorf("scan worker run: %w", err)
		}
		w.StartedAt = parseTime(startedAt)
		w.ExitedAt = parseTime(exitedAt)
		d.Workers = append(d.Workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker runs: %w", err)
	}
	return d, nil
}

// List returns the most recent dispatches, newest first, without worker runs.
func (s *Store) List(ctx context.Context, limit int) ([]Dispatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, project, dispatcher, worker_size, status, started_at, finished_at, last_error, error_kind
FROM dispatches
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDispatch(sc scanner) (*Dispatch, error) {
	var (
		d          Dispatch
		status     string
		startedAt  string
		finishedAt sql.NullString
		lastError  sql.NullString
		errorKind  sql.NullString
	)
	if err := sc.Scan(&d.ID, &d.Project, &d.Dispatcher, &d.WorkerSize, &status, &startedAt, &finishedAt, &lastError, &errorKind); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.StartedAt = parseTime(startedAt)
	if finishedAt.Valid {
		t := parseTime(finishedAt.String)
		d.FinishedAt = &t
	}
	if lastError.Valid {
		d.LastError = &lastError.String
	}
	if errorKind.Valid {
		d.ErrorKind = &errorKind.String
	}
	return &d, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
