// Package store implements the durable one-row-per-job task store
// (spec §4.J, §6), backed by a single-file SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TaskRow mirrors the tasks table exactly.
type TaskRow struct {
	TaskID    string
	Objective string
	Command   string
	Status    string
	Mode      string
	CreatedAt float64
	UpdatedAt float64
	WorkerPID *int
	ExitCode  *int
	Error     string
}

// Store serializes writes behind a process-wide mutex and retries
// transient "database is locked" failures up to three times, with
// jittered exponential backoff from a 0.2 s base delay.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// DefaultPath returns the default task store location under home.
func DefaultPath(home string) string {
	return filepath.Join(home, "store", "tasks.db")
}

// Open opens (creating if necessary) the SQLite-backed store at path,
// configuring WAL journaling and a busy timeout, and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create parent dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("store: configure pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
	task_id    TEXT PRIMARY KEY,
	objective  TEXT NOT NULL,
	command    TEXT NOT NULL,
	status     TEXT NOT NULL,
	mode       TEXT NOT NULL,
	created_at REAL NOT NULL,
	updated_at REAL NOT NULL,
	worker_pid INTEGER,
	exit_code  INTEGER,
	error      TEXT
);`)
	if err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy serializes f under the store's mutex and retries up to
// maxRetries times with exponential backoff and jitter when f fails
// with a transient "database is locked" error.
func (s *Store) retryOnBusy(maxRetries int, f func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseDelay := 200 * time.Millisecond
	capDelay := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == maxRetries {
			return lastErr
		}
		delay := baseDelay * time.Duration(1<<attempt)
		if delay > capDelay {
			delay = capDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		time.Sleep(delay/2 + jitter)
	}
	return lastErr
}

// UpsertTask inserts a new row or updates the mutable fields of an
// existing one, leaving created_at untouched on conflict.
func (s *Store) UpsertTask(taskID, objective, command, status, mode string, workerPID, exitCode *int, errStr string) error {
	now := nowUnix()
	return s.retryOnBusy(3, func() error {
		_, err := s.db.Exec(`
INSERT INTO tasks (task_id, objective, command, status, mode, created_at, updated_at, worker_pid, exit_code, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
	objective = excluded.objective,
	command = excluded.command,
	status = excluded.status,
	mode = excluded.mode,
	updated_at = excluded.updated_at,
	worker_pid = excluded.worker_pid,
	exit_code = excluded.exit_code,
	error = excluded.error;`,
			taskID, objective, command, status, mode, now, now, workerPID, exitCode, errStr)
		return err
	})
}

// UpdateFields applies a partial update, auto-stamping updated_at.
// Supported keys: status, worker_pid, exit_code, error.
func (s *Store) UpdateFields(taskID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = nowUnix()

	var setClauses []string
	var args []any
	for k, v := range fields {
		setClauses = append(setClauses, k+" = ?")
		args = append(args, v)
	}
	args = append(args, taskID)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE task_id = ?", strings.Join(setClauses, ", "))
	return s.retryOnBusy(3, func() error {
		_, err := s.db.Exec(query, args...)
		return err
	})
}

// Get returns the row for taskID, or nil if no such row exists.
func (s *Store) Get(taskID string) (*TaskRow, error) {
	row := s.db.QueryRow(`SELECT task_id, objective, command, status, mode, created_at, updated_at, worker_pid, exit_code, error FROM tasks WHERE task_id = ?`, taskID)
	var r TaskRow
	if err := row.Scan(&r.TaskID, &r.Objective, &r.Command, &r.Status, &r.Mode, &r.CreatedAt, &r.UpdatedAt, &r.WorkerPID, &r.ExitCode, &r.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// List returns every row, newest-created first.
func (s *Store) List() ([]TaskRow, error) {
	rows, err := s.db.Query(`SELECT task_id, objective, command, status, mode, created_at, updated_at, worker_pid, exit_code, error FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var r TaskRow
		if err := rows.Scan(&r.TaskID, &r.Objective, &r.Command, &r.Status, &r.Mode, &r.CreatedAt, &r.UpdatedAt, &r.WorkerPID, &r.ExitCode, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeletePrunable removes terminal (succeeded/failed) rows created
// before cutoff (unix seconds) and returns the deleted task ids, for
// the housekeeping pruner's retention policy.
func (s *Store) DeletePrunable(cutoff float64) ([]string, error) {
	var ids []string
	err := s.retryOnBusy(3, func() error {
		ids = ids[:0]
		rows, err := s.db.Query(`SELECT task_id FROM tasks WHERE status IN ('succeeded', 'failed') AND created_at < ?`, cutoff)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if len(ids) == 0 {
			return nil
		}
		placeholders := strings.Repeat("?,", len(ids))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		_, err = s.db.Exec(`DELETE FROM tasks WHERE task_id IN (`+placeholders+`)`, args...)
		return err
	})
	return ids, err
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
