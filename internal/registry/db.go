package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// BusyTimeout bounds how long a statement waits on a lock held by another
// process before failing.
const BusyTimeout = 30 * time.Second

// ErrConflict is returned when an insert violates a uniqueness constraint.
var ErrConflict = errors.New("registry: unique constraint violated")

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("registry: not found")

// DB is the shared registry. Every devpm invocation opens its own handle;
// concurrent access from unrelated processes is arbitrated by SQLite
// (WAL journaling plus busy timeout).
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the registry at path and ensures the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty registry path")
	}
	if p != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, fmt.Errorf("create registry dir: %w", err)
		}
	}
	d, err := sql.Open("sqlite", dsn(p))
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	// One connection per process: statements from the collector's goroutines
	// queue in database/sql instead of contending for SQLite locks.
	d.SetMaxOpenConns(1)
	r := &DB{db: d, path: p}
	if err := r.EnsureSchema(ctx); err != nil {
		_ = d.Close()
		return nil, err
	}
	return r, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if path == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	return "file:" + path + "?" + q.Encode()
}

// Path returns the database file path.
func (r *DB) Path() string { return r.path }

// Close releases the underlying connection.
func (r *DB) Close() error { return r.db.Close() }

// EnsureSchema creates tables and indexes if they are missing.
func (r *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_name TEXT NOT NULL,
			project_dir TEXT NOT NULL,
			pid INTEGER NOT NULL,
			log_collector_pid INTEGER NOT NULL,
			start_time INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			killed_at INTEGER NULL,
			shell TEXT NOT NULL,
			root TEXT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_processes_live
			ON processes(project_dir, command_name, pid) WHERE killed_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_processes_command ON processes(command_name);`,
		`CREATE INDEX IF NOT EXISTS idx_processes_project ON processes(project_dir);`,
		`CREATE TABLE IF NOT EXISTS logs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_name TEXT NOT NULL,
			project_dir TEXT NOT NULL,
			content TEXT NULL,
			log_type TEXT NOT NULL CHECK (log_type IN ('stdout','stderr','start_initiated','start_failed','started','exited')),
			timestamp INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_command ON logs(command_name);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_project ON logs(project_dir);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_latest
			ON logs(project_dir, command_name, timestamp DESC, id DESC);`,
		`CREATE TABLE IF NOT EXISTS stdin_messages(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command_name TEXT NOT NULL,
			project_dir TEXT NOT NULL,
			data TEXT NOT NULL,
			encoding TEXT NOT NULL DEFAULT 'utf8',
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stdin_target ON stdin_messages(project_dir, command_name, id);`,
		`CREATE TABLE IF NOT EXISTS reserved_ports(
			port INTEGER PRIMARY KEY,
			project_dir TEXT NOT NULL,
			service_name TEXT NULL,
			assigned_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_reserved_ports_service
			ON reserved_ports(project_dir, service_name) WHERE service_name IS NOT NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_reserved_ports_project ON reserved_ports(project_dir);`,
		`CREATE TABLE IF NOT EXISTS next_port(
			id INTEGER PRIMARY KEY CHECK (id = 1),
			port INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS last_cleanup(
			id INTEGER PRIMARY KEY CHECK (id = 1),
			timestamp INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO last_cleanup(id, timestamp) VALUES(1, 0);`,
	}
	for _, q := range stmts {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Compact checkpoints the WAL and vacuums the database file. Both steps
// are best effort under contention; the first error is returned.
func (r *DB) Compact(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// isConstraint reports whether err is a SQLite uniqueness violation.
func isConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
