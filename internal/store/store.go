// Package store is the durable, transactional state store: the sole
// source of truth for which containers belong to the system, independent
// of what the runtime currently reports.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devbenchd/devbenchd/internal/taxonomy"
)

// ErrNotFound is returned by lookups that find no matching row. Callers
// classify it via errors.Is against taxonomy.ErrNotFound.
var ErrNotFound = taxonomy.ErrNotFound

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// DefaultMaxOpenConns is the default connection pool size for concurrent
// reads. WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and
// perf pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS containers (
	id               TEXT PRIMARY KEY,
	runtime_id       TEXT NOT NULL DEFAULT '',
	alias            TEXT,
	image_ref        TEXT NOT NULL,
	persistent       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	last_seen_at     DATETIME NOT NULL,
	ttl_seconds      INTEGER NOT NULL DEFAULT 0,
	workspace_volume TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'creating',
	warm             INTEGER NOT NULL DEFAULT 0,
	idempotency_key  TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_containers_alias
	ON containers(alias) WHERE alias IS NOT NULL AND status NOT IN ('stopped', 'error');
CREATE INDEX IF NOT EXISTS idx_containers_last_seen_at ON containers(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_containers_status ON containers(status);
CREATE INDEX IF NOT EXISTS idx_containers_warm ON containers(warm) WHERE warm = 1;

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	container_id TEXT NOT NULL,
	client_name  TEXT NOT NULL,
	session_id   TEXT NOT NULL,
	attached_at  DATETIME NOT NULL,
	detached_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_attachments_container_id ON attachments(container_id);

CREATE TABLE IF NOT EXISTS execs (
	exec_id         TEXT PRIMARY KEY,
	container_id    TEXT NOT NULL,
	argv            TEXT NOT NULL,
	cwd             TEXT NOT NULL DEFAULT '',
	env             TEXT NOT NULL DEFAULT '{}',
	as_root         INTEGER NOT NULL DEFAULT 0,
	timeout_seconds INTEGER NOT NULL DEFAULT 0,
	started_at      DATETIME NOT NULL,
	ended_at        DATETIME,
	exit_code       INTEGER,
	cpu_ms          INTEGER,
	mem_peak_bytes  INTEGER,
	wall_ms         INTEGER,
	status          TEXT NOT NULL DEFAULT 'queued'
);
CREATE INDEX IF NOT EXISTS idx_execs_container_status ON execs(container_id, status);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	target_id  TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// New opens the store, running migrations to completion before returning.
func New(dbPath string) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := ensureSchemaVersion(db, 1); err != nil {
		db.Close()
		return nil, fmt.Errorf("recording schema version: %w", err)
	}

	return &Store{db: db}, nil
}

func ensureSchemaVersion(db *sql.DB, version int) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
		return err
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func checkRowAffected(result sql.Result, notFoundID string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, notFoundID)
	}
	return nil
}
