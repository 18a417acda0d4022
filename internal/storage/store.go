// Package storage persists recording sessions, performance metrics and
// network requests in a local SQLite database.
//
// The store is built on zombiezen.com/go/sqlite's connection pool. Every
// connection gets the same pragmas (WAL, NORMAL sync, busy timeout) and the
// schema is created on first use. Foreign keys are off; DeleteSession
// removes dependent rows itself inside one transaction.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrSessionNotFound is returned when a session id matches no row
var ErrSessionNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	device_name TEXT,
	webview_url TEXT,
	package_name TEXT,
	target_title TEXT,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	status TEXT NOT NULL DEFAULT 'active',
	display_name TEXT,
	tags TEXT
);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	metric_type TEXT NOT NULL,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_metrics_session_time
	ON metrics(session_id, timestamp);

CREATE TABLE IF NOT EXISTS network_requests (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	url TEXT NOT NULL,
	method TEXT,
	status_code INTEGER,
	request_time INTEGER NOT NULL,
	response_time INTEGER,
	duration_ms REAL,
	size_bytes REAL,
	headers TEXT
);

CREATE INDEX IF NOT EXISTS idx_network_session_time
	ON network_requests(session_id, request_time);
`

// Config holds the parameters for opening a Store
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of pooled connections (default 4)
	PoolSize int

	// Logger receives open/close messages. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the SQLite-backed telemetry store. It is safe for concurrent use.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the database if needed and returns a ready store
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: logger, path: cfg.Path}

	// Touch one connection so schema errors surface here rather than on first write
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: initializing %s: %w", cfg.Path, err)
	}
	pool.Put(conn)

	logger.Info("Telemetry store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("storage: creating schema: %w", err)
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes all pooled connections
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", s.path, err)
	}
	s.logger.Info("Telemetry store closed", "path", s.path)
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take connection: %w", err)
	}
	return conn, nil
}

// nullable binds nil pointers as NULL
func nullable[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func columnText(stmt *sqlite.Stmt, col int) *string {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnText(col)
	return &v
}

func columnInt64(stmt *sqlite.Stmt, col int) *int64 {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnInt64(col)
	return &v
}

func columnInt(stmt *sqlite.Stmt, col int) *int {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnInt(col)
	return &v
}

func columnFloat(stmt *sqlite.Stmt, col int) *float64 {
	if stmt.ColumnIsNull(col) {
		return nil
	}
	v := stmt.ColumnFloat(col)
	return &v
}
