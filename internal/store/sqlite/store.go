// Package sqlite implements the durable endpoint store backed by a SQLite
// database. The current endpoint lives in a single-row table so every write
// is one atomic upsert.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for endpoint persistence.
type Store struct {
	db *sql.DB

	getStmt *sql.Stmt
	putStmt *sql.Stmt
}

const defaultMaxOpenConns = 4
const defaultMaxIdleConns = 4

const getEndpointQuery = `SELECT url, updated_at FROM endpoint WHERE id = 1`
const putEndpointQuery = `
INSERT INTO endpoint(id, url, updated_at) VALUES(1, ?, ?)
ON CONFLICT(id) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode is database-wide; set it once here.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes prepared statements and the underlying database connection.
func (s *Store) Close() error {
	if s.getStmt != nil {
		_ = s.getStmt.Close()
	}
	if s.putStmt != nil {
		_ = s.putStmt.Close()
	}
	return s.db.Close()
}

// Migrate creates the endpoint table if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS endpoint (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	url TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *Store) prepare(ctx context.Context) error {
	var err error
	if s.getStmt, err = s.db.PrepareContext(ctx, getEndpointQuery); err != nil {
		return fmt.Errorf("sqlite prepare get: %w", err)
	}
	if s.putStmt, err = s.db.PrepareContext(ctx, putEndpointQuery); err != nil {
		return fmt.Errorf("sqlite prepare put: %w", err)
	}
	return nil
}
