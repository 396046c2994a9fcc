// Package storage opens the SQLite database behind the command journal.
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
// ensures the journal tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := validateSQLiteFilesystem(path); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The journal writer is a single goroutine; one connection also keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS command_log (
  id            TEXT PRIMARY KEY,
  session_id    TEXT NOT NULL,
  token         INTEGER NOT NULL,
  command       TEXT NOT NULL,
  status        TEXT NOT NULL,
  error_kind    TEXT,
  error_code    TEXT,
  error_message TEXT,
  submitted_at  TEXT NOT NULL,
  resolved_at   TEXT NOT NULL,
  duration_ms   INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS backend_events (
  id         TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state   TEXT NOT NULL,
  reason     TEXT,
  at         TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS command_log_resolved_at_idx ON command_log(resolved_at);`,
		`CREATE INDEX IF NOT EXISTS command_log_session_token_idx ON command_log(session_id, token);`,
		`CREATE INDEX IF NOT EXISTS backend_events_at_idx ON backend_events(at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return ensureColumn(ctx, db, "command_log", "error_code", "TEXT")
}

// ensureColumn adds column to table when a journal predates it.
func ensureColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?;`, table, column,
	).Scan(&n); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s;", table, column, decl)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
