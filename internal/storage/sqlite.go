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

// TimeFormat is the layout used for every timestamp column. It is fixed
// width (UTC, nine fractional digits) so text comparison and ORDER BY on the
// column follow time order.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := RequireLocalFilesystem(path, "state.path"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY between the engine's concurrent stage recorders.
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
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
  id           TEXT PRIMARY KEY,
  pipeline     TEXT NOT NULL,
  fingerprint  TEXT NOT NULL,
  build_number INTEGER NOT NULL,
  target       TEXT NOT NULL,
  tags         TEXT NOT NULL,
  ref          TEXT NOT NULL,
  triggered_by TEXT NOT NULL,
  status       TEXT NOT NULL,
  created_at   TEXT NOT NULL,
  finished_at  TEXT,
  UNIQUE(pipeline, build_number)
);`,
		`CREATE TABLE IF NOT EXISTS stage_results (
  run_id      TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
  stage       TEXT NOT NULL,
  outcome     TEXT NOT NULL,
  reason      TEXT,
  exit_status INTEGER,
  attempts    INTEGER NOT NULL DEFAULT 0,
  output      TEXT,
  error       TEXT,
  started_at  TEXT,
  ended_at    TEXT,
  PRIMARY KEY(run_id, stage)
);`,
		`CREATE TABLE IF NOT EXISTS stage_transitions (
  seq      INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id   TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
  stage    TEXT NOT NULL,
  from_outcome TEXT NOT NULL,
  to_outcome   TEXT NOT NULL,
  reason   TEXT,
  at       TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS releases (
  id         TEXT PRIMARY KEY,
  app        TEXT NOT NULL,
  commit_id  TEXT NOT NULL,
  build      INTEGER NOT NULL,
  filename   TEXT NOT NULL,
  checksum   TEXT NOT NULL,
  size       INTEGER NOT NULL,
  blob_key   TEXT NOT NULL,
  created_at TEXT NOT NULL,
  UNIQUE(commit_id, build)
);`,
		`CREATE TABLE IF NOT EXISTS deploy_targets (
  target          TEXT PRIMARY KEY,
  state           TEXT NOT NULL,
  current_release TEXT,
  current_dir     TEXT,
  last_error      TEXT,
  updated_at      TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS deploy_history (
  target      TEXT NOT NULL,
  position    INTEGER NOT NULL,
  release_id  TEXT NOT NULL,
  release_dir TEXT NOT NULL,
  deployed_at TEXT NOT NULL,
  PRIMARY KEY(target, position)
);`,
		`CREATE INDEX IF NOT EXISTS pipeline_runs_status_created_at_idx ON pipeline_runs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS stage_transitions_run_idx ON stage_transitions(run_id, seq);`,
		`CREATE INDEX IF NOT EXISTS releases_app_created_at_idx ON releases(app, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// FormatTime renders t the way every table stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp; invalid values yield the zero time.
// Values written with a shorter fraction still parse.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ParseNullTime parses a nullable timestamp column.
func ParseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := ParseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
