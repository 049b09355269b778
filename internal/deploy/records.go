package deploy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/rollout/internal/storage"
)

// Records persists per-target deployment state in sqlite.
type Records struct {
	db *sql.DB
}

func NewRecords(db *sql.DB) *Records {
	return &Records{db: db}
}

// Load returns the record for target, or a fresh idle record.
func (s *Records) Load(ctx context.Context, target string) (*Record, error) {
	rec := &Record{Target: target, State: StateIdle}

	var (
		state                      string
		currentRelease, currentDir sql.NullString
		lastError                  sql.NullString
		updatedAt                  string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT state, current_release, current_dir, last_error, updated_at
FROM deploy_targets WHERE target = ?;`, target).Scan(&state, &currentRelease, &currentDir, &lastError, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load deploy record %s: %w", target, err)
	}
	rec.State = State(state)
	rec.CurrentRelease = currentRelease.String
	rec.CurrentDir = currentDir.String
	rec.LastError = lastError.String
	rec.UpdatedAt = storage.ParseTime(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
SELECT release_id, release_dir, deployed_at
FROM deploy_history WHERE target = ? ORDER BY position ASC;`, target)
	if err != nil {
		return nil, fmt.Errorf("load deploy history %s: %w", target, err)
	}
	defer rows.Close()
	for rows.Next() {
		var h HistoryEntry
		var at string
		if err := rows.Scan(&h.ReleaseID, &h.ReleaseDir, &at); err != nil {
			return nil, fmt.Errorf("scan deploy history: %w", err)
		}
		h.DeployedAt = storage.ParseTime(at)
		rec.History = append(rec.History, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deploy history: %w", err)
	}
	return rec, nil
}

// Save replaces the stored record and history for rec.Target.
func (s *Records) Save(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO deploy_targets(target, state, current_release, current_dir, last_error, updated_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(target) DO UPDATE SET
  state = excluded.state,
  current_release = excluded.current_release,
  current_dir = excluded.current_dir,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;`,
		rec.Target, string(rec.State), nullIfEmpty(rec.CurrentRelease), nullIfEmpty(rec.CurrentDir),
		nullIfEmpty(rec.LastError), storage.FormatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert deploy record %s: %w", rec.Target, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM deploy_history WHERE target = ?;`, rec.Target); err != nil {
		return fmt.Errorf("clear deploy history %s: %w", rec.Target, err)
	}
	for i, h := range rec.History {
		_, err := tx.ExecContext(ctx, `
INSERT INTO deploy_history(target, position, release_id, release_dir, deployed_at)
VALUES(?, ?, ?, ?, ?);`, rec.Target, i, h.ReleaseID, h.ReleaseDir, storage.FormatTime(h.DeployedAt))
		if err != nil {
			return fmt.Errorf("insert deploy history %s: %w", rec.Target, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit deploy record: %w", err)
	}
	return nil
}

// Targets lists every target with a stored record.
func (s *Records) Targets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT target FROM deploy_targets ORDER BY target;`)
	if err != nil {
		return nil, fmt.Errorf("list deploy targets: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan deploy target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Referenced returns every release ID that is current or in any history.
func (s *Records) Referenced(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT current_release FROM deploy_targets WHERE current_release IS NOT NULL
UNION
SELECT release_id FROM deploy_history;`)
	if err != nil {
		return nil, fmt.Errorf("list referenced releases: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan referenced release: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
