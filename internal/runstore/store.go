// Package runstore persists pipeline runs, stage results and the
// append-only transition log in sqlite.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/stage"
	"github.com/mattjoyce/rollout/internal/storage"
)

// ErrTerminal is returned when a write would modify a finished run or a
// terminal stage result.
var ErrTerminal = errors.New("record is terminal and immutable")

type Store struct {
	db *sql.DB
}

var _ pipeline.Recorder = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRun assigns the next build number for run.Pipeline inside the insert
// transaction and stores every stage as pending.
func (s *Store) CreateRun(ctx context.Context, run *pipeline.Run) error {
	if run.ID == "" || run.Pipeline == "" {
		return fmt.Errorf("run id and pipeline are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var build int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(build_number), 0) + 1 FROM pipeline_runs WHERE pipeline = ?;`, run.Pipeline).Scan(&build); err != nil {
		return fmt.Errorf("next build number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO pipeline_runs(
  id, pipeline, fingerprint, build_number, target, tags, ref, triggered_by, status, created_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		run.ID, run.Pipeline, run.Fingerprint, build, run.Params.Target, run.Params.Tags, run.Params.Ref,
		run.Params.TriggeredBy, string(run.Status), storage.FormatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, name := range run.Order {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO stage_results(run_id, stage, outcome) VALUES(?, ?, ?);`,
			run.ID, name, string(stage.OutcomePending)); err != nil {
			return fmt.Errorf("insert stage %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	run.BuildNumber = build
	return nil
}

// RecordTransition appends t and replaces the stage result, unless the
// stored result is already terminal.
func (s *Store) RecordTransition(ctx context.Context, t pipeline.Transition, res *stage.Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT outcome FROM stage_results WHERE run_id = ? AND stage = ?;`, t.RunID, t.Stage).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("stage %s of run %s: %w", t.Stage, t.RunID, pipeline.ErrRunNotFound)
	}
	if err != nil {
		return fmt.Errorf("load stage result: %w", err)
	}
	if stage.Outcome(current).Terminal() {
		return fmt.Errorf("stage %s of run %s: %w", t.Stage, t.RunID, ErrTerminal)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO stage_transitions(run_id, stage, from_outcome, to_outcome, reason, at)
VALUES(?, ?, ?, ?, ?, ?);`,
		t.RunID, t.Stage, string(t.From), string(t.To), nullString(string(t.Reason)), storage.FormatTime(t.At)); err != nil {
		return fmt.Errorf("append transition: %w", err)
	}

	var exit any
	if res.ExitStatus != nil {
		exit = *res.ExitStatus
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE stage_results
SET outcome = ?, reason = ?, exit_status = ?, attempts = ?, output = ?, error = ?, started_at = ?, ended_at = ?
WHERE run_id = ? AND stage = ?;`,
		string(res.Outcome), nullString(string(res.Reason)), exit, res.Attempts, nullString(res.Output),
		nullString(res.Error), nullTime(res.StartedAt), nullTime(res.EndedAt), t.RunID, t.Stage); err != nil {
		return fmt.Errorf("update stage result: %w", err)
	}

	if res.Outcome == stage.OutcomeRunning {
		if _, err := tx.ExecContext(ctx, `
UPDATE pipeline_runs SET status = ? WHERE id = ? AND status = ?;`,
			string(pipeline.StatusRunning), t.RunID, string(pipeline.StatusPending)); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// FinishRun sets the terminal status once.
func (s *Store) FinishRun(ctx context.Context, runID string, status pipeline.Status, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE pipeline_runs SET status = ?, finished_at = ?
WHERE id = ? AND status NOT IN (?, ?, ?);`,
		string(status), storage.FormatTime(at), runID,
		string(pipeline.StatusSucceeded), string(pipeline.StatusFailed), string(pipeline.StatusCancelled))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		if _, gerr := s.GetRun(ctx, runID); gerr != nil {
			return gerr
		}
		return fmt.Errorf("run %s: %w", runID, ErrTerminal)
	}
	return nil
}

// GetRun loads a run with all stage results.
func (s *Store) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pipeline, fingerprint, build_number, target, tags, ref, triggered_by, status, created_at, finished_at
FROM pipeline_runs WHERE id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, pipeline.ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT stage, outcome, reason, exit_status, attempts, output, error, started_at, ended_at
FROM stage_results WHERE run_id = ? ORDER BY rowid ASC;`, runID)
	if err != nil {
		return nil, fmt.Errorf("get stage results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r                 stage.Result
			outcome           string
			reason, out, errS sql.NullString
			exit              sql.NullInt64
			started, ended    sql.NullString
		)
		if err := rows.Scan(&r.Stage, &outcome, &reason, &exit, &r.Attempts, &out, &errS, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		r.Outcome = stage.Outcome(outcome)
		r.Reason = stage.Reason(reason.String)
		if exit.Valid {
			v := int(exit.Int64)
			r.ExitStatus = &v
		}
		r.Output = out.String
		r.Error = errS.String
		r.StartedAt = storage.ParseNullTime(started)
		r.EndedAt = storage.ParseNullTime(ended)
		run.Order = append(run.Order, r.Stage)
		run.Stages[r.Stage] = &r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return run, nil
}

// Transitions returns the transition log of a run in append order.
func (s *Store) Transitions(ctx context.Context, runID string) ([]pipeline.Transition, error) {
	if _, err := s.summary(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, run_id, stage, from_outcome, to_outcome, reason, at
FROM stage_transitions WHERE run_id = ? ORDER BY seq ASC;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Transition
	for rows.Next() {
		var (
			t        pipeline.Transition
			from, to string
			reason   sql.NullString
			at       string
		)
		if err := rows.Scan(&t.Seq, &t.RunID, &t.Stage, &from, &to, &reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = stage.Outcome(from)
		t.To = stage.Outcome(to)
		t.Reason = stage.Reason(reason.String)
		t.At = storage.ParseTime(at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListFilter narrows ListRuns.
type ListFilter struct {
	Pipeline string
	Status   pipeline.Status
	Limit    int
}

// ListRuns returns run summaries (without stage results), newest first.
func (s *Store) ListRuns(ctx context.Context, f ListFilter) ([]*pipeline.Run, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pipeline, fingerprint, build_number, target, tags, ref, triggered_by, status, created_at, finished_at
FROM pipeline_runs
WHERE (? = '' OR pipeline = ?) AND (? = '' OR status = ?)
ORDER BY created_at DESC, rowid DESC
LIMIT ?;`, f.Pipeline, f.Pipeline, string(f.Status), string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// PruneFinished deletes terminal runs that finished before cutoff, with
// their results and transitions. Active runs are never touched.
func (s *Store) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM pipeline_runs
WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?;`,
		string(pipeline.StatusSucceeded), string(pipeline.StatusFailed), string(pipeline.StatusCancelled),
		storage.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

// RecoverInterrupted closes runs left pending or running by a process that
// exited mid-run. Running stages end failed and unstarted stages skipped,
// both with reason cancelled; the run becomes cancelled. Returns the IDs of
// the recovered runs.
func (s *Store) RecoverInterrupted(ctx context.Context, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := queryStrings(ctx, tx, `
SELECT id FROM pipeline_runs WHERE status IN (?, ?) ORDER BY created_at ASC;`,
		string(pipeline.StatusPending), string(pipeline.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("find interrupted runs: %w", err)
	}

	ts := storage.FormatTime(at)
	for _, id := range ids {
		for _, step := range []struct{ from, to stage.Outcome }{
			{stage.OutcomeRunning, stage.OutcomeFailed},
			{stage.OutcomePending, stage.OutcomeSkipped},
		} {
			stages, err := queryStrings(ctx, tx, `
SELECT stage FROM stage_results WHERE run_id = ? AND outcome = ? ORDER BY rowid ASC;`, id, string(step.from))
			if err != nil {
				return nil, fmt.Errorf("load stages of %s: %w", id, err)
			}
			for _, name := range stages {
				if _, err := tx.ExecContext(ctx, `
INSERT INTO stage_transitions(run_id, stage, from_outcome, to_outcome, reason, at)
VALUES(?, ?, ?, ?, ?, ?);`, id, name, string(step.from), string(step.to), string(stage.ReasonCancelled), ts); err != nil {
					return nil, fmt.Errorf("append transition: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
UPDATE stage_results SET outcome = ?, reason = ?, error = COALESCE(error, ?), ended_at = ?
WHERE run_id = ? AND stage = ?;`, string(step.to), string(stage.ReasonCancelled),
					"interrupted by restart", ts, id, name); err != nil {
					return nil, fmt.Errorf("close stage %s of %s: %w", name, id, err)
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE pipeline_runs SET status = ?, finished_at = ? WHERE id = ?;`,
			string(pipeline.StatusCancelled), ts, id); err != nil {
			return nil, fmt.Errorf("close run %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit recovery: %w", err)
	}
	return ids, nil
}

func queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) summary(ctx context.Context, runID string) (*pipeline.Run, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, pipeline, fingerprint, build_number, target, tags, ref, triggered_by, status, created_at, finished_at
FROM pipeline_runs WHERE id = ?;`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, pipeline.ErrRunNotFound)
	}
	return run, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pipeline.Run, error) {
	var (
		run      pipeline.Run
		status   string
		created  string
		finished sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Pipeline, &run.Fingerprint, &run.BuildNumber, &run.Params.Target,
		&run.Params.Tags, &run.Params.Ref, &run.Params.TriggeredBy, &status, &created, &finished); err != nil {
		return nil, err
	}
	run.Status = pipeline.Status(status)
	run.CreatedAt = storage.ParseTime(created)
	run.FinishedAt = storage.ParseNullTime(finished)
	run.Stages = make(map[string]*stage.Result)
	return &run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return storage.FormatTime(*t)
}
