package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/runstore"
	"github.com/mattjoyce/rollout/internal/stage"
	"github.com/mattjoyce/rollout/internal/storage"
)

func seedRun(t *testing.T) (*runstore.Store, *pipeline.Run) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := runstore.New(db)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := &pipeline.Run{
		ID:          "run-abc",
		Pipeline:    "ship",
		Fingerprint: "blake3:feed",
		Params:      pipeline.Params{Target: "prod", Tags: "all", Ref: "main", TriggeredBy: "cli"},
		Status:      pipeline.StatusPending,
		Order:       []string{"build", "deploy"},
		Stages: map[string]*stage.Result{
			"build":  stage.Pending("build"),
			"deploy": stage.Pending("deploy"),
		},
		CreatedAt: created,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	started := created.Add(time.Second)
	ended := started.Add(1500 * time.Millisecond)
	exit := 2
	record := func(tr pipeline.Transition, res *stage.Result) {
		t.Helper()
		tr.RunID = run.ID
		if err := store.RecordTransition(ctx, tr, res); err != nil {
			t.Fatalf("RecordTransition(%s): %v", tr.Stage, err)
		}
	}
	record(pipeline.Transition{Stage: "build", From: stage.OutcomePending, To: stage.OutcomeRunning, At: started},
		&stage.Result{Stage: "build", Outcome: stage.OutcomeRunning, StartedAt: &started})
	record(pipeline.Transition{Stage: "build", From: stage.OutcomeRunning, To: stage.OutcomeFailed, Reason: stage.ReasonError, At: ended},
		&stage.Result{Stage: "build", Outcome: stage.OutcomeFailed, Reason: stage.ReasonError, ExitStatus: &exit,
			Attempts: 2, Output: "compiling\nerror: boom\n", Error: "exit status 2", StartedAt: &started, EndedAt: &ended})
	record(pipeline.Transition{Stage: "deploy", From: stage.OutcomePending, To: stage.OutcomeSkipped, Reason: stage.ReasonDependency, At: ended},
		stage.Skipped("deploy", stage.ReasonDependency, ended))
	if err := store.FinishRun(ctx, run.ID, pipeline.StatusFailed, ended); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return store, run
}

func TestBuildReportRendersStagesAndArtifacts(t *testing.T) {
	t.Parallel()
	store, run := seedRun(t)

	wsRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(wsRoot, run.ID, "dist"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wsRoot, run.ID, "dist", "app.tar.gz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	out, err := BuildReport(context.Background(), store, wsRoot, run.ID)
	if err != nil {
		t.Fatalf("BuildReport: %v", err)
	}

	for _, want := range []string{
		"Run ID      : run-abc",
		"Pipeline    : ship #1",
		"Status      : failed",
		"Triggered by: cli",
		"- dist/app.tar.gz",
		"[1] build  failed/error",
		"exit       : 2",
		"attempts   : 2",
		"duration   : 1.5s",
		"error: boom",
		"[2] deploy  skipped/dependency",
		"running -> failed (error)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()
	store, run := seedRun(t)

	out, err := BuildJSONReport(context.Background(), store, "", run.ID)
	if err != nil {
		t.Fatalf("BuildJSONReport: %v", err)
	}

	var report Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if report.Status != pipeline.StatusFailed || report.BuildNumber != 1 {
		t.Fatalf("unexpected header: %+v", report)
	}
	if len(report.Stages) != 2 || report.Stages[0].DurationMS != 1500 {
		t.Fatalf("unexpected stages: %+v", report.Stages)
	}
	if len(report.Transitions) != 3 {
		t.Fatalf("transitions = %d, want 3", len(report.Transitions))
	}
	if report.Workspace != "" || report.Artifacts != nil {
		t.Fatalf("workspace should be omitted without a root: %+v", report)
	}
}

func TestBuildReportUnknownRun(t *testing.T) {
	t.Parallel()
	store, _ := seedRun(t)
	_, err := BuildReport(context.Background(), store, "", "nope")
	if !errors.Is(err, pipeline.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestTailLines(t *testing.T) {
	t.Parallel()
	if got := tailLines("a\nb\nc\n", 2); got != "b\nc" {
		t.Fatalf("tailLines = %q", got)
	}
	if got := tailLines("", 2); got != "" {
		t.Fatalf("tailLines(empty) = %q", got)
	}
}
