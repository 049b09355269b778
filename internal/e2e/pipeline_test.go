// Package e2e drives whole pipelines through the real engine, release store
// and deployment controller on top of a temporary sqlite database.
package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/rollout/internal/actions"
	"github.com/mattjoyce/rollout/internal/deploy"
	"github.com/mattjoyce/rollout/internal/events"
	"github.com/mattjoyce/rollout/internal/janitor"
	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/runstore"
	"github.com/mattjoyce/rollout/internal/stage"
	"github.com/mattjoyce/rollout/internal/storage"
	"github.com/mattjoyce/rollout/internal/target"
	"github.com/mattjoyce/rollout/internal/workspace"
)

type harness struct {
	engine     *pipeline.Engine
	runs       *runstore.Store
	releases   *release.Store
	records    *deploy.Records
	controller *deploy.Controller
	workspaces *workspace.Manager
	hub        *events.Hub
	siteRoot   string
}

func newHarness(t *testing.T, ctx context.Context) *harness {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := storage.OpenSQLite(ctx, filepath.Join(tmpDir, "state.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	targets, err := target.NewRegistry(
		map[string]target.Host{"web1": {Name: "web1"}, "web2": {Name: "web2"}},
		map[string]target.Group{"web": {Hosts: []string{"web1", "web2"}}},
		map[string]target.Spec{"prod": {Groups: []string{"web"}}},
	)
	if err != nil {
		t.Fatalf("target registry: %v", err)
	}

	backend, err := release.NewFSBackend(filepath.Join(tmpDir, "blobs"))
	if err != nil {
		t.Fatalf("fs backend: %v", err)
	}
	spool := filepath.Join(tmpDir, "tmp")
	if err := os.MkdirAll(spool, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	h := &harness{
		runs:     runstore.New(db),
		records:  deploy.NewRecords(db),
		hub:      events.NewHub(128),
		siteRoot: filepath.Join(tmpDir, "sites"),
	}
	h.releases = release.NewStore(db, backend, spool)
	h.controller = deploy.NewController(h.releases, targets, &deploy.LocalSite{Root: h.siteRoot},
		h.records, deploy.Config{History: 3, LockDir: filepath.Join(tmpDir, "locks"), StageParallelism: 2}, h.hub)

	h.workspaces, err = workspace.NewManager(filepath.Join(tmpDir, "workspaces"))
	if err != nil {
		t.Fatalf("workspace manager: %v", err)
	}

	reg := stage.NewRegistry()
	if err := actions.Register(reg, actions.Deps{
		Releases: h.releases,
		Deployer: h.controller,
		App:      "webapp",
		Grace:    time.Second,
	}); err != nil {
		t.Fatalf("register actions: %v", err)
	}

	h.engine = pipeline.NewEngine(stage.NewExecutor(reg, stage.WithGrace(time.Second)), targets, pipeline.Options{
		MaxParallel: 2,
		Recorder:    h.runs,
		Workspaces:  h.workspaces,
		Events:      h.hub,
	})
	return h
}

func shipPipeline(t *testing.T) *pipeline.Definition {
	t.Helper()
	spec, err := pipeline.Parse([]byte(`
pipelines:
  - name: ship
    fail_fast: true
    stages:
      - name: build
        action: shell
        with:
          run: mkdir -p out && echo "build $ROLLOUT_BUILD_NUMBER" > out/version.txt && tar -czf app.tar.gz -C out .
      - name: publish
        action: publish
        needs: [build]
        with:
          artifact: app.tar.gz
      - name: deploy
        action: deploy
        needs: [publish]
`), "ship.yaml")
	if err != nil {
		t.Fatalf("parse pipeline: %v", err)
	}
	catalog, err := pipeline.NewCatalog(&spec.Pipelines[0])
	if err != nil {
		t.Fatalf("compile pipeline: %v", err)
	}
	def, err := catalog.Get("ship")
	if err != nil {
		t.Fatalf("get pipeline: %v", err)
	}
	return def
}

func readCurrent(t *testing.T, siteRoot, host string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(siteRoot, host, "current", "version.txt"))
	if err != nil {
		t.Fatalf("read %s current: %v", host, err)
	}
	return strings.TrimSpace(string(data))
}

func TestEndToEndBuildPublishDeployRollback(t *testing.T) {
	log.Setup("ERROR", "text")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := newHarness(t, ctx)
	def := shipPipeline(t)

	sub, unsubscribe := h.hub.Subscribe(events.Filter{"run", "deploy"})
	defer unsubscribe()

	for build := 1; build <= 2; build++ {
		run, err := h.engine.Run(ctx, def, pipeline.Params{Target: "prod", Ref: "abc123", TriggeredBy: "test"})
		if err != nil {
			t.Fatalf("run %d: %v", build, err)
		}
		if run.Status != pipeline.StatusSucceeded {
			for name, res := range run.Stages {
				t.Logf("stage %s: %s %s %s", name, res.Outcome, res.Error, res.Output)
			}
			t.Fatalf("run %d status = %s", build, run.Status)
		}
		if run.BuildNumber != int64(build) {
			t.Fatalf("build number = %d, want %d", run.BuildNumber, build)
		}
	}

	for _, host := range []string{"web1", "web2"} {
		if got := readCurrent(t, h.siteRoot, host); got != "build 2" {
			t.Fatalf("%s serves %q, want build 2", host, got)
		}
	}

	rec, err := h.controller.Status(ctx, "prod")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.State != deploy.StateActive || rec.CurrentRelease != "abc123-2" || len(rec.History) != 2 {
		t.Fatalf("record = %+v", rec)
	}

	outcome, err := h.controller.Rollback(ctx, "prod")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if outcome.ReleaseID != "abc123-1" {
		t.Fatalf("rolled back to %s, want abc123-1", outcome.ReleaseID)
	}
	for _, host := range []string{"web1", "web2"} {
		if got := readCurrent(t, h.siteRoot, host); got != "build 1" {
			t.Fatalf("%s serves %q after rollback, want build 1", host, got)
		}
	}

	var sawRunFinished, sawDeploy bool
	deadline := time.After(2 * time.Second)
	for !(sawRunFinished && sawDeploy) {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.RunFinished:
				sawRunFinished = true
			case events.DeployFinished:
				sawDeploy = true
			}
		case <-deadline:
			t.Fatalf("missing events: run finished=%t deploy=%t", sawRunFinished, sawDeploy)
		}
	}
}

func TestEndToEndJanitorKeepsDeployedReleases(t *testing.T) {
	log.Setup("ERROR", "text")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := newHarness(t, ctx)
	def := shipPipeline(t)

	for i := 0; i < 3; i++ {
		run, err := h.engine.Run(ctx, def, pipeline.Params{Target: "prod", Ref: "def456"})
		if err != nil || run.Status != pipeline.StatusSucceeded {
			t.Fatalf("run %d: status=%v err=%v", i, run, err)
		}
	}

	j := janitor.New(janitor.Config{KeepReleases: 1}, janitor.Deps{
		Releases: h.releases,
		Deployed: h.records,
	}, h.hub, log.Discard())
	report := j.Sweep(ctx)
	if len(report.ReleasesEvicted) != 0 {
		t.Fatalf("evicted %v, but every release is in deploy history", report.ReleasesEvicted)
	}

	for _, id := range []string{"def456-1", "def456-2", "def456-3"} {
		if _, err := h.releases.Get(ctx, id); err != nil {
			t.Fatalf("release %s missing after sweep: %v", id, err)
		}
	}
}

func TestEndToEndFailedBuildSkipsDeploy(t *testing.T) {
	log.Setup("ERROR", "text")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	h := newHarness(t, ctx)
	spec, err := pipeline.Parse([]byte(`
pipelines:
  - name: broken
    stages:
      - {name: build, action: shell, with: {run: "exit 4"}}
      - {name: publish, action: publish, needs: [build], with: {artifact: app.tar.gz}}
      - {name: deploy, action: deploy, needs: [publish]}
`), "broken.yaml")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	catalog, err := pipeline.NewCatalog(&spec.Pipelines[0])
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	def, _ := catalog.Get("broken")

	run, err := h.engine.Run(ctx, def, pipeline.Params{Target: "prod", Ref: "main"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != pipeline.StatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if got := run.Stages["deploy"].Outcome; got != stage.OutcomeSkipped {
		t.Fatalf("deploy outcome = %s, want skipped", got)
	}

	rec, err := h.controller.Status(ctx, "prod")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.CurrentRelease != "" {
		t.Fatalf("failed build deployed %s", rec.CurrentRelease)
	}

	transitions, err := h.runs.Transitions(ctx, run.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(transitions) == 0 {
		t.Fatal("no transitions recorded")
	}
}
