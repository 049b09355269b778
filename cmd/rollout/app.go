package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattjoyce/rollout/internal/actions"
	"github.com/mattjoyce/rollout/internal/config"
	"github.com/mattjoyce/rollout/internal/deploy"
	"github.com/mattjoyce/rollout/internal/events"
	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/runstore"
	"github.com/mattjoyce/rollout/internal/stage"
	"github.com/mattjoyce/rollout/internal/storage"
	"github.com/mattjoyce/rollout/internal/target"
	"github.com/mattjoyce/rollout/internal/workspace"
)

// app is the wired object graph shared by the server and one-shot commands.
type app struct {
	cfg *config.Config
	db  *sql.DB
	hub *events.Hub

	targets    *target.Registry
	catalog    *pipeline.Catalog
	releases   *release.Store
	records    *deploy.Records
	controller *deploy.Controller
	runs       *runstore.Store
	workspaces *workspace.Manager
	actions    *stage.Registry
	engine     *pipeline.Engine
}

// openApp opens the state database and builds every component from cfg.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	targets, err := cfg.TargetRegistry()
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("pipelines: %w", err)
	}

	if err := storage.RequireLocalFilesystems(map[string]string{
		"deploy.root":     cfg.Deploy.Root,
		"deploy.lock_dir": cfg.Deploy.LockDir,
		"workspace.dir":   cfg.Workspace.Dir,
	}); err != nil {
		return nil, err
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		hub:     events.NewHub(256),
		targets: targets,
		catalog: catalog,
		runs:    runstore.New(db),
		records: deploy.NewRecords(db),
	}

	backend, err := newReleaseBackend(cfg.Releases)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	tmpDir := filepath.Join(filepath.Dir(cfg.State.Path), "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	a.releases = release.NewStore(db, backend, tmpDir)

	site := &deploy.LocalSite{
		Root: cfg.Deploy.Root,
		Reloader: &deploy.CommandReloader{
			Command: cfg.Deploy.Reload.Command,
			Grace:   cfg.Deploy.Reload.Grace,
		},
	}
	a.controller = deploy.NewController(a.releases, targets, site, a.records, deploy.Config{
		History:          cfg.Deploy.History,
		LockDir:          cfg.Deploy.LockDir,
		StageParallelism: cfg.Deploy.StageParallelism,
	}, a.hub)

	a.workspaces, err = workspace.NewManager(cfg.Workspace.Dir)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a.actions = stage.NewRegistry()
	if err := actions.Register(a.actions, actions.Deps{
		Releases:          a.releases,
		Deployer:          a.controller,
		App:               cfg.Releases.App,
		GitAuth:           cfg.Collaborators.Git.Credentials(),
		ScannerAuth:       cfg.Collaborators.Scanner.Auth.Credentials(),
		HostAuth:          cfg.Collaborators.Automation.Auth.Credentials(),
		ScannerCommand:    cfg.Collaborators.Scanner.Command,
		AutomationCommand: cfg.Collaborators.Automation.Command,
		Grace:             cfg.Service.StageGrace,
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("register actions: %w", err)
	}

	exec := stage.NewExecutor(a.actions, stage.WithGrace(cfg.Service.StageGrace))
	a.engine = pipeline.NewEngine(exec, targets, pipeline.Options{
		MaxParallel: cfg.Service.MaxParallelStages,
		Recorder:    a.runs,
		Workspaces:  a.workspaces,
		Events:      a.hub,
	})
	return a, nil
}

func newReleaseBackend(rc config.ReleasesConfig) (release.Backend, error) {
	switch rc.Backend {
	case "http":
		b, err := release.NewHTTPBackend(rc.HTTP.BaseURL, rc.HTTP.Repo, rc.HTTP.Auth.Credentials(), nil)
		if err != nil {
			return nil, fmt.Errorf("releases.http: %w", err)
		}
		return b, nil
	case "", "fs":
		b, err := release.NewFSBackend(rc.Dir)
		if err != nil {
			return nil, fmt.Errorf("releases.dir: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown releases.backend %q", rc.Backend)
	}
}

// Close waits for background runs and closes the database.
func (a *app) Close(ctx context.Context) error {
	if err := a.engine.Shutdown(ctx); err != nil {
		log.WithComponent("main").Warn("pipeline runs still active at shutdown", "error", err)
	}
	return a.db.Close()
}
