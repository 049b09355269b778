// Package janitor runs the periodic housekeeping loop: crash recovery of
// interrupted runs at startup, then retention of run history, releases and
// workspaces on every tick.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/rollout/internal/events"
)

// Config holds the retention settings.
type Config struct {
	Interval           time.Duration
	RunRetention       time.Duration
	WorkspaceRetention time.Duration
	KeepReleases       int
}

// Deps are the stores the janitor sweeps. Nil members are skipped.
type Deps struct {
	Runs       RunStore
	Releases   ReleaseStore
	Deployed   DeployRecords
	Workspaces Workspaces
	Active     ActiveRuns
}

// Report summarizes one sweep.
type Report struct {
	RunsPruned       int64
	ReleasesEvicted  []string
	WorkspacesPruned int
}

// Janitor owns the housekeeping tick loop.
type Janitor struct {
	cfg    Config
	deps   Deps
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Janitor.
func New(cfg Config, deps Deps, pub events.Publisher, logger *slog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Janitor{
		cfg:    cfg,
		deps:   deps,
		events: pub,
		logger: logger.With("component", "janitor"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start performs crash recovery and then begins the tick loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("starting janitor", "interval", j.cfg.Interval)
	if err := j.recoverInterrupted(ctx); err != nil {
		return fmt.Errorf("janitor crash recovery failed: %w", err)
	}
	j.wg.Add(1)
	go j.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) tickLoop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			j.logger.Warn("janitor context cancelled, stopping tick loop")
			return
		}
	}
}

// Sweep runs one housekeeping pass. Failures are logged and do not stop the
// remaining steps.
func (j *Janitor) Sweep(ctx context.Context) Report {
	var rep Report
	now := j.now()

	if j.deps.Runs != nil && j.cfg.RunRetention > 0 {
		n, err := j.deps.Runs.PruneFinished(ctx, now.Add(-j.cfg.RunRetention))
		if err != nil {
			j.logger.Error("failed to prune runs", "error", err)
		} else {
			rep.RunsPruned = n
		}
	}

	if j.deps.Releases != nil && j.cfg.KeepReleases > 0 {
		if evicted, err := j.pruneReleases(ctx); err != nil {
			j.logger.Error("failed to prune releases", "error", err)
		} else {
			rep.ReleasesEvicted = evicted
		}
	}

	if j.deps.Workspaces != nil && j.cfg.WorkspaceRetention > 0 {
		var active []string
		if j.deps.Active != nil {
			active = j.deps.Active.Active()
		}
		wr, err := j.deps.Workspaces.Cleanup(ctx, j.cfg.WorkspaceRetention, active...)
		if err != nil {
			j.logger.Error("failed to clean workspaces", "error", err)
		}
		rep.WorkspacesPruned = wr.DeletedDirs
	}

	j.logger.Debug("janitor sweep",
		"runs_pruned", rep.RunsPruned,
		"releases_evicted", len(rep.ReleasesEvicted),
		"workspaces_pruned", rep.WorkspacesPruned)
	if j.events != nil {
		j.events.Publish(events.JanitorSwept, map[string]any{
			"runs_pruned":       rep.RunsPruned,
			"releases_evicted":  rep.ReleasesEvicted,
			"workspaces_pruned": rep.WorkspacesPruned,
		})
	}
	return rep
}

// pruneReleases evicts beyond KeepReleases, never touching a release that
// is current or in rollback history on any target.
func (j *Janitor) pruneReleases(ctx context.Context) ([]string, error) {
	protected := map[string]bool{}
	if j.deps.Deployed != nil {
		var err error
		if protected, err = j.deps.Deployed.Referenced(ctx); err != nil {
			return nil, fmt.Errorf("load deployed releases: %w", err)
		}
	}
	return j.deps.Releases.Prune(ctx, j.cfg.KeepReleases, func(id string) bool { return protected[id] })
}

func (j *Janitor) recoverInterrupted(ctx context.Context) error {
	if j.deps.Runs == nil {
		return nil
	}
	ids, err := j.deps.Runs.RecoverInterrupted(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if len(ids) == 0 {
		j.logger.Info("no interrupted runs found")
		return nil
	}
	for _, id := range ids {
		j.logger.Warn("closed interrupted run as cancelled", "run_id", id)
		if j.events != nil {
			j.events.Publish(events.RunFinished, map[string]any{"run_id": id, "status": "cancelled", "recovered": true})
		}
	}
	return nil
}
