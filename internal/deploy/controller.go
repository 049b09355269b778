// Package deploy moves published releases onto target hosts and back.
//
// Each target follows idle -> fetching -> staged -> switching -> active,
// with any failure landing in failed. A failure after staging triggers one
// best-effort rollback of the hosts already switched. At most one deploy or
// rollback runs per target; a second request fails fast with ErrBusy.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/rollout/internal/events"
	"github.com/mattjoyce/rollout/internal/lock"
	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/target"
)

// Fetcher is the release-store surface the controller reads from.
type Fetcher interface {
	Fetch(ctx context.Context, id string) (*release.ArtifactHandle, error)
}

// Config holds controller settings.
type Config struct {
	// History is the number of releases remembered per target.
	History int
	// LockDir holds one flock file per target for cross-process exclusion.
	// Empty disables the file lock; the in-process lock always applies.
	LockDir string
	// StageParallelism bounds concurrent per-host staging. 0 means no bound.
	StageParallelism int
}

// Controller is the only writer of deployment records.
type Controller struct {
	releases Fetcher
	targets  target.Resolver
	site     Site
	records  *Records
	cfg      Config
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	busy map[string]bool
}

func NewController(releases Fetcher, targets target.Resolver, site Site, records *Records, cfg Config, pub events.Publisher) *Controller {
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	return &Controller{
		releases: releases,
		targets:  targets,
		site:     site,
		records:  records,
		cfg:      cfg,
		events:   pub,
		logger:   log.WithComponent("deploy"),
		now:      time.Now,
		busy:     make(map[string]bool),
	}
}

// Status returns the record for targetName. Unknown targets are an error;
// known targets never deployed report idle.
func (c *Controller) Status(ctx context.Context, targetName string) (*Record, error) {
	if _, err := c.targets.Resolve(targetName); err != nil {
		return nil, err
	}
	return c.records.Load(ctx, targetName)
}

// Deploy makes releaseID the current release of every host in targetName.
func (c *Controller) Deploy(ctx context.Context, releaseID, targetName string) (*Outcome, error) {
	hosts, err := c.targets.Resolve(targetName)
	if err != nil {
		return nil, err
	}
	unlock, err := c.acquire(targetName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := c.logger.With("target", targetName).With("release_id", releaseID)
	rec, err := c.records.Load(ctx, targetName)
	if err != nil {
		return nil, err
	}
	prior := rec.clone()
	c.publish(events.DeployStarted, map[string]any{"target": targetName, "release_id": releaseID})

	// fetching: failure leaves the target exactly as it was.
	if err := c.transition(ctx, rec, StateFetching, ""); err != nil {
		return nil, err
	}
	handle, err := c.releases.Fetch(ctx, releaseID)
	if err != nil {
		logger.Warn("fetch failed", "error", err)
		c.restore(ctx, prior)
		c.finished(targetName, releaseID, err)
		return nil, fmt.Errorf("fetch %s: %w", releaseID, err)
	}
	defer handle.Close()

	// staged: a new directory per host; current is untouched on failure.
	dir := releaseDirName(releaseID, c.now())
	if err := c.stageAll(ctx, hosts, dir, handle); err != nil {
		logger.Warn("staging failed", "error", err)
		c.fail(ctx, rec, err)
		c.finished(targetName, releaseID, err)
		return nil, err
	}
	if err := c.transition(ctx, rec, StateStaged, ""); err != nil {
		c.removeAll(hosts, dir, logger)
		return nil, err
	}

	previous := rec.CurrentRelease
	if err := c.switchAll(ctx, rec, hosts, dir, logger); err != nil {
		c.removeAll(hosts, dir, logger)
		c.fail(ctx, rec, err)
		c.finished(targetName, releaseID, err)
		return nil, err
	}

	entry := HistoryEntry{ReleaseID: releaseID, ReleaseDir: dir, DeployedAt: c.now().UTC()}
	rec.History = append([]HistoryEntry{entry}, rec.History...)
	var evicted []HistoryEntry
	if len(rec.History) > c.cfg.History {
		evicted = rec.History[c.cfg.History:]
		rec.History = rec.History[:c.cfg.History]
	}
	rec.CurrentRelease = releaseID
	rec.CurrentDir = dir
	if err := c.transition(ctx, rec, StateActive, ""); err != nil {
		return nil, err
	}
	for _, h := range evicted {
		if h.ReleaseDir != dir {
			c.removeAll(hosts, h.ReleaseDir, logger)
		}
	}

	logger.Info("deploy complete", "release_dir", dir, "hosts", len(hosts))
	c.finished(targetName, releaseID, nil)
	return &Outcome{
		Target:     targetName,
		ReleaseID:  releaseID,
		ReleaseDir: dir,
		Previous:   previous,
		Hosts:      hostNames(hosts),
		State:      StateActive,
	}, nil
}

// Rollback makes the next older history entry current again and drops the
// newest one.
func (c *Controller) Rollback(ctx context.Context, targetName string) (*Outcome, error) {
	hosts, err := c.targets.Resolve(targetName)
	if err != nil {
		return nil, err
	}
	unlock, err := c.acquire(targetName)
	if err != nil {
		return nil, err
	}
	defer unlock()

	logger := c.logger.With("target", targetName)
	rec, err := c.records.Load(ctx, targetName)
	if err != nil {
		return nil, err
	}
	if len(rec.History) < 2 {
		return nil, ErrNoRollbackTarget
	}
	from, to := rec.History[0], rec.History[1]
	logger = logger.With("from", from.ReleaseID, "to", to.ReleaseID)
	c.publish(events.DeployRollback, map[string]any{"target": targetName, "from": from.ReleaseID, "to": to.ReleaseID})

	if err := c.transition(ctx, rec, StateStaged, ""); err != nil {
		return nil, err
	}
	if err := c.switchAll(ctx, rec, hosts, to.ReleaseDir, logger); err != nil {
		c.fail(ctx, rec, err)
		c.finished(targetName, to.ReleaseID, err)
		return nil, err
	}

	rec.History = rec.History[1:]
	rec.CurrentRelease = to.ReleaseID
	rec.CurrentDir = to.ReleaseDir
	if err := c.transition(ctx, rec, StateActive, ""); err != nil {
		return nil, err
	}
	if from.ReleaseDir != to.ReleaseDir {
		c.removeAll(hosts, from.ReleaseDir, logger)
	}

	logger.Info("rollback complete")
	c.finished(targetName, to.ReleaseID, nil)
	return &Outcome{
		Target:     targetName,
		ReleaseID:  to.ReleaseID,
		ReleaseDir: to.ReleaseDir,
		Previous:   from.ReleaseID,
		Hosts:      hostNames(hosts),
		State:      StateActive,
	}, nil
}

// acquire takes the in-process try-lock, then the cross-process file lock.
func (c *Controller) acquire(targetName string) (func(), error) {
	c.mu.Lock()
	if c.busy[targetName] {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", targetName, ErrBusy)
	}
	c.busy[targetName] = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.busy, targetName)
		c.mu.Unlock()
	}

	if c.cfg.LockDir == "" {
		return release, nil
	}
	fl, err := lock.TryAcquire(filepath.Join(c.cfg.LockDir, lockFileName(targetName)))
	if err != nil {
		release()
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("%s: %w", targetName, ErrBusy)
		}
		return nil, err
	}
	return func() {
		if err := fl.Release(); err != nil {
			c.logger.Warn("release deploy lock failed", "target", targetName, "error", err)
		}
		release()
	}, nil
}

func (c *Controller) stageAll(ctx context.Context, hosts []target.Host, dir string, handle *release.ArtifactHandle) error {
	g, gctx := errgroup.WithContext(ctx)
	if c.cfg.StageParallelism > 0 {
		g.SetLimit(c.cfg.StageParallelism)
	}

	var mu sync.Mutex
	var staged []target.Host
	for _, h := range hosts {
		g.Go(func() error {
			if err := c.site.Stage(gctx, h, dir, handle.Path(), handle.Release.Filename); err != nil {
				return &HostError{Host: h.Name, Op: "stage", Err: err}
			}
			mu.Lock()
			staged = append(staged, h)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		c.removeAll(staged, dir, c.logger)
	}
	return err
}

// switchAll repoints every host at dir and reloads it. On the first failure
// it rolls the already-touched hosts back exactly once.
func (c *Controller) switchAll(ctx context.Context, rec *Record, hosts []target.Host, dir string, logger *slog.Logger) error {
	if err := c.transition(ctx, rec, StateSwitching, ""); err != nil {
		return err
	}

	var done []restorePoint
	for _, h := range hosts {
		prior, err := c.site.Current(h)
		if err != nil {
			return c.rollbackHosts(ctx, rec.Target, done, &HostError{Host: h.Name, Op: "read current", Err: err}, logger)
		}
		if err := c.site.Switch(h, dir); err != nil {
			return c.rollbackHosts(ctx, rec.Target, done, &HostError{Host: h.Name, Op: "switch", Err: err}, logger)
		}
		done = append(done, restorePoint{host: h, prior: prior})
		if err := c.site.Reload(ctx, h); err != nil {
			return c.rollbackHosts(ctx, rec.Target, done, &HostError{Host: h.Name, Op: "reload", Err: err}, logger)
		}
	}
	return nil
}

type restorePoint struct {
	host  target.Host
	prior string
}

func (c *Controller) rollbackHosts(ctx context.Context, targetName string, done []restorePoint, cause error, logger *slog.Logger) error {
	if len(done) == 0 {
		return cause
	}
	logger.Warn("switch failed, rolling back", "error", cause, "hosts", len(done))

	// Reloading must still be attempted when the triggering ctx is done.
	rctx := context.WithoutCancel(ctx)
	var errs []error
	for _, sw := range done {
		if err := c.site.Switch(sw.host, sw.prior); err != nil {
			errs = append(errs, &HostError{Host: sw.host.Name, Op: "restore", Err: err})
			continue
		}
		if err := c.site.Reload(rctx, sw.host); err != nil {
			errs = append(errs, &HostError{Host: sw.host.Name, Op: "reload", Err: err})
		}
	}
	if len(errs) == 0 {
		return cause
	}
	return errors.Join(cause, &RollbackFailure{Target: targetName, Errs: errs})
}

func (c *Controller) removeAll(hosts []target.Host, dir string, logger *slog.Logger) {
	for _, h := range hosts {
		if err := c.site.Remove(h, dir); err != nil {
			logger.Warn("remove release directory failed", "host", h.Name, "dir", dir, "error", err)
		}
	}
}

func (c *Controller) transition(ctx context.Context, rec *Record, state State, lastErr string) error {
	rec.State = state
	rec.LastError = lastErr
	rec.UpdatedAt = c.now().UTC()
	if err := c.records.Save(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("persist %s state %s: %w", rec.Target, state, err)
	}
	return nil
}

func (c *Controller) fail(ctx context.Context, rec *Record, cause error) {
	if err := c.transition(ctx, rec, StateFailed, cause.Error()); err != nil {
		c.logger.Error("persist failed state", "target", rec.Target, "error", err)
	}
}

func (c *Controller) restore(ctx context.Context, prior *Record) {
	prior.UpdatedAt = c.now().UTC()
	if err := c.records.Save(context.WithoutCancel(ctx), prior); err != nil {
		c.logger.Error("restore deploy record", "target", prior.Target, "error", err)
	}
}

func (c *Controller) publish(eventType string, data map[string]any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

func (c *Controller) finished(targetName, releaseID string, err error) {
	data := map[string]any{"target": targetName, "release_id": releaseID, "ok": err == nil}
	if err != nil {
		data["error"] = err.Error()
	}
	c.publish(events.DeployFinished, data)
}

func releaseDirName(releaseID string, at time.Time) string {
	return releaseID + "-" + at.UTC().Format("20060102T150405.000000000Z")
}

func lockFileName(targetName string) string {
	r := strings.NewReplacer("/", "_", `\`, "_", "..", "_")
	return "deploy-" + r.Replace(targetName) + ".lock"
}

func hostNames(hosts []target.Host) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Name)
	}
	return out
}
