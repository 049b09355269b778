// Package pipeline compiles stage graphs and runs them.
//
// A stage becomes eligible once all of its dependencies are terminal. It is
// skipped (reason dependency) if any dependency did not succeed, skipped
// (reason condition) if its When condition rejects the run parameters, and
// otherwise handed to the stage executor. Independent eligible stages run
// concurrently up to the pipeline's parallelism bound.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/rollout/internal/events"
	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/stage"
	"github.com/mattjoyce/rollout/internal/target"
)

// DefaultMaxParallel bounds concurrent stages when neither the pipeline nor
// the engine sets a limit.
const DefaultMaxParallel = 4

// Recorder persists runs and their append-only transition log.
type Recorder interface {
	// CreateRun assigns run.BuildNumber (monotonic per pipeline) and stores
	// the run with every stage pending.
	CreateRun(ctx context.Context, run *Run) error
	// RecordTransition appends t and stores res as the stage's result.
	RecordTransition(ctx context.Context, t Transition, res *stage.Result) error
	// FinishRun stores the terminal status.
	FinishRun(ctx context.Context, runID string, status Status, at time.Time) error
	// GetRun loads a run or returns an error wrapping ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)
}

// Workspaces hands out per-run working directories.
type Workspaces interface {
	Create(ctx context.Context, runID string) (string, error)
}

// Options configure an Engine. Recorder is required.
type Options struct {
	MaxParallel int
	Recorder    Recorder
	Workspaces  Workspaces
	Events      events.Publisher
}

// Engine runs pipelines. It is safe for concurrent use.
type Engine struct {
	exec    *stage.Executor
	targets target.Resolver
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	runs map[string]*runState
	wg   sync.WaitGroup
}

type runState struct {
	mu     sync.Mutex
	run    *Run
	def    *Definition
	ctx    context.Context
	cancel context.CancelFunc
	// cancelled is set by Engine.Cancel.
	cancelled atomic.Bool
	done      chan struct{}
}

func (rs *runState) snapshot() *Run {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.run.Clone()
}

func NewEngine(exec *stage.Executor, targets target.Resolver, opts Options) *Engine {
	return &Engine{
		exec:    exec,
		targets: targets,
		opts:    opts,
		logger:  log.WithComponent("pipeline"),
		now:     time.Now,
		runs:    make(map[string]*runState),
	}
}

// Run validates def and params, then executes the run to completion. Errors
// are returned only when nothing ran (DefinitionError, ValidationError,
// persistence failure); stage failures are reported in the Run.
func (e *Engine) Run(ctx context.Context, def *Definition, params Params) (*Run, error) {
	rs, err := e.prepare(ctx, def, params)
	if err != nil {
		return nil, err
	}
	e.execute(rs)
	return rs.snapshot(), nil
}

// Submit validates synchronously and executes in the background. The run
// outlives ctx; stop it with Cancel.
func (e *Engine) Submit(ctx context.Context, def *Definition, params Params) (*Run, error) {
	rs, err := e.prepare(context.WithoutCancel(ctx), def, params)
	if err != nil {
		return nil, err
	}
	snap := rs.snapshot()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(rs)
	}()
	return snap, nil
}

// Cancel stops an active run. Running stages fail with reason cancelled,
// unstarted stages are skipped with reason cancelled.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		if _, err := e.opts.Recorder.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", runID, ErrRunNotActive)
	}
	rs.cancelled.Store(true)
	rs.cancel()
	return nil
}

// Get returns the live state of an active run, or the stored one.
func (e *Engine) Get(ctx context.Context, runID string) (*Run, error) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		return rs.snapshot(), nil
	}
	return e.opts.Recorder.GetRun(ctx, runID)
}

// Wait blocks until runID is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (*Run, error) {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return e.opts.Recorder.GetRun(ctx, runID)
	}
	select {
	case <-rs.done:
		return rs.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active lists the IDs of runs in progress.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.runs))
	for id := range e.runs {
		out = append(out, id)
	}
	return out
}

// Shutdown cancels every active run and waits for background runs to finish
// or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, rs := range e.runs {
		rs.cancelled.Store(true)
		rs.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) prepare(ctx context.Context, def *Definition, params Params) (*runState, error) {
	if e.opts.Recorder == nil {
		return nil, errors.New("pipeline engine has no recorder")
	}
	if err := Validate(def); err != nil {
		return nil, err
	}
	fp := def.Fingerprint
	if fp == "" {
		var err error
		if fp, err = fingerprint(def); err != nil {
			return nil, err
		}
	}
	params, err := e.normalizeParams(params)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:          uuid.NewString(),
		Pipeline:    def.Name,
		Fingerprint: fp,
		Params:      params,
		Status:      StatusPending,
		Order:       Order(def),
		Stages:      make(map[string]*stage.Result, len(def.Stages)),
		CreatedAt:   e.now().UTC(),
	}
	for _, name := range run.Order {
		run.Stages[name] = stage.Pending(name)
	}
	if err := e.opts.Recorder.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{run: run, def: def, ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.runs[run.ID] = rs
	e.mu.Unlock()
	return rs, nil
}

func (e *Engine) normalizeParams(p Params) (Params, error) {
	p.Target = strings.TrimSpace(p.Target)
	p.Ref = strings.TrimSpace(p.Ref)
	p.Tags = strings.TrimSpace(p.Tags)
	p.TriggeredBy = strings.TrimSpace(p.TriggeredBy)
	if p.Tags == "" {
		p.Tags = DefaultTags
	}
	if p.TriggeredBy == "" {
		p.TriggeredBy = "cli"
	}
	if p.Target == "" {
		return p, &ValidationError{Field: "target", Msg: "target is required"}
	}
	if p.Ref == "" {
		return p, &ValidationError{Field: "ref", Msg: "ref is required"}
	}
	if e.targets != nil {
		if _, err := e.targets.Resolve(p.Target); err != nil {
			return p, &ValidationError{Field: "target", Err: err}
		}
	}
	return p, nil
}

type stageDone struct {
	name string
	res  *stage.Result
}

func (e *Engine) execute(rs *runState) {
	ctx := rs.ctx
	defer func() {
		rs.cancel()
		e.mu.Lock()
		delete(e.runs, rs.run.ID)
		e.mu.Unlock()
		close(rs.done)
	}()

	run, def := rs.run, rs.def
	logger := log.WithRun(run.ID).With("pipeline", def.Name, "build_number", run.BuildNumber)
	rs.mu.Lock()
	run.Status = StatusRunning
	rs.mu.Unlock()
	e.publish(events.RunStarted, map[string]any{
		"run_id": run.ID, "pipeline": def.Name, "build_number": run.BuildNumber,
		"target": run.Params.Target, "ref": run.Params.Ref,
	})
	logger.Info("run started", "target", run.Params.Target, "ref", run.Params.Ref, "tags", run.Params.Tags)

	sc := &stage.Context{
		RunID:       run.ID,
		Pipeline:    def.Name,
		BuildNumber: run.BuildNumber,
		Target:      run.Params.Target,
		Tags:        run.Params.Tags,
		Ref:         run.Params.Ref,
		Values:      stage.NewValues(),
		Logger:      logger,
	}
	if e.targets != nil {
		sc.Hosts = target.NewSnapshot(e.targets)
	}
	aborted := false
	if e.opts.Workspaces != nil {
		ws, err := e.opts.Workspaces.Create(ctx, run.ID)
		if err != nil {
			logger.Error("create workspace failed", "error", err)
			aborted = true
		}
		sc.Workspace = ws
	}

	stagesCtx, abort := context.WithCancel(ctx)
	defer abort()

	limit := def.MaxParallel
	if limit <= 0 {
		limit = e.opts.MaxParallel
	}
	if limit <= 0 {
		limit = DefaultMaxParallel
	}

	doneCh := make(chan stageDone, len(def.Stages))
	running := 0
	for {
		for progress := true; progress; {
			progress = false
			for _, name := range run.Order {
				spec := def.Stage(name)
				state := e.readiness(rs, spec)
				if state == notReady {
					continue
				}
				switch {
				case ctx.Err() != nil:
					e.skip(rs, name, stage.ReasonCancelled)
					progress = true
				case aborted:
					e.skip(rs, name, stage.ReasonAborted)
					progress = true
				case state == depFailed:
					e.skip(rs, name, stage.ReasonDependency)
					progress = true
				case !spec.When.Matches(run.Params):
					e.skip(rs, name, stage.ReasonCondition)
					progress = true
				case running < limit:
					started := e.now().UTC()
					e.transition(rs, &stage.Result{Stage: name, Outcome: stage.OutcomeRunning, StartedAt: &started})
					running++
					go func(spec StageSpec) {
						doneCh <- stageDone{name: spec.Name, res: e.exec.Execute(stagesCtx, spec.Spec, sc, spec.Timeout)}
					}(*spec)
				}
			}
		}
		if running == 0 {
			break
		}

		d := <-doneCh
		running--
		d.res.Stage = d.name
		e.transition(rs, d.res)
		if d.res.Outcome == stage.OutcomeFailed {
			logger.Warn("stage failed", "stage", d.name, "reason", d.res.Reason, "error", d.res.Error)
			spec := def.Stage(d.name)
			if !aborted && (def.FailFast || spec.Blocking) && ctx.Err() == nil {
				logger.Warn("aborting run", "stage", d.name, "fail_fast", def.FailFast, "blocking", spec.Blocking)
				aborted = true
				abort()
			}
		}
	}

	e.finish(rs, logger)
}

type readiness int

const (
	notReady readiness = iota
	ready
	depFailed
)

// readiness reports whether a pending stage's dependencies are all terminal
// and whether any of them did not succeed.
func (e *Engine) readiness(rs *runState, spec *StageSpec) readiness {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.run.Stages[spec.Name].Outcome != stage.OutcomePending {
		return notReady
	}
	failed := false
	for _, dep := range spec.Needs {
		r := rs.run.Stages[dep]
		if !r.Outcome.Terminal() {
			return notReady
		}
		if r.Outcome != stage.OutcomeSucceeded {
			failed = true
		}
	}
	if failed {
		return depFailed
	}
	return ready
}

func (e *Engine) skip(rs *runState, name string, reason stage.Reason) {
	e.transition(rs, stage.Skipped(name, reason, e.now().UTC()))
}

// transition moves a stage to res. Terminal results are never replaced.
func (e *Engine) transition(rs *runState, res *stage.Result) {
	rs.mu.Lock()
	prev := rs.run.Stages[res.Stage]
	if prev != nil && prev.Outcome.Terminal() {
		rs.mu.Unlock()
		return
	}
	from := stage.OutcomePending
	if prev != nil {
		from = prev.Outcome
	}
	rs.run.Stages[res.Stage] = res
	rs.mu.Unlock()

	t := Transition{
		RunID:  rs.run.ID,
		Stage:  res.Stage,
		From:   from,
		To:     res.Outcome,
		Reason: res.Reason,
		At:     e.now().UTC(),
	}
	if err := e.opts.Recorder.RecordTransition(context.WithoutCancel(rs.ctx), t, res.Clone()); err != nil {
		e.logger.Error("record transition failed", "run_id", t.RunID, "stage", t.Stage, "error", err)
	}
	e.publish(events.StageTransition, map[string]any{
		"run_id": t.RunID, "stage": t.Stage, "from": t.From, "to": t.To, "reason": t.Reason,
	})
}

func (e *Engine) finish(rs *runState, logger *slog.Logger) {
	rs.mu.Lock()
	status := StatusSucceeded
	interrupted := false
	for _, r := range rs.run.Stages {
		if r.Outcome == stage.OutcomeFailed {
			status = StatusFailed
		}
		if r.Reason == stage.ReasonCancelled {
			interrupted = true
		}
	}
	if interrupted && (rs.cancelled.Load() || rs.ctx.Err() != nil) {
		status = StatusCancelled
	}
	if status == StatusSucceeded {
		// A run aborted before any stage could start has no failed stage.
		for _, r := range rs.run.Stages {
			if r.Reason == stage.ReasonAborted {
				status = StatusFailed
				break
			}
		}
	}
	finished := e.now().UTC()
	rs.run.Status = status
	rs.run.FinishedAt = &finished
	runID := rs.run.ID
	rs.mu.Unlock()

	if err := e.opts.Recorder.FinishRun(context.WithoutCancel(rs.ctx), runID, status, finished); err != nil {
		logger.Error("record run finish failed", "error", err)
	}
	e.publish(events.RunFinished, map[string]any{"run_id": runID, "status": status})
	logger.Info("run finished", "status", status)
}

func (e *Engine) publish(eventType string, data map[string]any) {
	if e.opts.Events != nil {
		e.opts.Events.Publish(eventType, data)
	}
}
