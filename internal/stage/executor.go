package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/rollout/internal/log"
)

const (
	// DefaultTimeout applies when neither the stage nor the caller sets one.
	DefaultTimeout = 30 * time.Minute

	// DefaultGrace is how long the executor waits for an action to return
	// after its context was cancelled.
	DefaultGrace = 5 * time.Second
)

// Failure is the error form of a failed Result.
type Failure struct {
	Stage  string
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("stage %s failed (%s): %v", f.Stage, f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ExitCoder is implemented by errors that carry a process exit status.
type ExitCoder interface {
	ExitCode() int
}

// Executor runs one stage at a time with an enforced timeout. It is safe for
// concurrent use.
type Executor struct {
	actions   *Registry
	grace     time.Duration
	maxOutput int
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithMaxOutput overrides MaxOutputBytes.
func WithMaxOutput(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxOutput = n
		}
	}
}

func NewExecutor(actions *Registry, opts ...Option) *Executor {
	e := &Executor{
		actions:   actions,
		grace:     DefaultGrace,
		maxOutput: MaxOutputBytes,
		now:       time.Now,
		sleep:     sleepCtx,
		logger:    log.WithComponent("stage"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Grace returns the configured termination grace period.
func (e *Executor) Grace() time.Duration { return e.grace }

// Execute runs spec and always returns a terminal Result; action errors are
// converted here and never propagate further. timeout <= 0 falls back to
// spec.Timeout, then DefaultTimeout.
func (e *Executor) Execute(ctx context.Context, spec Spec, sc *Context, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = spec.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	started := e.now().UTC()
	res := &Result{Stage: spec.Name, Outcome: OutcomeRunning, StartedAt: &started}
	out := newBoundedBuffer(e.maxOutput)

	logger := e.logger.With("stage", spec.Name, "action", spec.Action)
	if sc != nil && sc.RunID != "" {
		logger = logger.With("run_id", sc.RunID)
	}

	action, ok := e.actions.Get(spec.Action)
	if !ok {
		return e.finish(res, out, ReasonError, fmt.Errorf("unknown action %q", spec.Action))
	}

	maxAttempts := spec.Retry.attempts()
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		if attempt > 1 {
			out.WriteString(fmt.Sprintf("\n--- attempt %d ---\n", attempt))
		}

		reason, err := e.attempt(ctx, action, spec, sc, timeout, out, logger)
		if err == nil {
			res.ExitStatus = intPtr(0)
			return e.finish(res, out, ReasonNone, nil)
		}

		var ec ExitCoder
		if errors.As(err, &ec) {
			res.ExitStatus = intPtr(ec.ExitCode())
		}

		if reason != ReasonError || attempt >= maxAttempts {
			return e.finish(res, out, reason, err)
		}

		wait := spec.Retry.delay(attempt)
		logger.Warn("stage attempt failed, retrying", "attempt", attempt, "backoff", wait, "error", err)
		if serr := e.sleep(ctx, wait); serr != nil {
			return e.finish(res, out, ReasonCancelled, serr)
		}
	}
}

// attempt runs the action once. The action runs in its own goroutine so a
// non-cooperative implementation cannot hold the stage past timeout+grace.
func (e *Executor) attempt(
	ctx context.Context,
	action Action,
	spec Spec,
	sc *Context,
	timeout time.Duration,
	out *boundedBuffer,
	logger *slog.Logger,
) (Reason, error) {
	if err := ctx.Err(); err != nil {
		return ReasonCancelled, err
	}

	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("action panicked: %v", r)
			}
		}()
		done <- action.Run(actx, sc, spec, out)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return ReasonCancelled, err
		}
		if err != nil {
			return ReasonError, err
		}
		return ReasonNone, nil
	case <-timer.C:
		logger.Warn("stage timed out, cancelling action", "timeout", timeout)
		cancel()
		e.awaitGrace(done, logger)
		return ReasonTimeout, fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		logger.Info("stage cancelled")
		cancel()
		e.awaitGrace(done, logger)
		return ReasonCancelled, ctx.Err()
	}
}

func (e *Executor) awaitGrace(done <-chan error, logger *slog.Logger) {
	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		logger.Warn("action did not return within grace period, abandoning", "grace", e.grace)
	}
}

func (e *Executor) finish(res *Result, out *boundedBuffer, reason Reason, err error) *Result {
	ended := e.now().UTC()
	res.EndedAt = &ended
	res.Output = out.Seal()
	if err == nil {
		res.Outcome = OutcomeSucceeded
		res.Reason = ReasonNone
		return res
	}
	res.Outcome = OutcomeFailed
	res.Reason = reason
	res.Error = err.Error()
	return res
}

// Err returns a *Failure for a failed result and nil otherwise.
func (r *Result) Err() error {
	if r == nil || r.Outcome != OutcomeFailed {
		return nil
	}
	return &Failure{Stage: r.Stage, Reason: r.Reason, Err: errors.New(r.Error)}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func intPtr(v int) *int { return &v }
