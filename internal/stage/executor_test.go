package stage

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, kind string, a Action, opts ...Option) *Executor {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(kind, a))
	e := NewExecutor(reg, opts...)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

type exitErr int

func (e exitErr) Error() string { return "exit status" }
func (e exitErr) ExitCode() int { return int(e) }

func TestExecuteSuccessCapturesOutput(t *testing.T) {
	e := newTestExecutor(t, "echo", ActionFunc(func(ctx context.Context, sc *Context, spec Spec, out io.Writer) error {
		_, _ = io.WriteString(out, "hello "+spec.Arg("who", "world"))
		return nil
	}))

	res := e.Execute(context.Background(), Spec{Name: "greet", Action: "echo"}, &Context{}, time.Second)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, ReasonNone, res.Reason)
	assert.Equal(t, "hello world", res.Output)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.ExitStatus)
	assert.Equal(t, 0, *res.ExitStatus)
	require.NotNil(t, res.StartedAt)
	require.NotNil(t, res.EndedAt)
	assert.False(t, res.EndedAt.Before(*res.StartedAt))
	assert.NoError(t, res.Err())
}

func TestExecuteFailureRecordsExitStatus(t *testing.T) {
	e := newTestExecutor(t, "fail", ActionFunc(func(context.Context, *Context, Spec, io.Writer) error {
		return exitErr(3)
	}))

	res := e.Execute(context.Background(), Spec{Name: "build", Action: "fail"}, &Context{}, time.Second)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonError, res.Reason)
	require.NotNil(t, res.ExitStatus)
	assert.Equal(t, 3, *res.ExitStatus)

	var f *Failure
	require.ErrorAs(t, res.Err(), &f)
	assert.Equal(t, "build", f.Stage)
	assert.Equal(t, ReasonError, f.Reason)
}

func TestExecuteUnknownAction(t *testing.T) {
	e := NewExecutor(NewRegistry())
	res := e.Execute(context.Background(), Spec{Name: "x", Action: "nope"}, &Context{}, time.Second)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, `unknown action "nope"`)
}

func TestExecuteTimeoutIsEnforcedWithoutCooperation(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	e := newTestExecutor(t, "stuck", ActionFunc(func(context.Context, *Context, Spec, io.Writer) error {
		<-block // ignores ctx entirely
		return nil
	}), WithGrace(50*time.Millisecond))

	start := time.Now()
	res := e.Execute(context.Background(), Spec{Name: "hang", Action: "stuck"}, &Context{}, 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestExecuteTimeoutNotRetried(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, "slow", ActionFunc(func(ctx context.Context, _ *Context, _ Spec, _ io.Writer) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}), WithGrace(time.Second))

	spec := Spec{Name: "slow", Action: "slow", Retry: &RetryPolicy{MaxAttempts: 3}}
	res := e.Execute(context.Background(), spec, &Context{}, 20*time.Millisecond)

	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, res.Attempts)
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	e := newTestExecutor(t, "wait", ActionFunc(func(actx context.Context, _ *Context, _ Spec, _ io.Writer) error {
		close(started)
		<-actx.Done()
		return actx.Err()
	}))

	go func() {
		<-started
		cancel()
	}()
	res := e.Execute(ctx, Spec{Name: "wait", Action: "wait"}, &Context{}, time.Minute)

	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, ReasonCancelled, res.Reason)
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, "flaky", ActionFunc(func(_ context.Context, _ *Context, _ Spec, out io.Writer) error {
		n := calls.Add(1)
		_, _ = io.WriteString(out, "try")
		if n < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	spec := Spec{Name: "flaky", Action: "flaky", Retry: &RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond}}
	res := e.Execute(context.Background(), spec, &Context{}, time.Second)

	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Contains(t, res.Output, "--- attempt 3 ---")
}

func TestExecuteNoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	e := newTestExecutor(t, "bad", ActionFunc(func(context.Context, *Context, Spec, io.Writer) error {
		calls.Add(1)
		return errors.New("boom")
	}))

	res := e.Execute(context.Background(), Spec{Name: "bad", Action: "bad"}, &Context{}, time.Second)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "boom", res.Error)
}

func TestExecutePanicBecomesFailure(t *testing.T) {
	e := newTestExecutor(t, "panic", ActionFunc(func(context.Context, *Context, Spec, io.Writer) error {
		panic("kaboom")
	}))

	res := e.Execute(context.Background(), Spec{Name: "p", Action: "panic"}, &Context{}, time.Second)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "kaboom")
}

func TestExecuteOutputTruncated(t *testing.T) {
	e := newTestExecutor(t, "loud", ActionFunc(func(_ context.Context, _ *Context, _ Spec, out io.Writer) error {
		_, _ = io.WriteString(out, strings.Repeat("x", 100))
		return nil
	}), WithMaxOutput(10))

	res := e.Execute(context.Background(), Spec{Name: "loud", Action: "loud"}, &Context{}, time.Second)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, strings.Repeat("x", 10)+"\n...[truncated 90 bytes]", res.Output)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	assert.Equal(t, 300*time.Millisecond, p.delay(3))
	assert.Equal(t, 300*time.Millisecond, p.delay(4))

	var none *RetryPolicy
	assert.Equal(t, 1, none.attempts())
	assert.Equal(t, time.Duration(0), none.delay(1))
}
