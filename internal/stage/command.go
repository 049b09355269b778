package stage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// Command describes one subprocess invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	// Env is appended to a minimal inherited environment (PATH, HOME).
	Env   []string
	Stdin io.Reader
}

// RunCommand starts cmd in its own process group with stdout and stderr
// merged into out. When ctx is cancelled the group receives SIGTERM, then
// SIGKILL once grace has elapsed. A non-zero exit is returned as
// *exec.ExitError, which satisfies ExitCoder.
func RunCommand(ctx context.Context, c Command, out io.Writer, grace time.Duration, logger *slog.Logger) error {
	if c.Path == "" {
		return fmt.Errorf("command path is required")
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(baseEnv(), c.Env...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	logger.Debug("starting command", "path", c.Path, "args", c.Args, "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.Path, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case err := <-waitErr:
		return err
	case <-ctx.Done():
	}

	logger.Warn("command cancelled, sending SIGTERM", "path", c.Path, "pid", cmd.Process.Pid)
	if err := terminate(cmd); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM", "path", c.Path)
	case <-timer.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL", "path", c.Path)
		if err := kill(cmd); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
	return fmt.Errorf("%s: %w", c.Path, ctx.Err())
}
