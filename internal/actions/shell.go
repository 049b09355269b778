package actions

import (
	"context"
	"io"
	"strconv"
	"time"

	"github.com/mattjoyce/rollout/internal/stage"
)

// Shell runs `sh -c <run>` in the run workspace.
type Shell struct {
	Grace time.Duration
}

func (s *Shell) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	script, err := spec.RequireArg("run")
	if err != nil {
		return err
	}
	dir, err := workDir(sc, spec)
	if err != nil {
		return err
	}
	return stage.RunCommand(ctx, stage.Command{
		Path: spec.Arg("shell", "/bin/sh"),
		Args: []string{"-c", script},
		Dir:  dir,
		Env:  runEnv(sc),
	}, out, s.Grace, sc.Logger)
}

// runEnv exposes the run identity to child processes.
func runEnv(sc *stage.Context) []string {
	env := []string{
		"ROLLOUT_RUN_ID=" + sc.RunID,
		"ROLLOUT_PIPELINE=" + sc.Pipeline,
		"ROLLOUT_BUILD_NUMBER=" + strconv.FormatInt(sc.BuildNumber, 10),
		"ROLLOUT_TARGET=" + sc.Target,
		"ROLLOUT_TAGS=" + sc.Tags,
		"ROLLOUT_REF=" + sc.Ref,
		"ROLLOUT_COMMIT=" + sc.Commit(),
	}
	if sc.Values != nil {
		if id, ok := sc.Values.Get(stage.ValueReleaseID); ok {
			env = append(env, "ROLLOUT_RELEASE_ID="+id)
		}
	}
	return env
}

// workDir is the workspace, optionally narrowed by With["dir"].
func workDir(sc *stage.Context, spec stage.Spec) (string, error) {
	dir := spec.Arg("dir", "")
	if dir == "" {
		return sc.Workspace, nil
	}
	return resolveInWorkspace(sc.Workspace, dir)
}
