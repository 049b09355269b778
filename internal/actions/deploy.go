package actions

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/mattjoyce/rollout/internal/stage"
)

// Deploy hands the run's release to the deployment controller. The release
// comes from With["release"] or the value left by a publish stage; the
// target defaults to the run target.
type Deploy struct {
	Controller Deployer
}

func (d *Deploy) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	releaseID := spec.Arg("release", "")
	if releaseID == "" && sc.Values != nil {
		releaseID, _ = sc.Values.Get(stage.ValueReleaseID)
	}
	if releaseID == "" {
		return fmt.Errorf("no release to deploy; add a publish stage or set with.release")
	}
	targetName := spec.Arg("target", sc.Target)

	outcome, err := d.Controller.Deploy(ctx, releaseID, targetName)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "deployed %s to %s (%s) on %s\n",
		outcome.ReleaseID, outcome.Target, outcome.ReleaseDir, strings.Join(outcome.Hosts, ", "))
	return nil
}
