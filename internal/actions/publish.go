package actions

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mattjoyce/rollout/internal/release"
	"github.com/mattjoyce/rollout/internal/stage"
)

// Publish uploads With["artifact"] (a workspace-relative file) to the
// release store under (commit, build number) and stores the release ID.
type Publish struct {
	Store Publisher
	App   string
}

func (p *Publish) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	rel, err := spec.RequireArg("artifact")
	if err != nil {
		return err
	}
	path, err := resolveInWorkspace(sc.Workspace, rel)
	if err != nil {
		return err
	}
	commit := sc.Commit()
	if commit == "" {
		return fmt.Errorf("no commit resolved; run a checkout stage first or pass a ref")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	r, err := p.Store.Publish(ctx, f, release.Metadata{
		App:      spec.Arg("app", p.App),
		Commit:   commit,
		Build:    sc.BuildNumber,
		Filename: filepath.Base(path),
	})
	if err != nil {
		return err
	}
	if sc.Values != nil {
		sc.Values.Set(stage.ValueReleaseID, r.ID)
	}
	fmt.Fprintf(out, "published %s (%s, %d bytes)\n", r.ID, r.Checksum, r.Size)
	return nil
}
