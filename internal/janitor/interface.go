package janitor

import (
	"context"
	"time"

	"github.com/mattjoyce/rollout/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_janitor.go -package=mocks github.com/mattjoyce/rollout/internal/janitor RunStore,ReleaseStore,DeployRecords,Workspaces,ActiveRuns

// RunStore is the run-history surface the janitor maintains.
type RunStore interface {
	RecoverInterrupted(ctx context.Context, at time.Time) ([]string, error)
	PruneFinished(ctx context.Context, cutoff time.Time) (int64, error)
}

// ReleaseStore evicts old releases.
type ReleaseStore interface {
	Prune(ctx context.Context, keep int, protect func(id string) bool) ([]string, error)
}

// DeployRecords reports which releases are current or in some target's
// rollback history.
type DeployRecords interface {
	Referenced(ctx context.Context) (map[string]bool, error)
}

// Workspaces removes stale run workspaces.
type Workspaces interface {
	Cleanup(ctx context.Context, olderThan time.Duration, active ...string) (workspace.CleanupReport, error)
}

// ActiveRuns lists runs still executing in this process.
type ActiveRuns interface {
	Active() []string
}
