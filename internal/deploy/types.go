package deploy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the deployment state of one target.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateStaged    State = "staged"
	StateSwitching State = "switching"
	StateActive    State = "active"
	StateFailed    State = "failed"
)

// DefaultHistory is the number of releases remembered per target.
const DefaultHistory = 5

var (
	// ErrBusy is returned when another deploy or rollback holds the target.
	ErrBusy = errors.New("target is busy")

	// ErrNoRollbackTarget is returned by Rollback when history holds no
	// older release.
	ErrNoRollbackTarget = errors.New("no previous release to roll back to")
)

// HistoryEntry is one release that was active on a target.
type HistoryEntry struct {
	ReleaseID  string    `json:"release_id"`
	ReleaseDir string    `json:"release_dir"`
	DeployedAt time.Time `json:"deployed_at"`
}

// Record is the persisted deployment state of a target. History is newest
// first; when the target is active History[0] is the current release.
type Record struct {
	Target         string         `json:"target"`
	State          State          `json:"state"`
	CurrentRelease string         `json:"current_release,omitempty"`
	CurrentDir     string         `json:"current_dir,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	History        []HistoryEntry `json:"history"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (r *Record) clone() *Record {
	c := *r
	c.History = append([]HistoryEntry(nil), r.History...)
	return &c
}

// Outcome describes a completed deploy or rollback.
type Outcome struct {
	Target     string   `json:"target"`
	ReleaseID  string   `json:"release_id"`
	ReleaseDir string   `json:"release_dir"`
	Previous   string   `json:"previous,omitempty"`
	Hosts      []string `json:"hosts"`
	State      State    `json:"state"`
}

// HostError is a failure on one host.
type HostError struct {
	Host string
	Op   string
	Err  error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.Host, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

// RollbackFailure reports that restoring the prior release after a failed
// switch did not complete on every host. It is joined with the error that
// triggered the rollback.
type RollbackFailure struct {
	Target string
	Errs   []error
}

func (e *RollbackFailure) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return fmt.Sprintf("rollback of %s incomplete: %s", e.Target, strings.Join(parts, "; "))
}

func (e *RollbackFailure) Unwrap() []error { return e.Errs }
