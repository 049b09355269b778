package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/rollout/internal/stage"
)

// FileSpec is one YAML file containing one or more pipelines.
type FileSpec struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// Definition is a named, validated stage graph.
type Definition struct {
	Name        string      `yaml:"name" json:"name"`
	FailFast    bool        `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
	MaxParallel int         `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	Stages      []StageSpec `yaml:"stages" json:"stages"`

	// Fingerprint is blake3:<hex> of the normalized definition, set by Compile.
	Fingerprint string `yaml:"-" json:"fingerprint,omitempty"`
}

// StageSpec is one stage of a definition.
type StageSpec struct {
	stage.Spec `yaml:",inline"`

	Needs    []string   `yaml:"needs,omitempty" json:"needs,omitempty"`
	When     *Condition `yaml:"when,omitempty" json:"when,omitempty"`
	Blocking bool       `yaml:"blocking,omitempty" json:"blocking,omitempty"`
}

// Stage returns the named stage, or nil.
func (d *Definition) Stage(name string) *StageSpec {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i]
		}
	}
	return nil
}

// Params are the inputs of one run.
type Params struct {
	Target      string `json:"target"`
	Tags        string `json:"tags"`
	Ref         string `json:"ref"`
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// DefaultTags selects every stage regardless of its tag filter.
const DefaultTags = "all"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Run is one execution of a definition.
type Run struct {
	ID          string                   `json:"id"`
	Pipeline    string                   `json:"pipeline"`
	Fingerprint string                   `json:"fingerprint"`
	BuildNumber int64                    `json:"build_number"`
	Params      Params                   `json:"params"`
	Status      Status                   `json:"status"`
	Order       []string                 `json:"order"`
	Stages      map[string]*stage.Result `json:"stages"`
	CreatedAt   time.Time                `json:"created_at"`
	FinishedAt  *time.Time               `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Order = append([]string(nil), r.Order...)
	c.Stages = make(map[string]*stage.Result, len(r.Stages))
	for k, v := range r.Stages {
		c.Stages[k] = v.Clone()
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Transition is one append-only entry of a run's stage log.
type Transition struct {
	Seq    int64         `json:"seq"`
	RunID  string        `json:"run_id"`
	Stage  string        `json:"stage"`
	From   stage.Outcome `json:"from"`
	To     stage.Outcome `json:"to"`
	Reason stage.Reason  `json:"reason,omitempty"`
	At     time.Time     `json:"at"`
}

// DefinitionError reports an invalid stage graph. Nothing has run when it is
// returned.
type DefinitionError struct {
	Pipeline string
	Stage    string
	Cycle    []string
	Msg      string
}

func (e *DefinitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline %q", e.Pipeline)
	if e.Stage != "" {
		fmt.Fprintf(&b, ": stage %q", e.Stage)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, ": dependency cycle: %s", strings.Join(e.Cycle, " -> "))
		return b.String()
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

// ValidationError reports invalid run parameters.
type ValidationError struct {
	Field string
	Msg   string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotActive is returned by Cancel for runs that already finished.
	ErrRunNotActive = errors.New("run is not active")
	// ErrPipelineNotFound is returned by Catalog lookups.
	ErrPipelineNotFound = errors.New("pipeline not found")
)
