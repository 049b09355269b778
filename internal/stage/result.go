package stage

import "time"

// Outcome is the lifecycle state of one stage within a run.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Terminal reports whether o is one of succeeded, failed or skipped.
func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeSkipped
}

// Reason qualifies a failed or skipped outcome.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonError      Reason = "error"
	ReasonTimeout    Reason = "timeout"
	ReasonCancelled  Reason = "cancelled"
	ReasonDependency Reason = "dependency"
	ReasonCondition  Reason = "condition"
	ReasonAborted    Reason = "aborted"
)

// Result is the record of one stage execution.
type Result struct {
	Stage      string     `json:"stage"`
	Outcome    Outcome    `json:"outcome"`
	Reason     Reason     `json:"reason,omitempty"`
	ExitStatus *int       `json:"exit_status,omitempty"`
	Attempts   int        `json:"attempts"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Pending returns a fresh result for name.
func Pending(name string) *Result {
	return &Result{Stage: name, Outcome: OutcomePending}
}

// Skipped returns a terminal skipped result.
func Skipped(name string, reason Reason, at time.Time) *Result {
	return &Result{Stage: name, Outcome: OutcomeSkipped, Reason: reason, EndedAt: &at}
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExitStatus != nil {
		v := *r.ExitStatus
		c.ExitStatus = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		c.StartedAt = &v
	}
	if r.EndedAt != nil {
		v := *r.EndedAt
		c.EndedAt = &v
	}
	return &c
}
