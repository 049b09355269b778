package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattjoyce/rollout/internal/stage"
)

// memRecorder is an in-memory Recorder enforcing the same immutability rules
// as the sqlite store.
type memRecorder struct {
	mu          sync.Mutex
	builds      map[string]int64
	runs        map[string]*Run
	transitions map[string][]Transition
}

func newMemRecorder() *memRecorder {
	return &memRecorder{
		builds:      make(map[string]int64),
		runs:        make(map[string]*Run),
		transitions: make(map[string][]Transition),
	}
}

func (m *memRecorder) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[run.Pipeline]++
	run.BuildNumber = m.builds[run.Pipeline]
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memRecorder) RecordTransition(_ context.Context, t Transition, res *stage.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[t.RunID]
	if !ok {
		return ErrRunNotFound
	}
	if cur := r.Stages[t.Stage]; cur != nil && cur.Outcome.Terminal() {
		return fmt.Errorf("stage %s already terminal", t.Stage)
	}
	t.Seq = int64(len(m.transitions[t.RunID]) + 1)
	m.transitions[t.RunID] = append(m.transitions[t.RunID], t)
	r.Stages[t.Stage] = res.Clone()
	return nil
}

func (m *memRecorder) FinishRun(_ context.Context, runID string, status Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status.Terminal() {
		return fmt.Errorf("run %s already terminal", runID)
	}
	r.Status = status
	r.FinishedAt = &at
	return nil
}

func (m *memRecorder) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r.Clone(), nil
}

func (m *memRecorder) log(runID string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions[runID]...)
}
