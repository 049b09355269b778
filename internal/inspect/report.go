// Package inspect renders the stored history of one pipeline run.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/rollout/internal/pipeline"
)

// outputTailLines bounds the stage output echoed in text reports.
const outputTailLines = 10

// Source is the run store surface the report reads.
type Source interface {
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)
	Transitions(ctx context.Context, runID string) ([]pipeline.Transition, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID       string                `json:"run_id"`
	Pipeline    string                `json:"pipeline"`
	BuildNumber int64                 `json:"build_number"`
	Fingerprint string                `json:"fingerprint"`
	Status      pipeline.Status       `json:"status"`
	Params      pipeline.Params       `json:"params"`
	CreatedAt   time.Time             `json:"created_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
	Workspace   string                `json:"workspace,omitempty"`
	Artifacts   []string              `json:"artifacts,omitempty"`
	Stages      []Stage               `json:"stages"`
	Transitions []pipeline.Transition `json:"transitions"`
}

// Stage is one stage result in definition order.
type Stage struct {
	Name       string `json:"name"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	ExitStatus *int   `json:"exit_status,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
	Output     string `json:"output,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run. workspaceRoot
// may be empty, in which case artifacts are not listed.
func BuildReport(ctx context.Context, src Source, workspaceRoot, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, workspaceRoot, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Pipeline    : %s #%d\n", report.Pipeline, report.BuildNumber)
	fmt.Fprintf(&out, "Fingerprint : %s\n", renderUnset(report.Fingerprint, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Target      : %s\n", renderUnset(report.Params.Target, "<none>"))
	fmt.Fprintf(&out, "Ref         : %s\n", renderUnset(report.Params.Ref, "<none>"))
	fmt.Fprintf(&out, "Tags        : %s\n", renderUnset(report.Params.Tags, pipeline.DefaultTags))
	fmt.Fprintf(&out, "Triggered by: %s\n", renderUnset(report.Params.TriggeredBy, "<unknown>"))
	fmt.Fprintf(&out, "Created     : %s\n", report.CreatedAt.Format(time.RFC3339))
	if report.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s (%s)\n", report.FinishedAt.Format(time.RFC3339),
			report.FinishedAt.Sub(report.CreatedAt).Round(time.Millisecond))
	}
	if report.Workspace != "" {
		fmt.Fprintf(&out, "Workspace   : %s\n", report.Workspace)
		if len(report.Artifacts) == 0 {
			fmt.Fprintf(&out, "Artifacts   : <none>\n")
		} else {
			fmt.Fprintf(&out, "Artifacts   :\n")
			for _, a := range report.Artifacts {
				fmt.Fprintf(&out, "  - %s\n", a)
			}
		}
	}
	fmt.Fprintf(&out, "\n")

	for i, st := range report.Stages {
		status := st.Outcome
		if st.Reason != "" {
			status += "/" + st.Reason
		}
		fmt.Fprintf(&out, "[%d] %s  %s\n", i+1, st.Name, status)
		if st.ExitStatus != nil {
			fmt.Fprintf(&out, "    exit       : %d\n", *st.ExitStatus)
		}
		if st.Attempts > 1 {
			fmt.Fprintf(&out, "    attempts   : %d\n", st.Attempts)
		}
		if st.DurationMS > 0 {
			fmt.Fprintf(&out, "    duration   : %s\n", time.Duration(st.DurationMS)*time.Millisecond)
		}
		if st.Error != "" {
			fmt.Fprintf(&out, "    error      : %s\n", st.Error)
		}
		if tail := tailLines(st.Output, outputTailLines); tail != "" {
			fmt.Fprintf(&out, "    output     :\n")
			for _, line := range strings.Split(tail, "\n") {
				fmt.Fprintf(&out, "      %s\n", line)
			}
		}
	}

	if len(report.Transitions) > 0 {
		fmt.Fprintf(&out, "\nTransitions\n")
		for _, t := range report.Transitions {
			reason := ""
			if t.Reason != "" {
				reason = " (" + string(t.Reason) + ")"
			}
			fmt.Fprintf(&out, "  %3d %s %-20s %s -> %s%s\n", t.Seq, t.At.Format("15:04:05.000"), t.Stage, t.From, t.To, reason)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src Source, workspaceRoot, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, workspaceRoot, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, workspaceRoot, runID string) (*Report, error) {
	run, err := src.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	transitions, err := src.Transitions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	if transitions == nil {
		transitions = []pipeline.Transition{}
	}

	report := &Report{
		RunID:       run.ID,
		Pipeline:    run.Pipeline,
		BuildNumber: run.BuildNumber,
		Fingerprint: run.Fingerprint,
		Status:      run.Status,
		Params:      run.Params,
		CreatedAt:   run.CreatedAt,
		FinishedAt:  run.FinishedAt,
		Stages:      make([]Stage, 0, len(run.Order)),
		Transitions: transitions,
	}

	for _, name := range run.Order {
		res, ok := run.Stages[name]
		if !ok {
			continue
		}
		st := Stage{
			Name:       name,
			Outcome:    string(res.Outcome),
			Reason:     string(res.Reason),
			ExitStatus: res.ExitStatus,
			Attempts:   res.Attempts,
			Error:      res.Error,
			Output:     res.Output,
		}
		if res.StartedAt != nil && res.EndedAt != nil {
			st.DurationMS = res.EndedAt.Sub(*res.StartedAt).Milliseconds()
		}
		report.Stages = append(report.Stages, st)
	}

	if workspaceRoot != "" {
		dir := filepath.Join(workspaceRoot, run.ID)
		artifacts, err := listArtifacts(dir)
		if err != nil {
			return nil, fmt.Errorf("list workspace %s: %w", dir, err)
		}
		if artifacts != nil {
			report.Workspace = dir
			report.Artifacts = artifacts
		}
	}
	return report, nil
}

// listArtifacts returns workspace files relative to dir. A missing
// workspace yields nil.
func listArtifacts(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func tailLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
