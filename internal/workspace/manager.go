// Package workspace owns the per-run scratch directories stages execute in.
//
// The run store records only run IDs; absolute paths are derived here so the
// workspace root can move without rewriting history.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupReport summarizes a cleanup pass.
type CleanupReport struct {
	DeletedDirs int
	Kept        int
}

// Manager creates, resolves and expires run workspaces under one root.
type Manager struct {
	baseDir string
	now     func() time.Time
}

// NewManager returns a filesystem-backed manager rooted at baseDir.
func NewManager(baseDir string) (*Manager, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	return &Manager{
		baseDir: filepath.Clean(trimmed),
		now:     time.Now,
	}, nil
}

// Root is the directory holding every run workspace.
func (m *Manager) Root() string { return m.baseDir }

// Create makes a fresh, empty workspace for runID and returns its path. A
// workspace that already exists is an error.
func (m *Manager) Create(ctx context.Context, runID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := m.path(runID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace base directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace for run %q: %w", runID, err)
	}
	return path, nil
}

// Open resolves the existing workspace for runID.
func (m *Manager) Open(ctx context.Context, runID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := m.path(runID)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("open workspace for run %q: %w", runID, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace path for run %q is not a directory", runID)
	}
	return path, nil
}

// Remove deletes the workspace for runID. A missing workspace is not an error.
func (m *Manager) Remove(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := m.path(runID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace for run %q: %w", runID, err)
	}
	return nil
}

// Cleanup removes workspaces whose modification time is older than
// olderThan. IDs listed in active are kept regardless of age.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration, active ...string) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(m.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	keep := make(map[string]struct{}, len(active))
	for _, id := range active {
		keep[id] = struct{}{}
	}
	cutoff := m.now().Add(-olderThan)
	var report CleanupReport

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, ok := keep[entry.Name()]; ok {
			report.Kept++
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read workspace entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			report.Kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.baseDir, entry.Name())); err != nil {
			return report, fmt.Errorf("remove workspace %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

func (m *Manager) path(runID string) (string, error) {
	if err := validateRunID(runID); err != nil {
		return "", err
	}
	return filepath.Join(m.baseDir, runID), nil
}

func validateRunID(runID string) error {
	trimmed := strings.TrimSpace(runID)
	switch {
	case trimmed == "":
		return fmt.Errorf("run ID is empty")
	case trimmed != runID:
		return fmt.Errorf("run ID %q has surrounding whitespace", runID)
	case trimmed == "." || trimmed == "..":
		return fmt.Errorf("run ID %q is invalid", runID)
	case strings.ContainsAny(trimmed, `/\`):
		return fmt.Errorf("run ID %q must not contain path separators", runID)
	case filepath.Clean(trimmed) != trimmed:
		return fmt.Errorf("run ID %q is invalid", runID)
	}
	return nil
}
