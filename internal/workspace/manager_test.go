package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return mgr
}

func TestManagerCreateAndOpen(t *testing.T) {
	mgr := newTestManager(t)

	dir, err := mgr.Create(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if want := filepath.Join(mgr.Root(), "run-a"); dir != want {
		t.Fatalf("Create() dir = %q, want %q", dir, want)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("workspace is not a directory: %v", err)
	}

	opened, err := mgr.Open(context.Background(), "run-a")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != dir {
		t.Fatalf("Open() = %q, want %q", opened, dir)
	}

	if _, err := mgr.Create(context.Background(), "run-a"); err == nil {
		t.Fatalf("Create() of an existing workspace should fail")
	}
	if _, err := mgr.Open(context.Background(), "run-missing"); err == nil {
		t.Fatalf("Open() of a missing workspace should fail")
	}
}

func TestManagerRejectsUnsafeRunIDs(t *testing.T) {
	mgr := newTestManager(t)
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, "../escape", " pad"} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Errorf("Create(%q) should fail", id)
		}
	}
}

func TestManagerRemove(t *testing.T) {
	mgr := newTestManager(t)
	dir, err := mgr.Create(context.Background(), "run-r")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "artifact.tgz"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := mgr.Remove(context.Background(), "run-r"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
	if err := mgr.Remove(context.Background(), "run-r"); err != nil {
		t.Fatalf("Remove() of a missing workspace error = %v", err)
	}
}

func TestManagerCleanup(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	oldDir, err := mgr.Create(ctx, "run-old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	activeDir, err := mgr.Create(ctx, "run-active")
	if err != nil {
		t.Fatalf("Create(active) error = %v", err)
	}
	newDir, err := mgr.Create(ctx, "run-new")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, d := range []string{oldDir, activeDir} {
		if err := os.Chtimes(d, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	report, err := mgr.Cleanup(ctx, 24*time.Hour, "run-active")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 || report.Kept != 2 {
		t.Fatalf("Cleanup() report = %+v, want 1 deleted and 2 kept", report)
	}
	if _, err := os.Stat(oldDir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	for _, d := range []string{activeDir, newDir} {
		if _, err := os.Stat(d); err != nil {
			t.Fatalf("workspace %s should still exist, err = %v", d, err)
		}
	}

	if _, err := mgr.Cleanup(ctx, 0); err == nil {
		t.Fatalf("Cleanup(0) should fail")
	}
}

func TestManagerCleanupMissingRoot(t *testing.T) {
	mgr := newTestManager(t)
	report, err := mgr.Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 0 {
		t.Fatalf("Cleanup() deleted = %d, want 0", report.DeletedDirs)
	}
}
