package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func lockFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "include: [inventory.yaml]\n")
	writeFile(t, filepath.Join(dir, "inventory.yaml"), inventoryYAML)
	writeFile(t, filepath.Join(dir, "pipelines", "webapp.yaml"), `
pipelines:
  - name: webapp
    stages:
      - {name: build, action: shell}
`)
	return dir
}

func TestLockDryRunWritesNothing(t *testing.T) {
	dir := lockFixture(t)

	report, err := Lock(dir, true)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if len(report.Files) != 3 || len(report.Manifests) != 2 {
		t.Fatalf("report = %+v, want 3 files in 2 manifests", report)
	}
	for _, m := range report.Manifests {
		if _, err := os.Stat(m); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist after a dry run", m)
		}
	}
}

func TestLockThenVerify(t *testing.T) {
	dir := lockFixture(t)

	if _, err := Lock(dir, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() error = %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("root manifest has %d hashes, want 2", len(manifest.Hashes))
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() of a locked tree error = %v", err)
	}

	// Tampering with a pipeline file is caught on the next load.
	writeFile(t, filepath.Join(dir, "pipelines", "webapp.yaml"), "pipelines: []\n")
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}

	// Re-locking authorizes the edit.
	if _, err := Lock(dir, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("Load() after relock error = %v", err)
	}
}

func TestVerifyRejectsUnlistedFile(t *testing.T) {
	dir := lockFixture(t)
	if _, err := Lock(dir, false); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	writeFile(t, filepath.Join(dir, "config.yaml"), "include: [inventory.yaml, more.yaml]\n")
	writeFile(t, filepath.Join(dir, "more.yaml"), "service: {log_level: warn}\n")

	_, err := Load(dir)
	if err == nil {
		t.Fatal("Load() should fail")
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.yaml")
	writeFile(t, path, "a: 1\n")
	h, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 64 {
		t.Fatalf("hash length = %d, want 64", len(h))
	}
	if err := VerifyFileHash(path, h); err != nil {
		t.Fatalf("VerifyFileHash() error = %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Fatal("VerifyFileHash() should fail for a wrong hash")
	}
}
