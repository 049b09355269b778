package config

import (
	"path/filepath"
	"testing"
)

func TestDiscoverPriority(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfigDir, "")
	systemConfigDir = filepath.Join(t.TempDir(), "etc-rollout")
	t.Cleanup(func() { systemConfigDir = "/etc/rollout" })
	t.Chdir(t.TempDir())

	if _, err := Discover(""); err == nil {
		t.Fatal("Discover() with nothing present should fail")
	}

	writeFile(t, filepath.Join(systemConfigDir, "config.yaml"), "{}\n")
	if got, err := Discover(""); err != nil || got != systemConfigDir {
		t.Fatalf("Discover() = %q, %v; want system dir", got, err)
	}

	userDir := filepath.Join(home, ".config", "rollout")
	writeFile(t, filepath.Join(userDir, "config.yaml"), "{}\n")
	if got, err := Discover(""); err != nil || got != userDir {
		t.Fatalf("Discover() = %q, %v; want user dir", got, err)
	}

	envDir := t.TempDir()
	writeFile(t, filepath.Join(envDir, "config.yaml"), "{}\n")
	t.Setenv(EnvConfigDir, envDir)
	if got, err := Discover(""); err != nil || got != envDir {
		t.Fatalf("Discover() = %q, %v; want env dir", got, err)
	}

	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, explicit, "{}\n")
	if got, err := Discover(explicit); err != nil || got != explicit {
		t.Fatalf("Discover(explicit) = %q, %v", got, err)
	}
	if _, err := Discover(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Discover() of a missing explicit path should fail")
	}
}

func TestDiscoverWorkingDirectoryFallback(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvConfigDir, "")
	systemConfigDir = filepath.Join(t.TempDir(), "none")
	t.Cleanup(func() { systemConfigDir = "/etc/rollout" })
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, filepath.Join(dir, "config.yaml"), "{}\n")

	got, err := Discover("")
	if err != nil || got != "config.yaml" {
		t.Fatalf("Discover() = %q, %v; want ./config.yaml", got, err)
	}
}
