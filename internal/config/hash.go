package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the per-directory integrity manifest written by
// `rollout config lock`.
const ChecksumFile = ".checksums"

// ChecksumManifest maps base file names to BLAKE3 hex digests.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockReport summarizes one `config lock` run.
type LockReport struct {
	Manifests []string
	Files     []LockedFile
}

// LockedFile is one hashed file.
type LockedFile struct {
	Path string
	Hash string
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actual, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("compute hash: %w", err)
	}
	if actual != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actual)
	}
	return nil
}

// Lock hashes every file of the config tree at configPath (includes and
// pipeline files too) and writes one manifest per directory. With dryRun
// the hashes are computed and reported but nothing is written.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	cfg, err := load(configPath, false)
	if err != nil {
		return nil, err
	}
	files, err := cfg.AllFiles()
	if err != nil {
		return nil, err
	}

	byDir := make(map[string][]string)
	for _, f := range files {
		byDir[filepath.Dir(f)] = append(byDir[filepath.Dir(f)], f)
	}

	report := &LockReport{}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, dir := range sortedKeys(byDir) {
		manifest := ChecksumManifest{Version: 1, GeneratedAt: now, Hashes: make(map[string]string)}
		for _, f := range byDir[dir] {
			h, err := ComputeBlake3Hash(f)
			if err != nil {
				return nil, fmt.Errorf("hash %s: %w", f, err)
			}
			manifest.Hashes[filepath.Base(f)] = h
			report.Files = append(report.Files, LockedFile{Path: f, Hash: h})
		}
		path := filepath.Join(dir, ChecksumFile)
		report.Manifests = append(report.Manifests, path)
		if dryRun {
			continue
		}
		data, err := yaml.Marshal(manifest)
		if err != nil {
			return nil, fmt.Errorf("marshal checksums: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write checksums: %w", err)
		}
	}
	sort.Slice(report.Files, func(i, j int) bool { return report.Files[i].Path < report.Files[j].Path })
	return report, nil
}

// LoadChecksums reads the manifest in dir. A missing manifest wraps
// fs.ErrNotExist.
func LoadChecksums(dir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ChecksumFile))
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}
	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyAllConfigHashes checks each file against the manifest of its
// directory. Directories without a manifest are not verified; a directory
// with one must list every config file it holds.
func verifyAllConfigHashes(paths []string) error {
	byDir := make(map[string][]string)
	for _, p := range paths {
		byDir[filepath.Dir(p)] = append(byDir[filepath.Dir(p)], p)
	}

	for _, dir := range sortedKeys(byDir) {
		manifest, err := LoadChecksums(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		for _, path := range byDir[dir] {
			name := filepath.Base(path)
			expected, ok := manifest.Hashes[name]
			if !ok {
				return fmt.Errorf("config file %s has no hash in %s\n"+
					"Run: rollout config lock --config %s", name, filepath.Join(dir, ChecksumFile), dir)
			}
			if err := VerifyFileHash(path, expected); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: rollout config lock", path, err)
			}
		}
	}
	return nil
}
