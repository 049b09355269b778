// Package release tracks immutable, content-addressed build artifacts.
package release

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/storage"
)

const checksumPrefix = "blake3:"

// Store publishes and fetches releases. Metadata lives in SQLite, bytes in a
// Backend.
type Store struct {
	db      *sql.DB
	backend Backend
	tmpDir  string
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore creates a Store. tmpDir holds spooled uploads and fetched copies;
// empty means os.TempDir().
func NewStore(db *sql.DB, backend Backend, tmpDir string) *Store {
	return &Store{
		db:      db,
		backend: backend,
		tmpDir:  tmpDir,
		now:     time.Now,
		logger:  log.WithComponent("release"),
	}
}

// Publish stores artifact under (meta.Commit, meta.Build). Publishing the same
// identifier with identical bytes is a no-op returning the existing release;
// different bytes yield a *ConflictError.
func (s *Store) Publish(ctx context.Context, artifact io.Reader, meta Metadata) (*Release, error) {
	if err := validateMetadata(meta); err != nil {
		return nil, err
	}
	id := ID(meta.Commit, meta.Build)

	spool, checksum, size, err := s.spool(artifact)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(spool) }()

	existing, err := s.Get(ctx, id)
	switch {
	case err == nil:
		return sameOrConflict(existing, checksum)
	case !IsNotFound(err):
		return nil, err
	}

	key := s.backend.Key(meta, checksum)
	f, err := os.Open(spool)
	if err != nil {
		return nil, fmt.Errorf("reopen spooled artifact: %w", err)
	}
	err = s.backend.Put(ctx, key, f, size)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("upload artifact %s: %w", id, err)
	}

	rel := &Release{
		ID:        id,
		App:       meta.App,
		Commit:    meta.Commit,
		Build:     meta.Build,
		Filename:  meta.Filename,
		Checksum:  checksum,
		Size:      size,
		BlobKey:   key,
		CreatedAt: s.now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO releases(id, app, commit_id, build, filename, checksum, size, blob_key, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rel.ID, rel.App, rel.Commit, rel.Build, rel.Filename, rel.Checksum, rel.Size, rel.BlobKey, storage.FormatTime(rel.CreatedAt))
	if err != nil {
		// A concurrent publisher may have won the insert.
		if existing, gerr := s.Get(ctx, id); gerr == nil {
			return sameOrConflict(existing, checksum)
		}
		return nil, fmt.Errorf("record release %s: %w", id, err)
	}

	s.logger.Info("release published", "release_id", id, "checksum", checksum, "size", size)
	return rel, nil
}

func sameOrConflict(existing *Release, checksum string) (*Release, error) {
	if existing.Checksum != checksum {
		return nil, &ConflictError{ID: existing.ID, Existing: existing.Checksum, Incoming: checksum}
	}
	return existing, nil
}

// Fetch downloads the artifact for id into a local file and verifies its
// checksum. The caller must Close the handle.
func (s *Store) Fetch(ctx context.Context, id string) (*ArtifactHandle, error) {
	rel, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rc, err := s.backend.Get(ctx, rel.BlobKey)
	if errors.Is(err, ErrBlobNotFound) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", id, err)
	}
	defer rc.Close()

	local, checksum, _, err := s.spoolFrom(rc)
	if err != nil {
		return nil, fmt.Errorf("download artifact %s: %w", id, err)
	}
	if checksum != rel.Checksum {
		_ = os.Remove(local)
		return nil, fmt.Errorf("release %s: %w (want %s, got %s)", id, ErrIntegrity, rel.Checksum, checksum)
	}
	return &ArtifactHandle{Release: *rel, path: local}, nil
}

// Exists reports whether id has been published and not evicted.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM releases WHERE id = ?;`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("check release %s: %w", id, err)
	}
	return n > 0, nil
}

// Get returns release metadata without touching the backend.
func (s *Store) Get(ctx context.Context, id string) (*Release, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, app, commit_id, build, filename, checksum, size, blob_key, created_at
FROM releases WHERE id = ?;
`, id)
	rel, err := scanRelease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load release %s: %w", id, err)
	}
	return rel, nil
}

// List returns releases for app, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, app string, limit int) ([]*Release, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, app, commit_id, build, filename, checksum, size, blob_key, created_at
FROM releases WHERE app = ?
ORDER BY created_at DESC, build DESC
LIMIT ?;
`, app, limit)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var out []*Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan release: %w", err)
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep releases of every app and evicts the rest,
// except those protect reports as in use. Evicted releases Fetch as
// NotFoundError afterwards.
func (s *Store) Prune(ctx context.Context, keep int, protect func(id string) bool) ([]string, error) {
	if keep <= 0 {
		return nil, fmt.Errorf("keep must be positive")
	}

	apps, err := s.apps(ctx)
	if err != nil {
		return nil, err
	}

	var evicted []string
	for _, app := range apps {
		rels, err := s.List(ctx, app, 0)
		if err != nil {
			return evicted, err
		}
		for i, rel := range rels {
			if i < keep || (protect != nil && protect(rel.ID)) {
				continue
			}
			if err := s.evict(ctx, rel); err != nil {
				return evicted, err
			}
			evicted = append(evicted, rel.ID)
		}
	}
	if len(evicted) > 0 {
		s.logger.Info("releases pruned", "count", len(evicted), "keep", keep)
	}
	return evicted, nil
}

func (s *Store) apps(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT app FROM releases ORDER BY app;`)
	if err != nil {
		return nil, fmt.Errorf("list release apps: %w", err)
	}
	defer rows.Close()
	var apps []string
	for rows.Next() {
		var app string
		if err := rows.Scan(&app); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (s *Store) evict(ctx context.Context, rel *Release) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM releases WHERE id = ?;`, rel.ID); err != nil {
		return fmt.Errorf("delete release %s: %w", rel.ID, err)
	}
	// Content-addressed blobs may be shared with another release.
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM releases WHERE blob_key = ?;`, rel.BlobKey).Scan(&refs); err != nil {
		return fmt.Errorf("count blob references: %w", err)
	}
	if refs > 0 {
		return nil
	}
	if err := s.backend.Delete(ctx, rel.BlobKey); err != nil {
		s.logger.Warn("failed to delete evicted blob", "release_id", rel.ID, "error", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(row rowScanner) (*Release, error) {
	var (
		rel       Release
		createdAt string
	)
	if err := row.Scan(&rel.ID, &rel.App, &rel.Commit, &rel.Build, &rel.Filename, &rel.Checksum, &rel.Size, &rel.BlobKey, &createdAt); err != nil {
		return nil, err
	}
	rel.CreatedAt = storage.ParseTime(createdAt)
	return &rel, nil
}

func validateMetadata(meta Metadata) error {
	switch {
	case strings.TrimSpace(meta.App) == "":
		return fmt.Errorf("release app is empty")
	case strings.TrimSpace(meta.Commit) == "":
		return fmt.Errorf("release commit is empty")
	case strings.ContainsAny(meta.Commit, "/\\ "):
		return fmt.Errorf("release commit %q contains invalid characters", meta.Commit)
	case meta.Build <= 0:
		return fmt.Errorf("release build number must be positive")
	case meta.Filename == "" || meta.Filename != filepath.Base(meta.Filename) || meta.Filename == "." || meta.Filename == "..":
		return fmt.Errorf("release filename %q must be a plain file name", meta.Filename)
	}
	return nil
}

// spool copies r into a temp file, returning its path, checksum and size.
func (s *Store) spool(r io.Reader) (string, string, int64, error) {
	p, sum, n, err := s.spoolFrom(r)
	if err != nil {
		return "", "", 0, fmt.Errorf("spool artifact: %w", err)
	}
	return p, sum, n, nil
}

func (s *Store) spoolFrom(r io.Reader) (string, string, int64, error) {
	f, err := os.CreateTemp(s.tmpDir, "rollout-artifact-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("create temp file: %w", err)
	}
	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", "", 0, err
	}
	return f.Name(), checksumPrefix + hex.EncodeToString(h.Sum(nil)), n, nil
}

// Checksum computes the release checksum for data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:])
}
