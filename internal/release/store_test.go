package release

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rollout/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *FSBackend, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	blobs := filepath.Join(dir, "blobs")
	backend, err := NewFSBackend(blobs)
	require.NoError(t, err)
	return NewStore(db, backend, t.TempDir()), backend, blobs
}

func meta(commit string, build int64) Metadata {
	return Metadata{App: "webapp", Commit: commit, Build: build, Filename: "webapp.tar.gz"}
}

func countBlobs(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func TestPublishAndFetch(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rel, err := s.Publish(ctx, strings.NewReader("payload-v1"), meta("abc123", 7))
	require.NoError(t, err)
	assert.Equal(t, "abc123-7", rel.ID)
	assert.Equal(t, Checksum([]byte("payload-v1")), rel.Checksum)
	assert.Equal(t, int64(len("payload-v1")), rel.Size)

	ok, err := s.Exists(ctx, rel.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	h, err := s.Fetch(ctx, rel.ID)
	require.NoError(t, err)
	data, err := os.ReadFile(h.Path())
	require.NoError(t, err)
	assert.Equal(t, "payload-v1", string(data))

	local := h.Path()
	require.NoError(t, h.Close())
	_, err = os.Stat(local)
	assert.True(t, errors.Is(err, os.ErrNotExist), "Close removes the local copy")
}

func TestPublishIsIdempotentOnMatchingChecksum(t *testing.T) {
	s, _, blobs := newTestStore(t)
	ctx := context.Background()

	first, err := s.Publish(ctx, strings.NewReader("same-bytes"), meta("abc", 1))
	require.NoError(t, err)
	second, err := s.Publish(ctx, strings.NewReader("same-bytes"), meta("abc", 1))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "no new record is written")
	assert.Equal(t, 1, countBlobs(t, blobs))

	all, err := s.List(ctx, "webapp", 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestPublishConflictOnDifferentChecksum(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, strings.NewReader("one"), meta("abc", 1))
	require.NoError(t, err)

	_, err = s.Publish(ctx, strings.NewReader("two"), meta("abc", 1))
	var ce *ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, "abc-1", ce.ID)
	assert.Equal(t, Checksum([]byte("one")), ce.Existing)
	assert.Equal(t, Checksum([]byte("two")), ce.Incoming)
}

func TestIdenticalContentSharesBlob(t *testing.T) {
	s, _, blobs := newTestStore(t)
	ctx := context.Background()

	_, err := s.Publish(ctx, strings.NewReader("shared"), meta("aaa", 1))
	require.NoError(t, err)
	_, err = s.Publish(ctx, strings.NewReader("shared"), meta("bbb", 2))
	require.NoError(t, err)
	assert.Equal(t, 1, countBlobs(t, blobs))
}

func TestFetchNotFound(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Fetch(context.Background(), "nope-1")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "nope-1", nf.ID)
	assert.True(t, IsNotFound(err))
}

func TestFetchMissingBlobIsNotFound(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx := context.Background()

	rel, err := s.Publish(ctx, strings.NewReader("x"), meta("abc", 1))
	require.NoError(t, err)
	require.NoError(t, backend.Delete(ctx, rel.BlobKey))

	_, err = s.Fetch(ctx, rel.ID)
	assert.True(t, IsNotFound(err), "got %v", err)
}

func TestFetchDetectsCorruption(t *testing.T) {
	s, _, blobs := newTestStore(t)
	ctx := context.Background()

	rel, err := s.Publish(ctx, strings.NewReader("original"), meta("abc", 1))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(blobs, filepath.FromSlash(rel.BlobKey)), []byte("tampered"), 0o644))

	_, err = s.Fetch(ctx, rel.ID)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestPublishValidatesMetadata(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	bad := []Metadata{
		{Commit: "abc", Build: 1, Filename: "a.tgz"},
		{App: "w", Build: 1, Filename: "a.tgz"},
		{App: "w", Commit: "a/b", Build: 1, Filename: "a.tgz"},
		{App: "w", Commit: "abc", Build: 0, Filename: "a.tgz"},
		{App: "w", Commit: "abc", Build: 1, Filename: "../a.tgz"},
	}
	for _, m := range bad {
		_, err := s.Publish(ctx, bytes.NewReader(nil), m)
		assert.Error(t, err, "%+v", m)
	}
}

func TestPruneKeepsNewestAndProtected(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := int64(1); i <= 4; i++ {
		i := i
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		rel, err := s.Publish(ctx, strings.NewReader("build-"+string(rune('0'+i))), meta("c", i))
		require.NoError(t, err)
		ids = append(ids, rel.ID)
	}

	evicted, err := s.Prune(ctx, 2, func(id string) bool { return id == ids[0] })
	require.NoError(t, err)
	assert.Equal(t, []string{ids[1]}, evicted)

	for _, id := range []string{ids[0], ids[2], ids[3]} {
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	_, err = s.Fetch(ctx, ids[1])
	assert.True(t, IsNotFound(err))

	_, err = s.Prune(ctx, 0, nil)
	assert.Error(t, err)
}

func TestArtifactHandleOpen(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	rel, err := s.Publish(ctx, strings.NewReader("stream me"), meta("abc", 3))
	require.NoError(t, err)
	h, err := s.Fetch(ctx, rel.ID)
	require.NoError(t, err)
	defer h.Close()

	f, err := h.Open()
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "stream me", string(b))
	assert.Equal(t, rel.ID, h.Release.ID)
}
