package release

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rollout/internal/credentials"
	"github.com/mattjoyce/rollout/internal/storage"
)

// fakeRepository mimics a raw artifact repository.
type fakeRepository struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	user   string
	pass   string
	status int
}

func (f *fakeRepository) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u, p, ok := r.BasicAuth()
	if !ok || u != f.user || p != f.pass {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.status != 0 {
		http.Error(w, "repository unavailable", f.status)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.blobs[r.URL.Path] = b
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		b, ok := f.blobs[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(b)
	case http.MethodDelete:
		delete(f.blobs, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}
}

func newHTTPStore(t *testing.T, repo *fakeRepository, creds credentials.Credentials) *Store {
	t.Helper()
	srv := httptest.NewServer(repo)
	t.Cleanup(srv.Close)

	backend, err := NewHTTPBackend(srv.URL, "releases", creds, srv.Client())
	require.NoError(t, err)

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, backend, t.TempDir())
}

func TestHTTPBackendPublishFetch(t *testing.T) {
	repo := &fakeRepository{blobs: map[string][]byte{}, user: "ci", pass: "pw"}
	s := newHTTPStore(t, repo, credentials.Credentials{Username: "ci", Password: "pw"})
	ctx := context.Background()

	rel, err := s.Publish(ctx, strings.NewReader("tarball"), meta("deadbeef", 42))
	require.NoError(t, err)
	assert.Equal(t, "releases/webapp/deadbeef/42/webapp.tar.gz", rel.BlobKey)
	_, stored := repo.blobs["/releases/webapp/deadbeef/42/webapp.tar.gz"]
	assert.True(t, stored)

	h, err := s.Fetch(ctx, rel.ID)
	require.NoError(t, err)
	defer h.Close()
	assert.Equal(t, rel.Checksum, h.Release.Checksum)
}

func TestHTTPBackendNon2xxIsFailure(t *testing.T) {
	repo := &fakeRepository{blobs: map[string][]byte{}, user: "ci", pass: "pw", status: http.StatusBadGateway}
	s := newHTTPStore(t, repo, credentials.Credentials{Username: "ci", Password: "pw"})

	_, err := s.Publish(context.Background(), strings.NewReader("x"), meta("abc", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")

	ok, err := s.Exists(context.Background(), "abc-1")
	require.NoError(t, err)
	assert.False(t, ok, "failed upload leaves no record")
}

func TestHTTPBackendRejectsBadCredentials(t *testing.T) {
	repo := &fakeRepository{blobs: map[string][]byte{}, user: "ci", pass: "pw"}
	s := newHTTPStore(t, repo, credentials.Credentials{Username: "ci", Password: "wrong"})

	_, err := s.Publish(context.Background(), strings.NewReader("x"), meta("abc", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestHTTPBackendGet404(t *testing.T) {
	repo := &fakeRepository{blobs: map[string][]byte{}, user: "ci", pass: "pw"}
	srv := httptest.NewServer(repo)
	defer srv.Close()

	b, err := NewHTTPBackend(srv.URL, "releases", credentials.Credentials{Username: "ci", Password: "pw"}, nil)
	require.NoError(t, err)
	_, err = b.Get(context.Background(), "releases/x/y/1/z")
	assert.True(t, errors.Is(err, ErrBlobNotFound))
	assert.NoError(t, b.Delete(context.Background(), "releases/x/y/1/z"))
}

func TestNewHTTPBackendValidates(t *testing.T) {
	_, err := NewHTTPBackend("not a url", "r", credentials.Credentials{}, nil)
	assert.Error(t, err)
	_, err = NewHTTPBackend("https://nexus.example.com", " ", credentials.Credentials{}, nil)
	assert.Error(t, err)
}
