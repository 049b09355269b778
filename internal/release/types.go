package release

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Metadata identifies an artifact at publish time.
type Metadata struct {
	App      string
	Commit   string
	Build    int64
	Filename string
}

// Release is an immutable, published build artifact.
type Release struct {
	ID        string    `json:"id"`
	App       string    `json:"app"`
	Commit    string    `json:"commit"`
	Build     int64     `json:"build"`
	Filename  string    `json:"filename"`
	Checksum  string    `json:"checksum"`
	Size      int64     `json:"size"`
	BlobKey   string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ID builds the release identifier for (commit, build).
func ID(commit string, build int64) string {
	return fmt.Sprintf("%s-%d", commit, build)
}

// ConflictError reports a re-publish of an existing identifier with different
// content.
type ConflictError struct {
	ID       string
	Existing string
	Incoming string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("release %s already published with checksum %s (got %s)", e.ID, e.Existing, e.Incoming)
}

// NotFoundError reports a release that was never published or was evicted.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("release %s not found", e.ID)
}

// ErrIntegrity is returned by Fetch when the downloaded bytes do not match the
// recorded checksum.
var ErrIntegrity = errors.New("artifact checksum mismatch")

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ArtifactHandle is a verified local copy of a release artifact. Close removes
// the copy.
type ArtifactHandle struct {
	Release Release
	path    string
}

// Path is the local file holding the artifact bytes.
func (h *ArtifactHandle) Path() string { return h.path }

// Open opens the local copy for reading.
func (h *ArtifactHandle) Open() (*os.File, error) {
	return os.Open(h.path)
}

func (h *ArtifactHandle) Close() error {
	if h == nil || h.path == "" {
		return nil
	}
	err := os.Remove(h.path)
	h.path = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
