package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Filesystem types on which sqlite locking, flock(2) deploy locks and
// rename(2) symlink swaps cannot be trusted.
var networkFilesystems = []string{"afpfs", "cifs", "nfs", "smb2", "smbfs", "sshfs", "webdav"}

// NetworkFilesystemError reports a configured path on a network mount.
type NetworkFilesystemError struct {
	Field  string
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q; point %s at a local filesystem",
		e.Field, e.Path, e.FSType, e.Field)
}

// fsDetector returns the filesystem type holding an existing path.
type fsDetector func(path string) (string, error)

// RequireLocalFilesystem fails with *NetworkFilesystemError when path (or
// its nearest existing ancestor) is on a network mount. field names the
// config key in the error. Platforms that cannot tell pass.
func RequireLocalFilesystem(path, field string) error {
	return checkLocal(path, field, detectFilesystemType)
}

// RequireLocalFilesystems applies RequireLocalFilesystem to each field→path
// entry, returning every failure joined. Empty paths are skipped.
func RequireLocalFilesystems(paths map[string]string) error {
	fields := make([]string, 0, len(paths))
	for field := range paths {
		fields = append(fields, field)
	}
	slices.Sort(fields)

	var errs []error
	for _, field := range fields {
		if paths[field] == "" {
			continue
		}
		if err := checkLocal(paths[field], field, detectFilesystemType); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkLocal(path, field string, detect fsDetector) error {
	if path == "" {
		return fmt.Errorf("%s is empty", field)
	}
	existing, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve %s %q: %w", field, path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return nil
	}
	fsType = strings.ToLower(strings.TrimSpace(fsType))
	if slices.Contains(networkFilesystems, fsType) {
		return &NetworkFilesystemError{Field: field, Path: path, FSType: fsType}
	}
	return nil
}

// existingAncestor walks up from path to the first component that exists,
// since state and deploy directories are often created on first use.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(dir)
		switch {
		case err == nil:
			return dir, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor")
		}
		dir = parent
	}
}
