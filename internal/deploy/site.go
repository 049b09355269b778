package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/rollout/internal/log"
	"github.com/mattjoyce/rollout/internal/stage"
	"github.com/mattjoyce/rollout/internal/target"
)

// Site is where release directories live and where `current` points. All
// methods act on one host.
type Site interface {
	// Stage unpacks artifact into a new release directory named dir. An
	// existing directory is an error and is left untouched.
	Stage(ctx context.Context, host target.Host, dir, artifact, filename string) error
	// Current returns the release directory `current` points at, or "".
	Current(host target.Host) (string, error)
	// Switch repoints `current` at dir atomically; dir "" removes the link.
	Switch(host target.Host, dir string) error
	// Remove deletes a release directory. The current one is refused.
	Remove(host target.Host, dir string) error
	// Reload tells the served process to pick up `current`.
	Reload(ctx context.Context, host target.Host) error
}

// Reloader restarts or signals the served process on one host.
type Reloader interface {
	Reload(ctx context.Context, host target.Host, currentPath string) error
}

// CommandReloader runs a local command per host, e.g. a process-manager
// reload or a remote ssh wrapper. Host identity is passed in the
// environment. An empty Command is a no-op.
type CommandReloader struct {
	Command string
	Grace   time.Duration
}

func (r *CommandReloader) Reload(ctx context.Context, host target.Host, currentPath string) error {
	if r == nil || strings.TrimSpace(r.Command) == "" {
		return nil
	}
	var out strings.Builder
	err := stage.RunCommand(ctx, stage.Command{
		Path: "/bin/sh",
		Args: []string{"-c", r.Command},
		Env: []string{
			"ROLLOUT_HOST=" + host.Name,
			"ROLLOUT_HOST_ADDRESS=" + host.Address,
			"ROLLOUT_CURRENT=" + currentPath,
		},
	}, &limitedWriter{w: &out, n: 4096}, r.Grace, log.WithComponent("deploy"))
	if err != nil {
		return fmt.Errorf("reload: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// LocalSite lays hosts out under Root:
//
//	<root>/<host>/releases/<release-dir>/...
//	<root>/<host>/current -> releases/<release-dir>
type LocalSite struct {
	Root     string
	Reloader Reloader
}

func (s *LocalSite) hostRoot(host target.Host) (string, error) {
	if host.Name == "" || strings.ContainsAny(host.Name, `/\`) || host.Name == "." || host.Name == ".." {
		return "", fmt.Errorf("invalid host name %q", host.Name)
	}
	return filepath.Join(s.Root, host.Name), nil
}

func (s *LocalSite) releaseDir(host target.Host, dir string) (string, error) {
	if dir == "" || strings.ContainsAny(dir, `/\`) || dir == "." || dir == ".." {
		return "", fmt.Errorf("invalid release directory %q", dir)
	}
	root, err := s.hostRoot(host)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "releases", dir), nil
}

// CurrentPath is the path of the `current` link for host.
func (s *LocalSite) CurrentPath(host target.Host) (string, error) {
	root, err := s.hostRoot(host)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "current"), nil
}

func (s *LocalSite) Stage(ctx context.Context, host target.Host, dir, artifact, filename string) error {
	path, err := s.releaseDir(host, dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create releases directory: %w", err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("release directory %s already exists", path)
		}
		return fmt.Errorf("create release directory: %w", err)
	}
	if err := unpack(ctx, artifact, filename, path); err != nil {
		_ = os.RemoveAll(path)
		return err
	}
	return nil
}

func (s *LocalSite) Current(host target.Host) (string, error) {
	link, err := s.CurrentPath(host)
	if err != nil {
		return "", err
	}
	dest, err := os.Readlink(link)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current link: %w", err)
	}
	return filepath.Base(dest), nil
}

func (s *LocalSite) Switch(host target.Host, dir string) error {
	link, err := s.CurrentPath(host)
	if err != nil {
		return err
	}
	if dir == "" {
		if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove current link: %w", err)
		}
		return nil
	}
	path, err := s.releaseDir(host, dir)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("release directory %s: %w", dir, err)
	}

	// Build the new link beside `current` and rename it into place; readers
	// see either the old or the new target, never a missing link.
	tmp := filepath.Join(filepath.Dir(link), ".current-"+uuid.NewString())
	if err := os.Symlink(filepath.Join("releases", dir), tmp); err != nil {
		return fmt.Errorf("create temp link: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap current link: %w", err)
	}
	return nil
}

func (s *LocalSite) Remove(host target.Host, dir string) error {
	path, err := s.releaseDir(host, dir)
	if err != nil {
		return err
	}
	cur, err := s.Current(host)
	if err != nil {
		return err
	}
	if cur == dir {
		return fmt.Errorf("refusing to remove current release directory %s", dir)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove release directory: %w", err)
	}
	return nil
}

func (s *LocalSite) Reload(ctx context.Context, host target.Host) error {
	if s.Reloader == nil {
		return nil
	}
	link, err := s.CurrentPath(host)
	if err != nil {
		return err
	}
	return s.Reloader.Reload(ctx, host, link)
}

// limitedWriter keeps the first n bytes.
type limitedWriter struct {
	w interface{ WriteString(string) (int, error) }
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		chunk := p
		if len(chunk) > l.n {
			chunk = chunk[:l.n]
		}
		_, _ = l.w.WriteString(string(chunk))
		l.n -= len(chunk)
	}
	return len(p), nil
}
