package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/mattjoyce/rollout/internal/credentials"
	"github.com/mattjoyce/rollout/internal/stage"
)

// CheckoutError reports that the source could not be obtained at the
// requested ref.
type CheckoutError struct {
	Repo string
	Ref  string
	Err  error
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("checkout %s at %q: %v", e.Repo, e.Ref, e.Err)
}

func (e *CheckoutError) Unwrap() error { return e.Err }

// Checkout clones (or refreshes) With["repo"] into the workspace and checks
// out the run ref. The resolved commit hash is stored under stage.ValueCommit.
type Checkout struct {
	Auth credentials.Credentials
}

func (c *Checkout) Run(ctx context.Context, sc *stage.Context, spec stage.Spec, out io.Writer) error {
	repoURL, err := spec.RequireArg("repo")
	if err != nil {
		return err
	}
	ref := spec.Arg("ref", sc.Ref)
	if ref == "" {
		return &CheckoutError{Repo: repoURL, Ref: ref, Err: errors.New("no ref to check out")}
	}
	dir, err := resolveInWorkspace(sc.Workspace, spec.Arg("path", "."))
	if err != nil {
		return &CheckoutError{Repo: repoURL, Ref: ref, Err: err}
	}

	repo, err := c.sync(ctx, repoURL, dir, out)
	if err != nil {
		return &CheckoutError{Repo: repoURL, Ref: ref, Err: err}
	}
	hash, err := checkoutRevision(repo, ref)
	if err != nil {
		return &CheckoutError{Repo: repoURL, Ref: ref, Err: err}
	}

	if sc.Values != nil {
		sc.Values.Set(stage.ValueCommit, hash.String())
	}
	fmt.Fprintf(out, "checked out %s at %s\n", ref, hash)
	return nil
}

func (c *Checkout) sync(ctx context.Context, repoURL, dir string, out io.Writer) (*git.Repository, error) {
	auth := c.authFor(repoURL)

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
			URL:      repoURL,
			Auth:     auth,
			Progress: out,
			Tags:     git.AllTags,
		})
		if err != nil {
			return nil, fmt.Errorf("clone: %w", err)
		}
		return repo, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open existing checkout: %w", err)
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		Auth:       auth,
		Progress:   out,
		Tags:       git.AllTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return repo, nil
}

func (c *Checkout) authFor(repoURL string) transport.AuthMethod {
	if c.Auth.IsZero() {
		return nil
	}
	if !strings.HasPrefix(repoURL, "http://") && !strings.HasPrefix(repoURL, "https://") {
		return nil
	}
	if c.Auth.Token != "" {
		user := c.Auth.Username
		if user == "" {
			user = "git"
		}
		return &githttp.BasicAuth{Username: user, Password: c.Auth.Token}
	}
	return &githttp.BasicAuth{Username: c.Auth.Username, Password: c.Auth.Password}
}

// checkoutRevision resolves ref (remote branch first, then any revision
// git understands: local branch, tag, hash) and force-checks it out.
func checkoutRevision(repo *git.Repository, ref string) (plumbing.Hash, error) {
	var (
		hash *plumbing.Hash
		err  error
	)
	for _, rev := range []string{git.DefaultRemoteName + "/" + ref, ref} {
		hash, err = repo.ResolveRevision(plumbing.Revision(rev))
		if err == nil {
			break
		}
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %q: %w", ref, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("checkout %s: %w", hash, err)
	}
	return *hash, nil
}
