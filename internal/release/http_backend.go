package release

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/rollout/internal/credentials"
)

// HTTPBackend talks to an artifact repository's raw HTTP API (Nexus raw
// repositories, Artifactory generic repositories and similar). Blobs live at
// {base}/{repo}/{app}/{commit}/{build}/{filename}.
type HTTPBackend struct {
	base   string
	repo   string
	creds  credentials.Credentials
	client *http.Client
}

var _ Backend = (*HTTPBackend)(nil)

// NewHTTPBackend builds a backend for baseURL. creds are applied to every
// request; a nil client gets a default with a generous timeout.
func NewHTTPBackend(baseURL, repo string, creds credentials.Credentials, client *http.Client) (*HTTPBackend, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid artifact repository url %q", baseURL)
	}
	if strings.TrimSpace(repo) == "" {
		return nil, fmt.Errorf("artifact repository name is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPBackend{
		base:   strings.TrimRight(u.String(), "/"),
		repo:   strings.Trim(repo, "/"),
		creds:  creds,
		client: client,
	}, nil
}

func (b *HTTPBackend) Key(meta Metadata, _ string) string {
	return path.Join(b.repo, meta.App, meta.Commit, strconv.FormatInt(meta.Build, 10), meta.Filename)
}

func (b *HTTPBackend) url(key string) (string, error) {
	return url.JoinPath(b.base, strings.Split(key, "/")...)
}

func (b *HTTPBackend) do(ctx context.Context, method, key string, body io.Reader, size int64) (*http.Response, error) {
	u, err := b.url(key)
	if err != nil {
		return nil, fmt.Errorf("build artifact url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	if body != nil && size >= 0 {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	b.creds.Apply(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	return resp, nil
}

func (b *HTTPBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	resp, err := b.do(ctx, http.MethodPut, key, r, size)
	if err != nil {
		return err
	}
	defer drain(resp)
	if !is2xx(resp.StatusCode) {
		return statusError(http.MethodPut, key, resp)
	}
	return nil
}

func (b *HTTPBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := b.do(ctx, http.MethodGet, key, nil, -1)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return nil, ErrBlobNotFound
	}
	if !is2xx(resp.StatusCode) {
		defer drain(resp)
		return nil, statusError(http.MethodGet, key, resp)
	}
	return resp.Body, nil
}

func (b *HTTPBackend) Delete(ctx context.Context, key string) error {
	resp, err := b.do(ctx, http.MethodDelete, key, nil, -1)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound || is2xx(resp.StatusCode) {
		return nil
	}
	return statusError(http.MethodDelete, key, resp)
}

func is2xx(code int) bool { return code >= 200 && code < 300 }

func statusError(method, key string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("%s %s: unexpected status %d", method, key, resp.StatusCode)
	}
	return fmt.Errorf("%s %s: unexpected status %d: %s", method, key, resp.StatusCode, msg)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}
