package stage

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/mattjoyce/rollout/internal/target"
)

// Well-known keys in Values.
const (
	ValueCommit    = "commit"
	ValueReleaseID = "release_id"
	ValueReportURL = "report_url"
)

// Context is everything a stage action may read. It replaces ambient
// environment variables: workspace path, target and release identity are all
// passed explicitly.
type Context struct {
	RunID       string
	Pipeline    string
	BuildNumber int64
	Target      string
	Tags        string
	Ref         string
	Workspace   string

	// Hosts resolves target names; one snapshot per run keeps resolution stable.
	Hosts target.Resolver

	// Values carries outputs of earlier stages (commit, release_id, ...).
	Values *Values

	Logger *slog.Logger
}

// Commit returns the resolved commit, falling back to the requested ref.
func (c *Context) Commit() string {
	if c.Values != nil {
		if v, ok := c.Values.Get(ValueCommit); ok && v != "" {
			return v
		}
	}
	return c.Ref
}

// Values is a concurrency-safe string map shared by the stages of one run.
type Values struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewValues() *Values {
	return &Values{m: make(map[string]string)}
}

func (v *Values) Get(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.m[key]
	return s, ok
}

func (v *Values) Set(key, value string) {
	v.mu.Lock()
	v.m[key] = value
	v.mu.Unlock()
}

// Snapshot returns a sorted copy of all pairs.
func (v *Values) Snapshot() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.m))
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = v.m[k]
	}
	return out
}
