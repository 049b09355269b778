package stage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Action performs the work of one stage kind. Implementations must honor ctx
// cancellation and release what they acquire when it fires; the executor
// enforces timeouts regardless.
type Action interface {
	Run(ctx context.Context, sc *Context, spec Spec, out io.Writer) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, sc *Context, spec Spec, out io.Writer) error

func (f ActionFunc) Run(ctx context.Context, sc *Context, spec Spec, out io.Writer) error {
	return f(ctx, sc, spec, out)
}

// Registry maps action kinds to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, a Action) error {
	if kind == "" || a == nil {
		return fmt.Errorf("action kind and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[kind]; exists {
		return fmt.Errorf("action %q already registered", kind)
	}
	r.actions[kind] = a
	return nil
}

func (r *Registry) Get(kind string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[kind]
	return a, ok
}

// Kinds lists registered action kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
