// Package target maps logical environment names to ordered host sets.
package target

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Host is one deployable machine.
type Host struct {
	Name    string            `json:"name"`
	Address string            `json:"address,omitempty"`
	Vars    map[string]string `json:"vars,omitempty"`
}

// Group is a named set of hosts and nested groups.
type Group struct {
	Hosts    []string
	Children []string
}

// Spec declares one target. Hosts and Groups expand in that order.
type Spec struct {
	Hosts  []string
	Groups []string
}

// UnknownTargetError reports a lookup of an unregistered target name.
type UnknownTargetError struct {
	Name string
}

func (e *UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target %q", e.Name)
}

// Registry owns target definitions. It is read-only after construction.
type Registry struct {
	resolved map[string][]Host
}

// NewRegistry validates the inventory and pre-expands every target. Unknown
// host or group references and group cycles are rejected here so Resolve is a
// pure lookup.
func NewRegistry(hosts map[string]Host, groups map[string]Group, targets map[string]Spec) (*Registry, error) {
	b := builder{hosts: hosts, groups: groups}

	r := &Registry{resolved: make(map[string][]Host, len(targets))}
	for _, name := range sortedKeys(targets) {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("target name is empty")
		}
		spec := targets[name]
		var out []Host
		seen := make(map[string]struct{})
		for _, h := range spec.Hosts {
			if err := b.addHost(h, &out, seen); err != nil {
				return nil, fmt.Errorf("target %q: %w", name, err)
			}
		}
		for _, g := range spec.Groups {
			if err := b.expandGroup(g, nil, &out, seen); err != nil {
				return nil, fmt.Errorf("target %q: %w", name, err)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("target %q resolves to no hosts", name)
		}
		r.resolved[name] = out
	}
	return r, nil
}

// Resolve returns the ordered host set for name.
func (r *Registry) Resolve(name string) ([]Host, error) {
	hosts, ok := r.resolved[name]
	if !ok {
		return nil, &UnknownTargetError{Name: name}
	}
	out := make([]Host, len(hosts))
	copy(out, hosts)
	return out, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.resolved[name]
	return ok
}

// Names lists registered targets, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.resolved))
	for name := range r.resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver is what pipeline stages use to look up hosts.
type Resolver interface {
	Resolve(name string) ([]Host, error)
}

// Snapshot memoizes resolutions for the lifetime of one pipeline run.
type Snapshot struct {
	src Resolver

	mu    sync.Mutex
	cache map[string]snapshotEntry
}

type snapshotEntry struct {
	hosts []Host
	err   error
}

// NewSnapshot wraps src.
func NewSnapshot(src Resolver) *Snapshot {
	return &Snapshot{src: src, cache: make(map[string]snapshotEntry)}
}

// Resolve returns the first answer src gave for name, errors included.
func (s *Snapshot) Resolve(name string) ([]Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache[name]
	if !ok {
		hosts, err := s.src.Resolve(name)
		e = snapshotEntry{hosts: hosts, err: err}
		s.cache[name] = e
	}
	if e.err != nil {
		return nil, e.err
	}
	out := make([]Host, len(e.hosts))
	copy(out, e.hosts)
	return out, nil
}

type builder struct {
	hosts  map[string]Host
	groups map[string]Group
}

func (b *builder) addHost(name string, out *[]Host, seen map[string]struct{}) error {
	h, ok := b.hosts[name]
	if !ok {
		return fmt.Errorf("unknown host %q", name)
	}
	if _, dup := seen[name]; dup {
		return nil
	}
	seen[name] = struct{}{}
	if h.Name == "" {
		h.Name = name
	}
	*out = append(*out, h)
	return nil
}

func (b *builder) expandGroup(name string, stack []string, out *[]Host, seen map[string]struct{}) error {
	for _, s := range stack {
		if s == name {
			cycle := append(append([]string{}, stack...), name)
			return fmt.Errorf("group cycle detected: %s", strings.Join(cycle, " -> "))
		}
	}
	g, ok := b.groups[name]
	if !ok {
		return fmt.Errorf("unknown group %q", name)
	}
	stack = append(stack, name)
	for _, h := range g.Hosts {
		if err := b.addHost(h, out, seen); err != nil {
			return fmt.Errorf("group %q: %w", name, err)
		}
	}
	for _, child := range g.Children {
		if err := b.expandGroup(child, stack, out, seen); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
