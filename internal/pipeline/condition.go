package pipeline

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// Condition gates a stage on run parameters. Every non-empty list must match.
type Condition struct {
	// Branches are path.Match globs tested against the ref with any
	// refs/heads/ prefix removed.
	Branches []string `yaml:"branches,omitempty" json:"branches,omitempty"`
	Targets  []string `yaml:"targets,omitempty" json:"targets,omitempty"`
	// Tags run the stage when the run's tag filter names any of them, or is
	// "all".
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

func (c *Condition) validate() error {
	if c == nil {
		return nil
	}
	for _, g := range c.Branches {
		if _, err := path.Match(g, ""); err != nil {
			return fmt.Errorf("branch pattern %q: %w", g, err)
		}
	}
	return nil
}

// Matches reports whether p satisfies c. A nil condition always matches.
func (c *Condition) Matches(p Params) bool {
	if c == nil {
		return true
	}
	if len(c.Branches) > 0 {
		branch := strings.TrimPrefix(p.Ref, "refs/heads/")
		ok := false
		for _, g := range c.Branches {
			if m, _ := path.Match(g, branch); m {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(c.Targets) > 0 && !slices.Contains(c.Targets, p.Target) {
		return false
	}
	if len(c.Tags) > 0 {
		runTags := splitTags(p.Tags)
		if !slices.Contains(runTags, DefaultTags) {
			ok := false
			for _, t := range c.Tags {
				if slices.Contains(runTags, t) {
					ok = true
					break
				}
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

func splitTags(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return []string{DefaultTags}
	}
	return out
}
