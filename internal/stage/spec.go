package stage

import (
	"fmt"
	"time"
)

// Spec is the executable part of a stage definition.
type Spec struct {
	Name    string            `yaml:"name" json:"name"`
	Action  string            `yaml:"action" json:"action"`
	With    map[string]string `yaml:"with,omitempty" json:"with,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retry   *RetryPolicy      `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// Arg returns With[key], or def when unset or empty.
func (s Spec) Arg(key, def string) string {
	if v, ok := s.With[key]; ok && v != "" {
		return v
	}
	return def
}

// RequireArg returns With[key] or an error naming the stage and key.
func (s Spec) RequireArg(key string) (string, error) {
	v := s.Arg(key, "")
	if v == "" {
		return "", fmt.Errorf("stage %q: action %s requires %q", s.Name, s.Action, key)
	}
	return v, nil
}

// RetryPolicy enables bounded re-attempts with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	MaxBackoff  time.Duration `yaml:"max_backoff,omitempty" json:"max_backoff,omitempty"`
}

func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// delay returns the wait before attempt n+1, given n attempts so far.
func (p *RetryPolicy) delay(n int) time.Duration {
	if p == nil || p.Backoff <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
