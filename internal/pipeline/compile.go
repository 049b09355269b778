package pipeline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Compile validates def in place and sets its fingerprint.
func Compile(def *Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	for i := range def.Stages {
		def.Stages[i].Name = strings.TrimSpace(def.Stages[i].Name)
		def.Stages[i].Action = strings.TrimSpace(def.Stages[i].Action)
	}
	if err := Validate(def); err != nil {
		return err
	}
	fp, err := fingerprint(def)
	if err != nil {
		return err
	}
	def.Fingerprint = fp
	return nil
}

// Validate checks stage names, dependency references and acyclicity. Every
// violation is a *DefinitionError.
func Validate(def *Definition) error {
	if def == nil {
		return &DefinitionError{Msg: "definition is nil"}
	}
	if def.Name == "" {
		return &DefinitionError{Msg: "name is required"}
	}
	if len(def.Stages) == 0 {
		return &DefinitionError{Pipeline: def.Name, Msg: "stages must be non-empty"}
	}
	if def.MaxParallel < 0 {
		return &DefinitionError{Pipeline: def.Name, Msg: "max_parallel must not be negative"}
	}

	seen := make(map[string]struct{}, len(def.Stages))
	for i, s := range def.Stages {
		if s.Name == "" {
			return &DefinitionError{Pipeline: def.Name, Msg: fmt.Sprintf("stages[%d]: name is required", i)}
		}
		if _, dup := seen[s.Name]; dup {
			return &DefinitionError{Pipeline: def.Name, Stage: s.Name, Msg: "duplicate stage name"}
		}
		seen[s.Name] = struct{}{}
		if s.Action == "" {
			return &DefinitionError{Pipeline: def.Name, Stage: s.Name, Msg: "action is required"}
		}
		if s.Timeout < 0 {
			return &DefinitionError{Pipeline: def.Name, Stage: s.Name, Msg: "timeout must not be negative"}
		}
		if s.Retry != nil && s.Retry.MaxAttempts < 1 {
			return &DefinitionError{Pipeline: def.Name, Stage: s.Name, Msg: "retry.max_attempts must be at least 1"}
		}
		if err := s.When.validate(); err != nil {
			return &DefinitionError{Pipeline: def.Name, Stage: s.Name, Msg: err.Error()}
		}
	}
	for _, s := range def.Stages {
		for _, dep := range s.Needs {
			if _, ok := seen[dep]; !ok {
				return &DefinitionError{Pipeline: def.Name, Stage: s.Name, Msg: fmt.Sprintf("needs unknown stage %q", dep)}
			}
		}
	}

	if err := checkAcyclic(def); err != nil {
		return err
	}
	return nil
}

// checkAcyclic runs Kahn's algorithm; when it cannot order every stage a DFS
// recovers one concrete cycle path for the error.
func checkAcyclic(def *Definition) error {
	inDegree := make(map[string]int, len(def.Stages))
	adj := make(map[string][]string, len(def.Stages))
	for _, s := range def.Stages {
		inDegree[s.Name] += 0
		for _, dep := range s.Needs {
			adj[dep] = append(adj[dep], s.Name)
			inDegree[s.Name]++
		}
	}

	queue := make([]string, 0, len(def.Stages))
	for _, s := range def.Stages {
		if inDegree[s.Name] == 0 {
			queue = append(queue, s.Name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(def.Stages) {
		return nil
	}
	return &DefinitionError{Pipeline: def.Name, Cycle: findCycle(def)}
}

func findCycle(def *Definition) []string {
	needs := make(map[string][]string, len(def.Stages))
	for _, s := range def.Stages {
		needs[s.Name] = s.Needs
	}

	state := make(map[string]int)
	var cycle []string
	var walk func(name string, stack []string) bool
	walk = func(name string, stack []string) bool {
		switch state[name] {
		case 2:
			return false
		case 1:
			idx := 0
			for i := range stack {
				if stack[i] == name {
					idx = i
					break
				}
			}
			cycle = append(append([]string{}, stack[idx:]...), name)
			return true
		}
		state[name] = 1
		stack = append(stack, name)
		for _, dep := range needs[name] {
			if walk(dep, stack) {
				return true
			}
		}
		state[name] = 2
		return false
	}

	for _, s := range def.Stages {
		if walk(s.Name, nil) {
			return cycle
		}
	}
	return nil
}

// Order returns stage names in a deterministic topological order:
// dependencies first, ties broken by declaration order.
func Order(def *Definition) []string {
	index := make(map[string]int, len(def.Stages))
	inDegree := make(map[string]int, len(def.Stages))
	adj := make(map[string][]string, len(def.Stages))
	for i, s := range def.Stages {
		index[s.Name] = i
		inDegree[s.Name] += len(s.Needs)
		for _, dep := range s.Needs {
			adj[dep] = append(adj[dep], s.Name)
		}
	}

	var ready []string
	for _, s := range def.Stages {
		if inDegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}
	out := make([]string, 0, len(def.Stages))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	return out
}

func fingerprint(def *Definition) (string, error) {
	type stageShape struct {
		Name     string            `json:"name"`
		Action   string            `json:"action"`
		With     map[string]string `json:"with,omitempty"`
		Needs    []string          `json:"needs,omitempty"`
		When     *Condition        `json:"when,omitempty"`
		Timeout  int64             `json:"timeout_ns,omitempty"`
		Retry    any               `json:"retry,omitempty"`
		Blocking bool              `json:"blocking,omitempty"`
	}
	type shape struct {
		Name        string       `json:"name"`
		FailFast    bool         `json:"fail_fast"`
		MaxParallel int          `json:"max_parallel"`
		Stages      []stageShape `json:"stages"`
	}

	s := shape{Name: def.Name, FailFast: def.FailFast, MaxParallel: def.MaxParallel}
	for _, st := range def.Stages {
		needs := append([]string(nil), st.Needs...)
		sort.Strings(needs)
		ss := stageShape{
			Name:     st.Name,
			Action:   st.Action,
			With:     st.With,
			Needs:    needs,
			When:     st.When,
			Timeout:  int64(st.Timeout),
			Blocking: st.Blocking,
		}
		if st.Retry != nil {
			ss.Retry = st.Retry
		}
		s.Stages = append(s.Stages, ss)
	}
	sort.Slice(s.Stages, func(i, j int) bool { return s.Stages[i].Name < s.Stages[j].Name })

	// encoding/json sorts map keys, so With is stable.
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("fingerprint pipeline %q: %w", def.Name, err)
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
