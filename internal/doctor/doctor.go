// Package doctor cross-checks a loaded rollout configuration: pipelines
// against the action catalogue, stages against targets, and the HTTP
// surfaces against pipelines and auth.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/mattjoyce/rollout/internal/actions"
	"github.com/mattjoyce/rollout/internal/auth"
	"github.com/mattjoyce/rollout/internal/config"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/storage"
	"github.com/mattjoyce/rollout/internal/target"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration.
type Doctor struct {
	cfg   *config.Config
	kinds []string

	targets *target.Registry
	catalog *pipeline.Catalog
}

// New creates a Doctor. kinds are the action kinds the service registers;
// nil means every built-in kind.
func New(cfg *config.Config, kinds []string) *Doctor {
	if kinds == nil {
		kinds = actions.Kinds()
	}
	return &Doctor{cfg: cfg, kinds: kinds}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateTargets(r)
	d.validatePipelines(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateWebhooks(r)
	d.warnReleases(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Workspace.Dir == "" {
		d.addError(r, "service", "workspace.dir", "workspace.dir is required")
	}
	if d.cfg.Service.JanitorInterval <= 0 {
		d.addError(r, "service", "service.janitor_interval", "janitor_interval must be positive")
	}
	err := storage.RequireLocalFilesystems(map[string]string{
		"state.path":      d.cfg.State.Path,
		"workspace.dir":   d.cfg.Workspace.Dir,
		"deploy.root":     d.cfg.Deploy.Root,
		"deploy.lock_dir": d.cfg.Deploy.LockDir,
	})
	for _, e := range unjoin(err) {
		var netErr *storage.NetworkFilesystemError
		if errors.As(e, &netErr) {
			d.addError(r, "filesystem", netErr.Field, netErr.Error())
		} else {
			d.addWarning(r, "filesystem", "", e.Error())
		}
	}
	if d.cfg.PipelinesDir != "" {
		if info, err := os.Stat(d.cfg.PipelinesDir); err == nil && !info.IsDir() {
			d.addError(r, "service", "pipelines_dir", fmt.Sprintf("%s is not a directory", d.cfg.PipelinesDir))
		}
	}
}

// validateTargets builds the registry and flags targets that expand to no
// hosts and hosts no target reaches.
func (d *Doctor) validateTargets(r *Result) {
	reg, err := d.cfg.TargetRegistry()
	if err != nil {
		d.addError(r, "targets", "targets", err.Error())
		return
	}
	d.targets = reg

	reached := make(map[string]bool)
	for _, name := range reg.Names() {
		hosts, err := reg.Resolve(name)
		if err != nil {
			d.addError(r, "targets", "targets."+name, err.Error())
			continue
		}
		if len(hosts) == 0 {
			d.addError(r, "targets", "targets."+name, fmt.Sprintf("target %q resolves to no hosts", name))
		}
		for _, h := range hosts {
			reached[h.Name] = true
		}
	}
	for _, name := range sortedKeys(d.cfg.Hosts) {
		if !reached[name] {
			d.addWarning(r, "unused", "hosts."+name, fmt.Sprintf("host %q is not part of any target", name))
		}
	}
}

// validatePipelines compiles every pipeline and checks each stage's action.
func (d *Doctor) validatePipelines(r *Result) {
	catalog, err := d.cfg.Catalog()
	if err != nil {
		d.addError(r, "pipelines", "pipelines", err.Error())
		return
	}
	d.catalog = catalog

	names := catalog.Names()
	if len(names) == 0 {
		d.addWarning(r, "pipelines", "pipelines_dir", "no pipelines defined")
	}
	for _, name := range names {
		def, err := catalog.Get(name)
		if err != nil {
			continue
		}
		for _, st := range def.Stages {
			d.validateStage(r, def.Name, st)
		}
	}
}

func (d *Doctor) validateStage(r *Result, pipelineName string, st pipeline.StageSpec) {
	field := fmt.Sprintf("pipelines.%s.stages.%s", pipelineName, st.Name)
	if !slices.Contains(d.kinds, st.Action) {
		d.addError(r, "pipelines", field+".action",
			fmt.Sprintf("stage %q uses unknown action %q (known: %s)", st.Name, st.Action, strings.Join(d.kinds, ", ")))
		return
	}
	for _, key := range actions.RequiredArgs(st.Action) {
		if strings.TrimSpace(st.With[key]) == "" {
			d.addError(r, "pipelines", field+".with."+key,
				fmt.Sprintf("%s stage %q requires with.%s", st.Action, st.Name, key))
		}
	}

	switch st.Action {
	case actions.KindDeploy:
		d.checkStageTarget(r, field, st, true)
	case actions.KindAutomation:
		d.checkStageTarget(r, field, st, false)
	}
}

// checkStageTarget verifies a fixed with.target resolves. Stages without one
// deploy to the run's target, which needs at least one target defined.
func (d *Doctor) checkStageTarget(r *Result, field string, st pipeline.StageSpec, required bool) {
	if d.targets == nil {
		return
	}
	name := st.Arg("target", "")
	if name == "" {
		if required && len(d.targets.Names()) == 0 {
			d.addError(r, "pipelines", field, fmt.Sprintf("stage %q deploys but no targets are defined", st.Name))
		}
		return
	}
	if !d.targets.Has(name) {
		d.addError(r, "pipelines", field+".with.target",
			fmt.Sprintf("stage %q targets unknown target %q", st.Name, name))
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	known := make([]string, 0, len(auth.KnownScopes()))
	for _, s := range auth.KnownScopes() {
		known = append(known, string(s))
	}
	names := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		for j, scope := range token.Scopes {
			if _, err := auth.ParseScope(scope); err != nil {
				d.addError(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q (expected one of %s)", scope, strings.Join(known, ", ")))
			}
		}
		if token.Name == "" {
			continue
		}
		if prev, dup := names[token.Name]; dup {
			d.addWarning(r, "token_scopes", field+".name",
				fmt.Sprintf("token name %q also used by api.auth.tokens[%d]; run provenance will not tell them apart", token.Name, prev))
		}
		names[token.Name] = i
	}
}

// validateWebhooks checks path conflicts and pipeline/target references.
func (d *Doctor) validateWebhooks(r *Result) {
	if d.cfg.Webhooks == nil {
		return
	}

	seen := make(map[string]int)
	for i, ep := range d.cfg.Webhooks.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)

		if d.catalog != nil {
			if _, err := d.catalog.Get(ep.Pipeline); err != nil {
				d.addError(r, "webhooks", field+".pipeline",
					fmt.Sprintf("webhook %q triggers unknown pipeline %q", ep.Path, ep.Pipeline))
			}
		}
		if d.targets != nil && !d.targets.Has(ep.Target) {
			d.addError(r, "webhooks", field+".target",
				fmt.Sprintf("webhook %q deploys to unknown target %q", ep.Path, ep.Target))
		}

		normalized := strings.TrimSuffix(ep.Path, "/")
		if prevIdx, exists := seen[normalized]; exists {
			d.addError(r, "webhooks", field+".path",
				fmt.Sprintf("webhook path %q conflicts with webhooks.endpoints[%d]", ep.Path, prevIdx))
		}
		seen[normalized] = i

		if ep.Secret == "" {
			d.addError(r, "webhooks", field+".secret", fmt.Sprintf("webhook %q: secret is required", ep.Path))
		}
		for _, b := range ep.Branches {
			if strings.HasPrefix(b, "refs/") {
				d.addWarning(r, "webhooks", field+".branches",
					fmt.Sprintf("branch %q should be a bare name; refs/heads/ is stripped before matching", b))
			}
		}
	}
}

func (d *Doctor) warnReleases(r *Result) {
	rc := d.cfg.Releases
	if rc.Keep == 0 {
		d.addWarning(r, "releases", "releases.keep", "keep is 0; releases are never evicted")
	}
	if rc.Backend == "http" && rc.HTTP.Auth.Token == "" && rc.HTTP.Auth.Username == "" {
		d.addWarning(r, "releases", "releases.http", "http backend has no credentials")
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"legacy api_key grants full access; migrate to tokens array with scopes")
	}
}

// unjoin splits an errors.Join result back into its parts.
func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
