package config

import (
	"fmt"
	"sort"
	"strings"
)

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"json": true, "text": true}
)

// validate checks structural rules. Cross references between pipelines,
// webhooks and targets are left to doctor.
func validate(cfg *Config) error {
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.RunRetention < 0 || cfg.Service.WorkspaceRetention < 0 {
		return fmt.Errorf("service retention periods must not be negative")
	}
	if cfg.Service.JanitorInterval <= 0 {
		return fmt.Errorf("service.janitor_interval must be positive")
	}
	if cfg.Service.MaxParallelStages < 1 {
		return fmt.Errorf("service.max_parallel_stages must be at least 1")
	}
	if isBlank(cfg.State.Path) {
		return fmt.Errorf("state.path is required")
	}
	if isBlank(cfg.Workspace.Dir) {
		return fmt.Errorf("workspace.dir is required")
	}

	if err := validateAPI(cfg.API); err != nil {
		return err
	}
	if err := validateWebhooks(cfg.Webhooks); err != nil {
		return err
	}
	if err := validateReleases(cfg.Releases); err != nil {
		return err
	}

	if isBlank(cfg.Deploy.Root) {
		return fmt.Errorf("deploy.root is required")
	}
	if cfg.Deploy.History < 1 {
		return fmt.Errorf("deploy.history must be at least 1")
	}
	if cfg.Deploy.StageParallelism < 1 {
		return fmt.Errorf("deploy.stage_parallelism must be at least 1")
	}

	for field, secret := range map[string]string{
		"collaborators.git.token":           cfg.Collaborators.Git.Token,
		"collaborators.git.password":        cfg.Collaborators.Git.Password,
		"collaborators.scanner.token":       cfg.Collaborators.Scanner.Auth.Token,
		"collaborators.automation.password": cfg.Collaborators.Automation.Auth.Password,
		"collaborators.automation.token":    cfg.Collaborators.Automation.Auth.Token,
	} {
		if err := checkSecret(field, secret); err != nil {
			return err
		}
	}

	if _, err := cfg.TargetRegistry(); err != nil {
		return fmt.Errorf("targets: %w", err)
	}
	return nil
}

func validateAPI(api APIConfig) error {
	if !api.Enabled {
		return nil
	}
	if err := checkSecret("api.auth.api_key", api.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range api.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if isBlank(tok.Token) {
			return fmt.Errorf("%s.token is required", field)
		}
		if err := checkSecret(field+".token", tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("%s.scopes must be non-empty", field)
		}
	}
	return nil
}

func validateWebhooks(wh *WebhooksConfig) error {
	if wh == nil {
		return nil
	}
	if len(wh.Endpoints) > 0 && isBlank(wh.Listen) {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}
	seen := make(map[string]bool, len(wh.Endpoints))
	for i, ep := range wh.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		if seen[ep.Path] {
			return fmt.Errorf("%s.path %q is duplicated", field, ep.Path)
		}
		seen[ep.Path] = true
		if isBlank(ep.Pipeline) {
			return fmt.Errorf("%s (%s): pipeline is required", field, ep.Path)
		}
		if isBlank(ep.Target) {
			return fmt.Errorf("%s (%s): target is required", field, ep.Path)
		}
		if isBlank(ep.Secret) {
			return fmt.Errorf("%s (%s): secret is required", field, ep.Path)
		}
		if err := checkSecret(field+".secret", ep.Secret); err != nil {
			return err
		}
		if ep.MaxBodyBytes < 0 {
			return fmt.Errorf("%s (%s): max_body_bytes must not be negative", field, ep.Path)
		}
	}
	return nil
}

func validateReleases(r ReleasesConfig) error {
	if isBlank(r.App) {
		return fmt.Errorf("releases.app is required")
	}
	if r.Keep < 0 {
		return fmt.Errorf("releases.keep must not be negative")
	}
	switch r.Backend {
	case "fs":
		if isBlank(r.Dir) {
			return fmt.Errorf("releases.dir is required for the fs backend")
		}
	case "http":
		if isBlank(r.HTTP.BaseURL) || isBlank(r.HTTP.Repo) {
			return fmt.Errorf("releases.http.base_url and releases.http.repo are required for the http backend")
		}
		for field, secret := range map[string]string{
			"releases.http.password": r.HTTP.Auth.Password,
			"releases.http.token":    r.HTTP.Auth.Token,
		} {
			if err := checkSecret(field, secret); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("releases.backend must be fs or http (got %q)", r.Backend)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
