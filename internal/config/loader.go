package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/rollout/internal/pipeline"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads configuration from a file, or from config.yaml inside a
// directory. Files named under include are merged in order, checksums are
// verified where a .checksums manifest exists, then defaults are applied and
// the result is validated.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	cfg.Files = []string{absPath}

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg = applyConfigDefaults(cfg)
	if cfg.PipelinesDir != "" && !filepath.IsAbs(cfg.PipelinesDir) {
		cfg.PipelinesDir = filepath.Join(filepath.Dir(absPath), cfg.PipelinesDir)
	}

	if verify {
		files, err := cfg.AllFiles()
		if err != nil {
			return nil, err
		}
		if err := verifyAllConfigHashes(files); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// AllFiles returns every file of the include tree, root first, followed by
// the pipeline files in pipelines_dir.
func (c *Config) AllFiles() ([]string, error) {
	pipelineFiles, err := pipeline.Files(c.PipelinesDir)
	if err != nil {
		return nil, err
	}
	return append(append([]string(nil), c.Files...), pipelineFiles...), nil
}

// loadIncludes loads and merges includes depth-first. visited holds every
// file already on the include tree so cycles and diamonds fail loudly.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, resolved)
		}
		absPath, err := filepath.Abs(resolved)
		if err != nil {
			return fmt.Errorf("include[%d]: resolve path %q: %w", i, includePath, err)
		}
		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true
		cfg.Files = append(cfg.Files, absPath)

		included, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		mergeConfig(cfg, included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	return &cfg, nil
}

// mergeConfig merges src into dst. Non-zero scalars in src override; maps
// are merged key by key; lists are appended.
func mergeConfig(dst, src *Config) {
	mergeString(&dst.Service.Name, src.Service.Name)
	mergeString(&dst.Service.LogLevel, src.Service.LogLevel)
	mergeString(&dst.Service.LogFormat, src.Service.LogFormat)
	mergeNonZero(&dst.Service.RunRetention, src.Service.RunRetention)
	mergeNonZero(&dst.Service.WorkspaceRetention, src.Service.WorkspaceRetention)
	mergeNonZero(&dst.Service.JanitorInterval, src.Service.JanitorInterval)
	mergeNonZero(&dst.Service.MaxParallelStages, src.Service.MaxParallelStages)
	mergeNonZero(&dst.Service.StageGrace, src.Service.StageGrace)

	mergeString(&dst.State.Path, src.State.Path)
	mergeString(&dst.Workspace.Dir, src.Workspace.Dir)

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	mergeString(&dst.API.Listen, src.API.Listen)
	mergeString(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Webhooks != nil {
		if dst.Webhooks == nil {
			dst.Webhooks = &WebhooksConfig{}
		}
		mergeString(&dst.Webhooks.Listen, src.Webhooks.Listen)
		dst.Webhooks.Endpoints = append(dst.Webhooks.Endpoints, src.Webhooks.Endpoints...)
	}

	mergeString(&dst.Releases.Backend, src.Releases.Backend)
	mergeString(&dst.Releases.Dir, src.Releases.Dir)
	mergeString(&dst.Releases.App, src.Releases.App)
	mergeNonZero(&dst.Releases.Keep, src.Releases.Keep)
	mergeString(&dst.Releases.HTTP.BaseURL, src.Releases.HTTP.BaseURL)
	mergeString(&dst.Releases.HTTP.Repo, src.Releases.HTTP.Repo)
	mergeCredentials(&dst.Releases.HTTP.Auth, src.Releases.HTTP.Auth)

	mergeString(&dst.Deploy.Root, src.Deploy.Root)
	mergeNonZero(&dst.Deploy.History, src.Deploy.History)
	mergeString(&dst.Deploy.LockDir, src.Deploy.LockDir)
	mergeNonZero(&dst.Deploy.StageParallelism, src.Deploy.StageParallelism)
	mergeString(&dst.Deploy.Reload.Command, src.Deploy.Reload.Command)
	mergeNonZero(&dst.Deploy.Reload.Grace, src.Deploy.Reload.Grace)

	dst.Hosts = mergeMap(dst.Hosts, src.Hosts)
	dst.Groups = mergeMap(dst.Groups, src.Groups)
	dst.Targets = mergeMap(dst.Targets, src.Targets)

	mergeCredentials(&dst.Collaborators.Git, src.Collaborators.Git)
	mergeString(&dst.Collaborators.Scanner.Command, src.Collaborators.Scanner.Command)
	mergeCredentials(&dst.Collaborators.Scanner.Auth, src.Collaborators.Scanner.Auth)
	mergeString(&dst.Collaborators.Automation.Command, src.Collaborators.Automation.Command)
	mergeCredentials(&dst.Collaborators.Automation.Auth, src.Collaborators.Automation.Auth)

	mergeString(&dst.PipelinesDir, src.PipelinesDir)
	dst.Pipelines = append(dst.Pipelines, src.Pipelines...)
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeNonZero[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

func mergeCredentials(dst *CredentialsConfig, src CredentialsConfig) {
	mergeString(&dst.Username, src.Username)
	mergeString(&dst.Password, src.Password)
	mergeString(&dst.Token, src.Token)
}

func mergeMap[V any](dst, src map[string]V) map[string]V {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]V, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// applyConfigDefaults fills every unset field from Defaults.
func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	mergeString(&d.Service.Name, cfg.Service.Name)
	mergeString(&d.Service.LogLevel, cfg.Service.LogLevel)
	mergeString(&d.Service.LogFormat, cfg.Service.LogFormat)
	mergeNonZero(&d.Service.RunRetention, cfg.Service.RunRetention)
	mergeNonZero(&d.Service.WorkspaceRetention, cfg.Service.WorkspaceRetention)
	mergeNonZero(&d.Service.JanitorInterval, cfg.Service.JanitorInterval)
	mergeNonZero(&d.Service.MaxParallelStages, cfg.Service.MaxParallelStages)
	mergeNonZero(&d.Service.StageGrace, cfg.Service.StageGrace)
	cfg.Service = d.Service

	if cfg.State.Path == "" {
		cfg.State.Path = d.State.Path
	}
	if cfg.Workspace.Dir == "" {
		cfg.Workspace.Dir = d.Workspace.Dir
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = d.API.Listen
	}

	if cfg.Releases.Backend == "" {
		cfg.Releases.Backend = d.Releases.Backend
	}
	if cfg.Releases.Dir == "" {
		cfg.Releases.Dir = d.Releases.Dir
	}
	if cfg.Releases.App == "" {
		cfg.Releases.App = d.Releases.App
	}
	if cfg.Releases.Keep == 0 {
		cfg.Releases.Keep = d.Releases.Keep
	}

	if cfg.Deploy.Root == "" {
		cfg.Deploy.Root = d.Deploy.Root
	}
	if cfg.Deploy.History == 0 {
		cfg.Deploy.History = d.Deploy.History
	}
	if cfg.Deploy.LockDir == "" {
		cfg.Deploy.LockDir = d.Deploy.LockDir
	}
	if cfg.Deploy.StageParallelism == 0 {
		cfg.Deploy.StageParallelism = d.Deploy.StageParallelism
	}
	if cfg.Deploy.Reload.Grace == 0 {
		cfg.Deploy.Reload.Grace = d.Deploy.Reload.Grace
	}

	if cfg.PipelinesDir == "" {
		cfg.PipelinesDir = d.PipelinesDir
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

// unresolved reports the first ${VAR} placeholder left in s.
func unresolved(s string) (string, bool) {
	m := envVarPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func checkSecret(field, value string) error {
	if name, ok := unresolved(value); ok {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, name)
	}
	return nil
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
