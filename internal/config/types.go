package config

import (
	"time"

	"github.com/mattjoyce/rollout/internal/pipeline"
)

// Config is the complete rollout configuration after includes are merged.
type Config struct {
	Include []string `yaml:"include,omitempty"`

	Service       ServiceConfig           `yaml:"service"`
	State         StateConfig             `yaml:"state"`
	Workspace     WorkspaceConfig         `yaml:"workspace"`
	API           APIConfig               `yaml:"api,omitempty"`
	Webhooks      *WebhooksConfig         `yaml:"webhooks,omitempty"`
	Releases      ReleasesConfig          `yaml:"releases"`
	Deploy        DeployConfig            `yaml:"deploy"`
	Hosts         map[string]HostConfig   `yaml:"hosts,omitempty"`
	Groups        map[string]GroupConfig  `yaml:"groups,omitempty"`
	Targets       map[string]TargetConfig `yaml:"targets,omitempty"`
	Collaborators CollaboratorsConfig     `yaml:"collaborators,omitempty"`
	PipelinesDir  string                  `yaml:"pipelines_dir"`
	Pipelines     []pipeline.Definition   `yaml:"pipelines,omitempty"`

	// Path is the absolute path of the root config file.
	Path string `yaml:"-"`
	// Files lists every file that contributed to this config, root first.
	Files []string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name               string        `yaml:"name"`
	LogLevel           string        `yaml:"log_level"`
	LogFormat          string        `yaml:"log_format"`
	RunRetention       time.Duration `yaml:"run_retention"`
	WorkspaceRetention time.Duration `yaml:"workspace_retention"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`
	MaxParallelStages  int           `yaml:"max_parallel_stages"`
	StageGrace         time.Duration `yaml:"stage_grace"`
}

// StateConfig locates the sqlite database.
type StateConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig locates per-run scratch directories.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey authenticates as admin (scope "*").
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the push-webhook listener.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint maps one path to a pipeline and target.
type WebhookEndpoint struct {
	Path            string   `yaml:"path"`
	Pipeline        string   `yaml:"pipeline"`
	Target          string   `yaml:"target"`
	Tags            string   `yaml:"tags,omitempty"`
	Branches        []string `yaml:"branches,omitempty"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signature_header"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes,omitempty"`
}

// ReleasesConfig selects and configures the release blob backend.
type ReleasesConfig struct {
	Backend string            `yaml:"backend"`
	Dir     string            `yaml:"dir"`
	App     string            `yaml:"app"`
	Keep    int               `yaml:"keep"`
	HTTP    HTTPBackendConfig `yaml:"http,omitempty"`
}

// HTTPBackendConfig points at an artifact repository.
type HTTPBackendConfig struct {
	BaseURL string            `yaml:"base_url"`
	Repo    string            `yaml:"repo"`
	Auth    CredentialsConfig `yaml:",inline"`
}

// CredentialsConfig carries one collaborator's secret material.
type CredentialsConfig struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Token    string `yaml:"token,omitempty"`
}

// DeployConfig configures the deployment controller.
type DeployConfig struct {
	Root             string       `yaml:"root"`
	History          int          `yaml:"history"`
	LockDir          string       `yaml:"lock_dir"`
	StageParallelism int          `yaml:"stage_parallelism"`
	Reload           ReloadConfig `yaml:"reload,omitempty"`
}

// ReloadConfig is the command that makes the served process pick up a
// switched release.
type ReloadConfig struct {
	Command string        `yaml:"command"`
	Grace   time.Duration `yaml:"grace"`
}

// HostConfig is one inventory host.
type HostConfig struct {
	Address string            `yaml:"address,omitempty"`
	Vars    map[string]string `yaml:"vars,omitempty"`
}

// GroupConfig is a named set of hosts and nested groups.
type GroupConfig struct {
	Hosts    []string `yaml:"hosts,omitempty"`
	Children []string `yaml:"children,omitempty"`
}

// TargetConfig lists the hosts and groups a target expands to.
type TargetConfig struct {
	Hosts  []string `yaml:"hosts,omitempty"`
	Groups []string `yaml:"groups,omitempty"`
}

// CollaboratorsConfig configures the external tools stages talk to.
type CollaboratorsConfig struct {
	Git        CredentialsConfig `yaml:"git,omitempty"`
	Scanner    ToolConfig        `yaml:"scanner,omitempty"`
	Automation ToolConfig        `yaml:"automation,omitempty"`
}

// ToolConfig is an external command plus its credentials.
type ToolConfig struct {
	Command string            `yaml:"command,omitempty"`
	Auth    CredentialsConfig `yaml:",inline"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:               "rollout",
			LogLevel:           "info",
			LogFormat:          "json",
			RunRetention:       30 * 24 * time.Hour,
			WorkspaceRetention: 72 * time.Hour,
			JanitorInterval:    time.Hour,
			MaxParallelStages:  4,
			StageGrace:         5 * time.Second,
		},
		State:     StateConfig{Path: "./data/state.db"},
		Workspace: WorkspaceConfig{Dir: "./data/workspaces"},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Releases: ReleasesConfig{
			Backend: "fs",
			Dir:     "./data/releases",
			App:     "app",
			Keep:    20,
		},
		Deploy: DeployConfig{
			Root:             "./data/sites",
			History:          5,
			LockDir:          "./data/locks",
			StageParallelism: 4,
			Reload:           ReloadConfig{Grace: 5 * time.Second},
		},
		PipelinesDir: "./pipelines",
	}
}
