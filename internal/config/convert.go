package config

import (
	"github.com/mattjoyce/rollout/internal/auth"
	"github.com/mattjoyce/rollout/internal/credentials"
	"github.com/mattjoyce/rollout/internal/pipeline"
	"github.com/mattjoyce/rollout/internal/target"
)

// TargetRegistry builds the inventory. Unknown references and group cycles
// are reported here.
func (c *Config) TargetRegistry() (*target.Registry, error) {
	hosts := make(map[string]target.Host, len(c.Hosts))
	for name, h := range c.Hosts {
		hosts[name] = target.Host{Name: name, Address: h.Address, Vars: h.Vars}
	}
	groups := make(map[string]target.Group, len(c.Groups))
	for name, g := range c.Groups {
		groups[name] = target.Group{Hosts: g.Hosts, Children: g.Children}
	}
	targets := make(map[string]target.Spec, len(c.Targets))
	for name, t := range c.Targets {
		targets[name] = target.Spec{Hosts: t.Hosts, Groups: t.Groups}
	}
	return target.NewRegistry(hosts, groups, targets)
}

// Catalog compiles the inline pipelines together with those in
// pipelines_dir.
func (c *Config) Catalog() (*pipeline.Catalog, error) {
	files, err := pipeline.Files(c.PipelinesDir)
	if err != nil {
		return nil, err
	}
	defs, err := pipeline.LoadFiles(files...)
	if err != nil {
		return nil, err
	}
	for i := range c.Pipelines {
		d := c.Pipelines[i]
		defs = append(defs, &d)
	}
	return pipeline.NewCatalog(defs...)
}

// Credentials converts the YAML form into the capability type.
func (cc CredentialsConfig) Credentials() credentials.Credentials {
	return credentials.Credentials{Username: cc.Username, Password: cc.Password, Token: cc.Token}
}

// AuthTokens converts api.auth.tokens for the auth package.
func (a APIAuthConfig) AuthTokens() []auth.TokenConfig {
	out := make([]auth.TokenConfig, 0, len(a.Tokens))
	for _, t := range a.Tokens {
		out = append(out, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
