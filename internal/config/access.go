package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value by dot-notation path (service.log_level) or by
// entity address (target:prod, pipeline:webapp, webhook:/hooks/web).
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

// GetEntity retrieves a first-class entity by type:name. A name of "*"
// returns every entity of that type.
func (c *Config) GetEntity(address string) (any, error) {
	entityType, name, ok := strings.Cut(address, ":")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	switch entityType {
	case "target":
		if name == "*" {
			return c.Targets, nil
		}
		if t, ok := c.Targets[name]; ok {
			return t, nil
		}
		return nil, fmt.Errorf("target %q not found", name)

	case "host":
		if name == "*" {
			return c.Hosts, nil
		}
		if h, ok := c.Hosts[name]; ok {
			return h, nil
		}
		return nil, fmt.Errorf("host %q not found", name)

	case "group":
		if name == "*" {
			return c.Groups, nil
		}
		if g, ok := c.Groups[name]; ok {
			return g, nil
		}
		return nil, fmt.Errorf("group %q not found", name)

	case "pipeline":
		cat, err := c.Catalog()
		if err != nil {
			return nil, err
		}
		if name == "*" {
			return cat.Names(), nil
		}
		return cat.Get(name)

	case "webhook":
		if c.Webhooks == nil {
			return nil, fmt.Errorf("no webhooks configured")
		}
		if name == "*" {
			return c.Webhooks.Endpoints, nil
		}
		for _, ep := range c.Webhooks.Endpoints {
			if ep.Path == name {
				return ep, nil
			}
		}
		return nil, fmt.Errorf("webhook %q not found", name)

	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}
