package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigDir names the environment variable consulted by Discover.
const EnvConfigDir = "ROLLOUT_CONFIG_DIR"

// Discover picks the configuration to load. Priority: explicit (the
// --config flag), $ROLLOUT_CONFIG_DIR, ~/.config/rollout, /etc/rollout,
// ./config.yaml. Directory candidates must contain config.yaml.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config %s: %w", explicit, err)
		}
		return explicit, nil
	}

	var candidates []string
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		candidates = append(candidates, dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "rollout"))
	}
	candidates = append(candidates, systemConfigDir)

	for _, dir := range candidates {
		if fileExists(filepath.Join(dir, "config.yaml")) {
			return dir, nil
		}
	}
	if fileExists("config.yaml") {
		return "config.yaml", nil
	}
	return "", fmt.Errorf("no config found (checked: --config, $%s, ~/.config/rollout, %s, ./config.yaml)", EnvConfigDir, systemConfigDir)
}

var systemConfigDir = "/etc/rollout"

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
