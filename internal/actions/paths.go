package actions

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolveInWorkspace joins rel onto root and refuses paths that escape it.
func resolveInWorkspace(root, rel string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("no workspace for path %q", rel)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q must be relative to the workspace", rel)
	}
	p := filepath.Join(root, rel)
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return p, nil
}
