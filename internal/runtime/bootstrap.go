package runtime

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	//go:embed bootstrap/node.mjs
	nodeBootstrap []byte

	//go:embed bootstrap/python.py
	pythonBootstrap []byte
)

// writeBootstrap copies an embedded Runtime API client into dir.
func writeBootstrap(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing bootstrap: %w", err)
	}
	return path, nil
}

// findFile returns the first of base+ext that exists.
func findFile(base string, exts ...string) (string, bool) {
	for _, ext := range exts {
		if info, err := os.Stat(base + ext); err == nil && !info.IsDir() {
			return base + ext, true
		}
	}
	return "", false
}

// findUp walks from dir towards the root looking for a directory that
// contains target.
func findUp(dir, target string) (string, error) {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(dir, target)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find a %s file", target)
		}
		dir = parent
	}
}

// runBuild runs a build command and returns its output as issues when it
// fails.
func runBuild(ctx context.Context, dir string, env []string, name string, args ...string) []string {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var issues []string
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			issues = append(issues, line)
		}
	}
	return append(issues, fmt.Sprintf("%s %s: %v", name, strings.Join(args, " "), err))
}
