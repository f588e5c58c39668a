//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

const sampleChecklist = `---
mission: Probe the system under test for reliability gaps
system_name: demo
---

# SUT Checklist

## Tier 1: Core

| ID | Target | Priority | Risk | Status |
|----|--------|----------|------|--------|
| T1-001 | /auth/login | P1 Medium | Medium | ☐ Not Started |
| T1-002 | /auth/logout | P2 Low | Low | ☐ Not Started |
`

// binaryPath returns the path to the built CLI binary
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../checklist-orch",
		"./checklist-orch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "checklist-orch"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../checklist-orch", "../cmd/checklist-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../checklist-orch")
	return abs
}

// newTestRepo writes a repo root with a sample checklist and returns its path
func newTestRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "SUT-CHECKLIST.md"), []byte(sampleChecklist), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

// writeTestConfig creates a config file pointing at the repo root
func writeTestConfig(t *testing.T, repoRoot string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")

	config := `[general]
repo_root = "` + repoRoot + `"
batch_size = 2
max_iterations = 2

[runtime]
name = "opencode"
command = "/bin/false"

[notifications]
desktop = false

[web]
host = "127.0.0.1"
port = 8080
`

	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// runCLI executes the binary with --config and returns combined output
func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	full := append([]string{"--config", configPath}, args...)
	cmd := exec.Command(binaryPath(t), full...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
