package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.General.BatchSize != 5 {
		t.Errorf("batch_size = %d, want 5", cfg.General.BatchSize)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Errorf("max_retries = %d, want 2", cfg.Retry.MaxRetries)
	}
	if cfg.Runtime.Name != RuntimeOpenCode {
		t.Errorf("runtime = %s, want opencode", cfg.Runtime.Name)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.General.RepoRoot = dir
	cfg.General.BatchSize = 3
	cfg.General.Mode = ModeInfinite
	cfg.Runtime.Name = RuntimeClaudeCode
	cfg.Runtime.Model = "claude-4.5-opus"
	cfg.Timeouts.BaseTimeoutMs = 120000

	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.General.BatchSize != 3 {
		t.Errorf("batch_size = %d, want 3", loaded.General.BatchSize)
	}
	if loaded.General.Mode != ModeInfinite {
		t.Errorf("mode = %s, want infinite", loaded.General.Mode)
	}
	if loaded.Runtime.Name != RuntimeClaudeCode {
		t.Errorf("runtime = %s, want claude-code", loaded.Runtime.Name)
	}
	if loaded.Timeouts.BaseTimeoutMs != 120000 {
		t.Errorf("base_timeout_ms = %d, want 120000", loaded.Timeouts.BaseTimeoutMs)
	}
}

func TestResolve_DerivesPathsUnderRoot(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.General.RepoRoot = dir

	if err := cfg.Resolve(); err != nil {
		t.Fatal(err)
	}
	if cfg.General.ChecklistPath != filepath.Join(dir, "SUT-CHECKLIST.md") {
		t.Errorf("checklist path = %s", cfg.General.ChecklistPath)
	}
	if cfg.General.RunsDir != filepath.Join(dir, "runs") {
		t.Errorf("runs dir = %s", cfg.General.RunsDir)
	}
	if !filepath.IsAbs(cfg.General.DatabasePath) {
		t.Errorf("database path not absolute: %s", cfg.General.DatabasePath)
	}
}

func TestResolve_Rejections(t *testing.T) {
	dir := t.TempDir()

	cfg := Default()
	cfg.General.RepoRoot = filepath.Join(dir, "missing")
	if err := cfg.Resolve(); err == nil {
		t.Error("missing repo root should fail")
	}

	cfg = Default()
	cfg.General.RepoRoot = dir
	cfg.General.BatchSize = 0
	if err := cfg.Resolve(); err == nil {
		t.Error("zero batch_size should fail")
	}

	cfg = Default()
	cfg.General.RepoRoot = dir
	cfg.Runtime.Name = "codex"
	if err := cfg.Resolve(); err == nil {
		t.Error("unknown runtime should fail")
	}

	cfg = Default()
	cfg.General.RepoRoot = dir
	cfg.Timeouts.BaseTimeoutMs = 500
	if err := cfg.Resolve(); err == nil {
		t.Error("sub-second base timeout should fail")
	}
}

func TestRuntimeCommand_Precedence(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Name = RuntimeOpenCode

	t.Setenv("OPENCODE_BIN", "")
	if got := cfg.RuntimeCommand(); got != "opencode" {
		t.Errorf("default command = %s, want opencode", got)
	}

	t.Setenv("OPENCODE_BIN", "/usr/local/bin/oc")
	if got := cfg.RuntimeCommand(); got != "/usr/local/bin/oc" {
		t.Errorf("env command = %s, want /usr/local/bin/oc", got)
	}

	cfg.Runtime.Command = "/opt/oc"
	if got := cfg.RuntimeCommand(); got != "/opt/oc" {
		t.Errorf("config command = %s, want /opt/oc", got)
	}
}

func TestRuntimeArgs(t *testing.T) {
	cfg := Default()
	cfg.Runtime.Name = RuntimeOpenCode
	got := cfg.RuntimeArgs()
	want := []string{"run", "--model", "minimax-coding-plan/MiniMax-M2.1"}
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	cfg.Runtime.Name = RuntimeClaudeCode
	cfg.Runtime.Model = ""
	got = cfg.RuntimeArgs()
	if len(got) != 3 || got[0] != "code" || got[2] != "claude-4.5-sonnet" {
		t.Errorf("claude-code args = %v", got)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/work"); got != filepath.Join(home, "work") {
		t.Errorf("ExpandPath(~/work) = %s", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath(/abs/path) = %s", got)
	}
}

func TestMaxAttempts(t *testing.T) {
	r := RetryConfig{MaxRetries: 2}
	if got := r.MaxAttempts(); got != 3 {
		t.Errorf("MaxAttempts = %d, want 3", got)
	}
}
