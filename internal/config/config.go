package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ProcessingMode selects finite or infinite (self-extending) processing
type ProcessingMode string

const (
	ModeFinite   ProcessingMode = "finite"
	ModeInfinite ProcessingMode = "infinite"
)

// DefaultCompletionMarker is the literal string a worker emits when done
const DefaultCompletionMarker = "ITEM_COMPLETE"

// Config holds all orchestrator configuration
type Config struct {
	General  GeneralConfig  `toml:"general"`
	Runtime  RuntimeConfig  `toml:"runtime"`
	Timeouts TimeoutConfig  `toml:"timeouts"`
	Retry    RetryConfig    `toml:"retry"`
	Web      WebConfig      `toml:"web"`
	Notify   NotifyConfig   `toml:"notifications"`
}

// GeneralConfig holds paths and processing settings
type GeneralConfig struct {
	RepoRoot         string         `toml:"repo_root"`
	ChecklistPath    string         `toml:"checklist_path"`
	RunsDir          string         `toml:"runs_dir"`
	StateDir         string         `toml:"state_dir"`
	DatabasePath     string         `toml:"database_path"`
	BatchSize        int            `toml:"batch_size"`
	MaxIterations    int            `toml:"max_iterations"`
	Mode             ProcessingMode `toml:"mode"`
	CompletionMarker string         `toml:"completion_marker"`
	DryRun           bool           `toml:"dry_run"`
}

// RuntimeConfig selects the agent runtime and model
type RuntimeConfig struct {
	Name    Runtime `toml:"name"`
	Model   string  `toml:"model"`
	Command string  `toml:"command"`
}

// RetryConfig holds the retry policy
type RetryConfig struct {
	MaxRetries           int   `toml:"max_retries"`
	BaseDelayMs          int64 `toml:"base_delay_ms"`
	MaxDelayMs           int64 `toml:"max_delay_ms"`
	UseCheckpointOnRetry bool  `toml:"use_checkpoint_on_retry"`
}

// MaxAttempts returns the total attempt budget per item
func (r RetryConfig) MaxAttempts() int {
	return r.MaxRetries + 1
}

// WebConfig holds the status server settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// NotifyConfig holds notification delivery settings
type NotifyConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			BatchSize:        5,
			MaxIterations:    20,
			Mode:             ModeFinite,
			CompletionMarker: DefaultCompletionMarker,
		},
		Runtime: RuntimeConfig{
			Name: RuntimeOpenCode,
		},
		Timeouts: TimeoutConfig{
			RetryMultiplier: DefaultRetryMultiplier,
		},
		Retry: RetryConfig{
			MaxRetries:           2,
			BaseDelayMs:          5000,
			MaxDelayMs:           30000,
			UseCheckpointOnRetry: true,
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.RepoRoot = ExpandPath(cfg.General.RepoRoot)
	cfg.General.ChecklistPath = ExpandPath(cfg.General.ChecklistPath)
	cfg.General.RunsDir = ExpandPath(cfg.General.RunsDir)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	return cfg, nil
}

// Save writes the configuration to a TOML file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Resolve fills derived paths from the repo root and validates settings.
// Fail-fast: an invalid configuration is an error, not a warning.
func (c *Config) Resolve() error {
	if c.General.RepoRoot == "" {
		c.General.RepoRoot = "."
	}
	abs, err := filepath.Abs(c.General.RepoRoot)
	if err != nil {
		return fmt.Errorf("resolving repo root: %w", err)
	}
	c.General.RepoRoot = abs

	if _, err := os.Stat(c.General.RepoRoot); err != nil {
		return fmt.Errorf("repository root does not exist: %s", c.General.RepoRoot)
	}

	c.General.ChecklistPath = c.resolveUnderRoot(c.General.ChecklistPath, "SUT-CHECKLIST.md")
	c.General.RunsDir = c.resolveUnderRoot(c.General.RunsDir, "runs")
	c.General.StateDir = c.resolveUnderRoot(c.General.StateDir, ".checklist-orchestrator")
	c.General.DatabasePath = c.resolveUnderRoot(c.General.DatabasePath,
		filepath.Join(".checklist-orchestrator", "orchestrator.db"))

	if c.General.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1, got %d", c.General.BatchSize)
	}
	if c.General.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.General.MaxIterations)
	}
	if c.Timeouts.BaseTimeoutMs != 0 && c.Timeouts.BaseTimeoutMs < 1000 {
		return fmt.Errorf("base_timeout_ms must be >= 1000, got %d", c.Timeouts.BaseTimeoutMs)
	}
	if c.Timeouts.RetryMultiplier <= 0 {
		c.Timeouts.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.General.CompletionMarker == "" {
		c.General.CompletionMarker = DefaultCompletionMarker
	}
	if _, ok := c.Runtime.Name.Spec(); !ok {
		return fmt.Errorf("unknown runtime %q", c.Runtime.Name)
	}

	return nil
}

func (c *Config) resolveUnderRoot(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.General.RepoRoot, path)
}

// EnsureDirectories creates the runs and state directories
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.General.RunsDir, c.General.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// RuntimeCommand returns the worker command: config override, then the
// runtime's environment variable, then its default.
func (c *Config) RuntimeCommand() string {
	if c.Runtime.Command != "" {
		return c.Runtime.Command
	}
	spec, _ := c.Runtime.Name.Spec()
	if cmd := os.Getenv(spec.CommandEnv); cmd != "" {
		return cmd
	}
	return spec.DefaultCommand
}

// Model returns the configured model, defaulting to the runtime's default
func (c *Config) Model() string {
	if c.Runtime.Model != "" {
		return c.Runtime.Model
	}
	spec, _ := c.Runtime.Name.Spec()
	return spec.DefaultModel
}

// RuntimeArgs builds the worker argument list for the selected runtime
func (c *Config) RuntimeArgs() []string {
	spec, _ := c.Runtime.Name.Spec()
	return spec.BuildArgs(c.Model())
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "checklist-orchestrator", "config.toml")
}
