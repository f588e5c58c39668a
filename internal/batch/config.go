// Package batch runs scheduled processing windows: cron-timed invocations
// of the checklist processor with per-window overrides.
package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/cantonio/checklist-orchestrator/internal/config"
)

// WindowConfig is one scheduled processing window
type WindowConfig struct {
	Name          string                `toml:"name"`
	Cron          string                `toml:"cron"`
	BatchSize     int                   `toml:"batch_size"`
	MaxIterations int                   `toml:"max_iterations"`
	Mode          config.ProcessingMode `toml:"mode"`
	MaxDuration   time.Duration         `toml:"max_duration"`
}

// ScheduleConfig holds all processing windows
type ScheduleConfig struct {
	Windows []WindowConfig `toml:"window"`
}

// Validate checks the window and fills defaults
func (w *WindowConfig) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("window name is required")
	}
	if w.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(w.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 5
	}
	if w.MaxIterations <= 0 {
		w.MaxIterations = 20
	}
	if w.Mode == "" {
		w.Mode = config.ModeFinite
	}
	if w.MaxDuration <= 0 {
		w.MaxDuration = 4 * time.Hour
	}
	return nil
}

// Apply overlays the window's overrides onto a processor configuration
func (w *WindowConfig) Apply(cfg *config.Config) {
	cfg.General.BatchSize = w.BatchSize
	cfg.General.MaxIterations = w.MaxIterations
	cfg.General.Mode = w.Mode
}

// LoadScheduleConfig loads the window schedule from a TOML file. A missing
// file is an empty schedule.
func LoadScheduleConfig(path string) (*ScheduleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ScheduleConfig{}, nil
		}
		return nil, err
	}

	var cfg ScheduleConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Windows {
		if err := cfg.Windows[i].Validate(); err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
	}

	return &cfg, nil
}
