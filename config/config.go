// Package config loads the YAML configuration file and applies defaults.
// Every field is optional; a missing file or empty section falls back to a
// working default so the CLI runs with no configuration at all.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Model      ModelConfig      `yaml:"model"`
	Loop       LoopSettings     `yaml:"loop"`
	Compaction CompactionConfig `yaml:"compaction"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Tools      ToolsConfig      `yaml:"tools"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ModelConfig selects the model and its request parameters.
type ModelConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxRetries   int    `yaml:"max_retries"`
	// BaseDelay and MaxDelay bound the retry backoff.
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// LoopSettings bounds a single run.
type LoopSettings struct {
	MaxToolRounds       int  `yaml:"max_tool_rounds"`
	LoopDetection       bool `yaml:"loop_detection"`
	LoopDetectionWindow int  `yaml:"loop_detection_window"`
	MaxWorkflowDepth    int  `yaml:"max_workflow_depth"`
}

// CompactionConfig controls history condensing.
type CompactionConfig struct {
	BudgetTokens int `yaml:"budget_tokens"`
	RetainTurns  int `yaml:"retain_turns"`
}

// ApprovalConfig controls the approval gate and risk labeling.
type ApprovalConfig struct {
	Timeout            time.Duration `yaml:"timeout"`
	MediumRiskPatterns []string      `yaml:"medium_risk_patterns"`
	HighRiskPatterns   []string      `yaml:"high_risk_patterns"`
}

// ToolsConfig overrides per-tool output truncation.
type ToolsConfig struct {
	CharLimits map[string]int `yaml:"char_limits"`
	LineLimits map[string]int `yaml:"line_limits"`
}

// StorageConfig locates the session database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables
// the listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration that works with no file present.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Name:       "gpt-4o",
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Loop: LoopSettings{
			MaxToolRounds:       40,
			LoopDetection:       true,
			LoopDetectionWindow: 6,
			MaxWorkflowDepth:    2,
		},
		Compaction: CompactionConfig{
			BudgetTokens: 80000,
			RetainTurns:  10,
		},
		Approval: ApprovalConfig{
			Timeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			DBPath: "pulse.db",
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Loop.MaxToolRounds < 1 {
		return fmt.Errorf("loop.max_tool_rounds must be at least 1")
	}
	if c.Compaction.BudgetTokens < 0 {
		return fmt.Errorf("compaction.budget_tokens must not be negative")
	}
	if c.Compaction.RetainTurns < 0 {
		return fmt.Errorf("compaction.retain_turns must not be negative")
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("model.max_retries must not be negative")
	}
	return nil
}
