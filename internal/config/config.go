package config

import (
	"time"
)

// Config represents the main Loom configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Database holds the shared SQLite substrate settings
	Database DatabaseConfig `json:"database" mapstructure:"database"`

	// Instance identifies this server instance in the run registry
	Instance InstanceConfig `json:"instance" mapstructure:"instance"`

	// Run bounds the orchestration loop
	Run RunConfig `json:"run" mapstructure:"run"`

	// Models configures per-model context budgets
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Providers holds LLM provider credentials
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// DatabaseConfig holds SQLite settings
type DatabaseConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// InstanceConfig identifies and bounds this instance's run registry behavior
type InstanceConfig struct {
	ID                string        `json:"id" mapstructure:"id"`
	ClaimTTL          time.Duration `json:"claim_ttl" mapstructure:"claim_ttl"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	RetentionWindow   time.Duration `json:"retention_window" mapstructure:"retention_window"`
	SweepSchedule     string        `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// RunConfig bounds a single orchestration loop
type RunConfig struct {
	MaxIterations int           `json:"max_iterations" mapstructure:"max_iterations"`
	ToolTimeout   time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	MaxRetries    int           `json:"max_retries" mapstructure:"max_retries"`
	Streaming     bool          `json:"streaming" mapstructure:"streaming"`
}

// ModelConfig holds per-model context budget knobs. Context windows differ
// per model, so thresholds are configured here rather than as globals.
type ModelConfig struct {
	ContextWindow  int     `json:"context_window" mapstructure:"context_window"`
	SummarizeRatio float64 `json:"summarize_ratio" mapstructure:"summarize_ratio"`
	SummaryTarget  int     `json:"summary_target" mapstructure:"summary_target"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default    string                 `json:"default" mapstructure:"default"`
	Summarizer string                 `json:"summarizer" mapstructure:"summarizer"`
	Overrides  map[string]ModelConfig `json:"overrides" mapstructure:"overrides"`
}

// ProvidersConfig holds LLM provider credentials
type ProvidersConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key" mapstructure:"openai_api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Instance: InstanceConfig{
			ClaimTTL:          30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			PollInterval:      500 * time.Millisecond,
			RetentionWindow:   10 * time.Minute,
			SweepSchedule:     "@every 1m",
		},
		Run: RunConfig{
			MaxIterations: 25,
			ToolTimeout:   30 * time.Second,
			MaxRetries:    3,
			Streaming:     true,
		},
		Models: ModelsConfig{
			Default:    "claude-sonnet-4-20250514",
			Summarizer: "gpt-4o-mini",
			Overrides:  map[string]ModelConfig{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
	}
}

// ModelFor returns the budget knobs for a model, falling back to defaults
// sized for a 200k-token window.
func (c *Config) ModelFor(modelID string) ModelConfig {
	if mc, ok := c.Models.Overrides[modelID]; ok {
		if mc.ContextWindow <= 0 {
			mc.ContextWindow = 200000
		}
		if mc.SummarizeRatio <= 0 {
			mc.SummarizeRatio = 0.6
		}
		if mc.SummaryTarget <= 0 {
			mc.SummaryTarget = 10000
		}
		return mc
	}
	return ModelConfig{
		ContextWindow:  200000,
		SummarizeRatio: 0.6,
		SummaryTarget:  10000,
	}
}
