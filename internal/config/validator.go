package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks the configuration for invalid or self-contradictory values.
func (c *Config) Validate() error {
	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("run.max_iterations must be positive")
	}
	if c.Run.ToolTimeout <= 0 {
		return fmt.Errorf("run.tool_timeout must be positive")
	}
	if c.Run.MaxRetries < 0 {
		return fmt.Errorf("run.max_retries cannot be negative")
	}

	if c.Instance.ClaimTTL <= 0 {
		return fmt.Errorf("instance.claim_ttl must be positive")
	}
	if c.Instance.HeartbeatInterval <= 0 {
		return fmt.Errorf("instance.heartbeat_interval must be positive")
	}
	if c.Instance.HeartbeatInterval >= c.Instance.ClaimTTL {
		return fmt.Errorf("instance.heartbeat_interval must be shorter than instance.claim_ttl")
	}
	if c.Instance.PollInterval <= 0 {
		return fmt.Errorf("instance.poll_interval must be positive")
	}
	if c.Instance.RetentionWindow <= 0 {
		return fmt.Errorf("instance.retention_window must be positive")
	}
	if c.Instance.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Instance.SweepSchedule); err != nil {
			return fmt.Errorf("instance.sweep_schedule is not a valid cron expression: %w", err)
		}
	}

	if c.Models.Default == "" {
		return fmt.Errorf("models.default cannot be empty")
	}
	if c.Models.Summarizer == "" {
		return fmt.Errorf("models.summarizer cannot be empty")
	}
	for id, mc := range c.Models.Overrides {
		if mc.ContextWindow < 0 {
			return fmt.Errorf("models.overrides[%s].context_window cannot be negative", id)
		}
		if mc.SummarizeRatio < 0 || mc.SummarizeRatio > 1 {
			return fmt.Errorf("models.overrides[%s].summarize_ratio must be between 0 and 1", id)
		}
		if mc.SummaryTarget < 0 {
			return fmt.Errorf("models.overrides[%s].summary_target cannot be negative", id)
		}
		if mc.SummaryTarget > 0 && mc.ContextWindow > 0 && mc.SummaryTarget >= mc.ContextWindow {
			return fmt.Errorf("models.overrides[%s].summary_target must be smaller than the context window", id)
		}
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}

	return nil
}
