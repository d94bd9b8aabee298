package config

import (
	"fmt"
	"log/slog"

	"github.com/crocs-muni/cert-validataion-stats/internal/errors"
)

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// Validate checks configuration invariants after defaults are applied.
func (c *Config) Validate() error {
	if _, ok := validLogLevels[c.Logging.Level]; !ok {
		return errors.ValidationFailed("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	if c.CertDB.Workers < 0 {
		return errors.ValidationFailed("certdb.workers", "cannot be negative")
	}
	if c.Analysis.Workers < 0 {
		return errors.ValidationFailed("analysis.workers", "cannot be negative")
	}
	if c.Collector.Retry.MaxRetries < 0 {
		return errors.ValidationFailed("collector.retry.max_retries", "cannot be negative")
	}
	switch c.Collector.Retry.Backoff {
	case "", "fixed", "linear", "exponential":
	default:
		return errors.ValidationFailed("collector.retry.backoff", fmt.Sprintf("unknown mode %q", c.Collector.Retry.Backoff))
	}
	for _, p := range c.Collector.Ports {
		if p == "" {
			return errors.ValidationFailed("collector.ports", "empty port")
		}
	}
	return nil
}

// LogLevel returns the slog level for the configured logging level.
func (c *Config) LogLevel() slog.Level {
	if lvl, ok := validLogLevels[c.Logging.Level]; ok {
		return lvl
	}
	return slog.LevelInfo
}
