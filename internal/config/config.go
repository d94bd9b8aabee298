// Package config loads and validates the cevast configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/crocs-muni/cert-validataion-stats/internal/errors"
	"github.com/crocs-muni/cert-validataion-stats/internal/retry"
)

// Config represents the application configuration
type Config struct {
	Repository string          `yaml:"repository"`
	CertDB     CertDBConfig    `yaml:"certdb"`
	Collector  CollectorConfig `yaml:"collector"`
	Analysis   AnalysisConfig  `yaml:"analysis"`
	Lifecycle  LifecycleConfig `yaml:"lifecycle"`
	Daemon     DaemonConfig    `yaml:"daemon"`
	RunStore   RunStoreConfig  `yaml:"run_store"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// CertDBConfig configures the certificate storage.
type CertDBConfig struct {
	Storage string `yaml:"storage"`
	Workers int    `yaml:"workers,omitempty"` // commit parallelism, 0 = synchronous
}

// CollectorConfig configures remote dataset collection.
type CollectorConfig struct {
	APIKey string      `yaml:"api_key,omitempty"` // falls back to RAPID_API_KEY
	Ports  []string    `yaml:"ports,omitempty"`
	Types  []string    `yaml:"types,omitempty"`
	Retry  RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig configures download retry behavior.
type RetryConfig struct {
	Backoff    string        `yaml:"backoff,omitempty"` // fixed|linear|exponential
	Initial    time.Duration `yaml:"initial,omitempty"`
	Max        time.Duration `yaml:"max,omitempty"`
	MaxRetries int           `yaml:"max_retries,omitempty"`
}

// AnalysisConfig configures chain validation.
type AnalysisConfig struct {
	Workers       int      `yaml:"workers,omitempty"` // 0 = synchronous
	TrustStore    string   `yaml:"trust_store,omitempty"`
	Methods       []string `yaml:"methods,omitempty"` // empty = all available
	ReferenceTime int64    `yaml:"reference_time,omitempty"`
	ExportDir     string   `yaml:"export_dir,omitempty"` // scratch dir, default is owned and cleaned
}

// LifecycleConfig configures the package lifecycle targets.
type LifecycleConfig struct {
	Interpreter string `yaml:"interpreter,omitempty"`
}

// DaemonConfig configures continuous collection mode.
type DaemonConfig struct {
	Interval      time.Duration `yaml:"interval,omitempty"`
	MetricsListen string        `yaml:"metrics_listen,omitempty"` // empty disables the HTTP endpoint
	Unify         bool          `yaml:"unify,omitempty"`          // run unify after each scheduled collect
}

// RunStoreConfig configures pipeline run persistence.
type RunStoreConfig struct {
	Path string `yaml:"path,omitempty"` // empty disables, ":memory:" for ephemeral
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // debug|info|warn|error
}

// Load loads configuration from the specified file
func Load(configPath string) (*Config, error) {
	// Load .env/.env.local if present; process environment wins.
	for _, envPath := range []string{".env", ".env.local"} {
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				fmt.Fprintf(os.Stderr, "Note: %s could not be loaded: %v\n", envPath, err)
			}
			break
		}
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, errors.ConfigNotFound(configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to read config file")
	}

	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfig, errors.SeverityFatal, "failed to parse config file")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// RapidAPIKey resolves the collector API key from config or environment.
func (c *Config) RapidAPIKey() string {
	if c.Collector.APIKey != "" {
		return c.Collector.APIKey
	}
	return os.Getenv("RAPID_API_KEY")
}

// Policy converts the retry section into a retry policy. Unset fields keep
// the default policy values.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.Backoff != "" {
		p.Mode = retry.BackoffMode(r.Backoff)
	}
	if r.Initial > 0 {
		p.Initial = r.Initial
	}
	if r.Max > 0 {
		p.Max = r.Max
	}
	if r.MaxRetries > 0 {
		p.MaxRetries = r.MaxRetries
	}
	return p
}
