package config

import "time"

// Default values applied after unmarshalling.
const (
	DefaultInterpreter    = "python3"
	DefaultTrustStore     = "/etc/pki/tls/cert.pem"
	DefaultDaemonInterval = 24 * time.Hour
	DefaultLogLevel       = "info"
)

func (c *Config) applyDefaults() {
	if c.Repository == "" {
		c.Repository = "."
	}
	if len(c.Collector.Ports) == 0 {
		c.Collector.Ports = []string{"443"}
	}
	if len(c.Collector.Types) == 0 {
		c.Collector.Types = []string{"hosts", "certs"}
	}
	if c.Analysis.TrustStore == "" {
		c.Analysis.TrustStore = DefaultTrustStore
	}
	if c.Lifecycle.Interpreter == "" {
		c.Lifecycle.Interpreter = DefaultInterpreter
	}
	if c.Daemon.Interval <= 0 {
		c.Daemon.Interval = DefaultDaemonInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}
