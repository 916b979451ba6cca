// ABOUTME: Configuration loading and parsing for mcp-broker.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete mcp-broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the broker listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the collaboration log database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HeartbeatConfig holds liveness timing configuration.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"-"`
	MissThreshold time.Duration `yaml:"-"`
	EvictAfter    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw      string `yaml:"interval"`
	MissThresholdRaw string `yaml:"miss_threshold"`
	EvictAfterRaw    string `yaml:"evict_after"`
}

// DispatchConfig holds tool forwarding configuration.
type DispatchConfig struct {
	CallTimeout time.Duration `yaml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds per-instance circuit breaker tuning.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"-"`

	OpenTimeoutRaw string `yaml:"open_timeout"`
}

// RetentionConfig holds collaboration log retention configuration.
type RetentionConfig struct {
	CausalWindow time.Duration `yaml:"-"`
	MaxAge       time.Duration `yaml:"-"`

	CausalWindowRaw string `yaml:"causal_window"`
	MaxAgeRaw       string `yaml:"max_age"`

	// Schedule is a cron expression for the prune job. Empty disables
	// pruning.
	Schedule string `yaml:"schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for timing configuration. The heartbeat interval is the monitor
// tick; the miss threshold defaults to two missed intervals.
const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultCallTimeout       = 30 * time.Second
	DefaultCausalWindow      = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8700"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/collab.db"
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.MissThreshold == 0 {
		c.Heartbeat.MissThreshold = 2 * c.Heartbeat.Interval
	}
	if c.Dispatch.CallTimeout == 0 {
		c.Dispatch.CallTimeout = DefaultCallTimeout
	}
	if c.Retention.CausalWindow == 0 {
		c.Retention.CausalWindow = DefaultCausalWindow
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that the configuration is coherent.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.MissThreshold <= 0 {
		return fmt.Errorf("heartbeat durations must be positive")
	}
	if c.Heartbeat.MissThreshold < c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.miss_threshold %s is shorter than the interval %s",
			c.Heartbeat.MissThreshold, c.Heartbeat.Interval)
	}
	if c.Retention.Schedule != "" && c.Retention.MaxAge == 0 {
		return fmt.Errorf("retention.max_age is required when retention.schedule is set")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dest *time.Duration
		name string
	}{
		{cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval, "heartbeat.interval"},
		{cfg.Heartbeat.MissThresholdRaw, &cfg.Heartbeat.MissThreshold, "heartbeat.miss_threshold"},
		{cfg.Heartbeat.EvictAfterRaw, &cfg.Heartbeat.EvictAfter, "heartbeat.evict_after"},
		{cfg.Dispatch.CallTimeoutRaw, &cfg.Dispatch.CallTimeout, "dispatch.call_timeout"},
		{cfg.Dispatch.Breaker.OpenTimeoutRaw, &cfg.Dispatch.Breaker.OpenTimeout, "dispatch.breaker.open_timeout"},
		{cfg.Retention.CausalWindowRaw, &cfg.Retention.CausalWindow, "retention.causal_window"},
		{cfg.Retention.MaxAgeRaw, &cfg.Retention.MaxAge, "retention.max_age"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dest = d
	}

	return nil
}
