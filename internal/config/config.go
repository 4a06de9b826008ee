// ABOUTME: Configuration loading and parsing for tandem
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete tandem configuration
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Queue    QueueConfig    `yaml:"queue"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Threads  ThreadsConfig  `yaml:"threads"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds session token configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	SessionTTL    time.Duration `yaml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl"`
}

// QueueConfig holds delivery queue tunables
type QueueConfig struct {
	Concurrency  int64 `yaml:"concurrency"`
	MaxRetries   int   `yaml:"max_retries"`
	MaxLaneDepth int   `yaml:"max_lane_depth"`

	BaseRetryDelay time.Duration `yaml:"-"`
	RetryDelay     time.Duration `yaml:"-"`
	HighTimeout    time.Duration `yaml:"-"`
	NormalTimeout  time.Duration `yaml:"-"`
	LowTimeout     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BaseRetryDelayRaw string `yaml:"base_retry_delay"`
	RetryDelayRaw     string `yaml:"retry_delay"`
	HighTimeoutRaw    string `yaml:"high_timeout"`
	NormalTimeoutRaw  string `yaml:"normal_timeout"`
	LowTimeoutRaw     string `yaml:"low_timeout"`
}

// MonitorConfig holds agent liveness tunables
type MonitorConfig struct {
	AgentExpiration    time.Duration `yaml:"-"`
	CleanupInterval    time.Duration `yaml:"-"`
	AgentExpirationRaw string        `yaml:"agent_expiration"`
	CleanupIntervalRaw string        `yaml:"cleanup_interval"`
}

// ThreadsConfig holds thread registry tunables
type ThreadsConfig struct {
	MaxAge    time.Duration `yaml:"-"`
	MaxAgeRaw string        `yaml:"max_age"`
}

// DedupeConfig holds duplicate-send suppression tunables
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	TTLRaw  string        `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Queue.Concurrency < 0 {
		return fmt.Errorf("queue.concurrency must not be negative")
	}
	if c.Queue.MaxLaneDepth < 0 {
		return fmt.Errorf("queue.max_lane_depth must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL, "auth.session_ttl"},
		{cfg.Queue.BaseRetryDelayRaw, &cfg.Queue.BaseRetryDelay, "queue.base_retry_delay"},
		{cfg.Queue.RetryDelayRaw, &cfg.Queue.RetryDelay, "queue.retry_delay"},
		{cfg.Queue.HighTimeoutRaw, &cfg.Queue.HighTimeout, "queue.high_timeout"},
		{cfg.Queue.NormalTimeoutRaw, &cfg.Queue.NormalTimeout, "queue.normal_timeout"},
		{cfg.Queue.LowTimeoutRaw, &cfg.Queue.LowTimeout, "queue.low_timeout"},
		{cfg.Monitor.AgentExpirationRaw, &cfg.Monitor.AgentExpiration, "monitor.agent_expiration"},
		{cfg.Monitor.CleanupIntervalRaw, &cfg.Monitor.CleanupInterval, "monitor.cleanup_interval"},
		{cfg.Threads.MaxAgeRaw, &cfg.Threads.MaxAge, "threads.max_age"},
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
