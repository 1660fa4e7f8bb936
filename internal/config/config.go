package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all reconduit configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Asset database
	Database DatabaseConfig `yaml:"database"`

	// Redis-backed event bus
	Redis RedisConfig `yaml:"redis"`
	Bus   BusConfig   `yaml:"bus"`

	// Scan execution
	Scan ScanConfig `yaml:"scan"`

	// External tool binaries
	Tools ToolsConfig `yaml:"tools"`

	// Headless crawler
	Crawler CrawlerConfig `yaml:"crawler"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`
}

// DatabaseConfig configures the SQLite asset store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// RedisConfig configures the broker connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig configures event delivery.
type BusConfig struct {
	// Workers pulled concurrently per queue subscription
	Prefetch int `yaml:"prefetch"`

	// How long a claimed message may stay unacked before redelivery
	VisibilityTimeout string `yaml:"visibility_timeout"`

	// How often the reaper scans for expired claims
	ReapInterval string `yaml:"reap_interval"`
}

// ScanConfig configures tool execution and ingestion.
type ScanConfig struct {
	// Default per-invocation timeout in seconds (clamped to 1..3600)
	ToolTimeoutSeconds int `yaml:"tool_timeout_seconds"`

	// SIGTERM to SIGKILL escalation window
	KillGrace string `yaml:"kill_grace"`

	// Ingestion batch size
	BatchSize int `yaml:"batch_size"`

	// Concurrent tool runs per pipeline stage
	StageConcurrency int `yaml:"stage_concurrency"`

	// Scope confidence threshold
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// Wordlist arms content fuzzing of discovered URLs when set
	Wordlist string `yaml:"wordlist"`

	// Requests per second passed to rate-limited tools; 0 keeps tool defaults
	RateLimit int `yaml:"rate_limit"`
}

// ToolsConfig configures external scanner binaries.
type ToolsConfig struct {
	// Explicit binary paths by tool name; unlisted tools resolve via $PATH
	Paths map[string]string `yaml:"paths"`

	// Optional standalone path table file, hot-reloaded when watch is set
	PathFile string `yaml:"path_file"`
	Watch    bool   `yaml:"watch"`
}

// CrawlerConfig configures the headless crawler bridge.
type CrawlerConfig struct {
	// Path to the crawlerd binary; empty means look up in $PATH
	Bin string `yaml:"bin"`

	// Optional browser binary override passed through to rod
	BrowserBin string `yaml:"browser_bin"`

	MaxDepth      int    `yaml:"max_depth"`
	MaxPathLength int    `yaml:"max_path_length"`
	PageTimeout   string `yaml:"page_timeout"`
	Headless      bool   `yaml:"headless"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "reconduit",

		Database: DatabaseConfig{
			Path:        "data/reconduit.db",
			BusyTimeout: "5s",
		},

		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},

		Bus: BusConfig{
			Prefetch:          4,
			VisibilityTimeout: "15m",
			ReapInterval:      "30s",
		},

		Scan: ScanConfig{
			ToolTimeoutSeconds:  600,
			KillGrace:           "5s",
			BatchSize:           50,
			StageConcurrency:    4,
			ConfidenceThreshold: 0.6,
		},

		Tools: ToolsConfig{
			Paths: map[string]string{},
		},

		Crawler: CrawlerConfig{
			MaxDepth:      3,
			MaxPathLength: 12,
			PageTimeout:   "30s",
			Headless:      true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9109",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must not be empty")
	}
	if c.Bus.Prefetch < 1 {
		return fmt.Errorf("bus.prefetch must be at least 1, got %d", c.Bus.Prefetch)
	}
	if c.Scan.BatchSize < 1 {
		return fmt.Errorf("scan.batch_size must be at least 1, got %d", c.Scan.BatchSize)
	}
	if c.Scan.ConfidenceThreshold < 0 || c.Scan.ConfidenceThreshold > 1 {
		return fmt.Errorf("scan.confidence_threshold must be within [0,1], got %v", c.Scan.ConfidenceThreshold)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("RECONDUIT_DB"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("RECONDUIT_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if pw := os.Getenv("RECONDUIT_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if db := os.Getenv("RECONDUIT_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = n
		}
	}
	if level := os.Getenv("RECONDUIT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if bin := os.Getenv("RECONDUIT_CRAWLER_BIN"); bin != "" {
		c.Crawler.Bin = bin
	}
}

// ToolTimeout returns the default tool timeout clamped to [1s, 1h].
func (c *Config) ToolTimeout() time.Duration {
	secs := c.Scan.ToolTimeoutSeconds
	if secs < 1 {
		secs = 1
	}
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

// KillGrace returns the SIGTERM escalation window.
func (c *Config) KillGrace() time.Duration {
	d, err := time.ParseDuration(c.Scan.KillGrace)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// VisibilityTimeout returns how long claimed bus messages stay invisible.
func (c *Config) VisibilityTimeout() time.Duration {
	d, err := time.ParseDuration(c.Bus.VisibilityTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// ReapInterval returns the redelivery scan period.
func (c *Config) ReapInterval() time.Duration {
	d, err := time.ParseDuration(c.Bus.ReapInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// PageTimeout returns the per-page crawl budget.
func (c *Config) PageTimeout() time.Duration {
	d, err := time.ParseDuration(c.Crawler.PageTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DatabaseBusyTimeout returns the SQLite busy timeout.
func (c *Config) DatabaseBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Database.BusyTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}
