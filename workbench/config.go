package workbench

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full workbench configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	OrgID     string          `yaml:"org_id"`
	LogLevel  string          `yaml:"log_level"`
	Backend   BackendConfig   `yaml:"backend"`
	Poll      PollConfig      `yaml:"poll"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Retention RetentionConfig `yaml:"retention"`
}

// BackendConfig points at the analysis service.
type BackendConfig struct {
	URL              string        `yaml:"url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	SessionCookie    string        `yaml:"session_cookie"` // name=value, optional
}

// PollConfig tunes the status loop.
type PollConfig struct {
	Delay time.Duration `yaml:"delay"`
}

// MetricsConfig tunes metric batching.
type MetricsConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RetentionConfig bounds how long notices and metrics are kept.
type RetentionConfig struct {
	Notices  time.Duration `yaml:"notices"`
	Metrics  time.Duration `yaml:"metrics"`
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8090",
		DBPath:   "narthex.db",
		LogLevel: "info",
		Backend: BackendConfig{
			URL:              "http://localhost:9000/narthex",
			Timeout:          30 * time.Second,
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Poll: PollConfig{Delay: time.Second},
		Metrics: MetricsConfig{
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
		},
		Retention: RetentionConfig{
			Notices:  7 * 24 * time.Hour,
			Metrics:  30 * 24 * time.Hour,
			Interval: time.Hour,
		},
	}
}

// LoadConfig reads and parses a YAML config file. Returns DefaultConfig merged with the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be > 0")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries must be >= 0")
	}
	if c.Poll.Delay <= 0 {
		return fmt.Errorf("poll.delay must be > 0")
	}
	if c.Backend.SessionCookie != "" && !strings.Contains(c.Backend.SessionCookie, "=") {
		return fmt.Errorf("backend.session_cookie must be name=value")
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level %q (use debug, info, warn or error)", c.LogLevel)
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
