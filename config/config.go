package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	Presence   PresenceConfig   `yaml:"presence"`
	Messages   MessagesConfig   `yaml:"messages"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port                 int     `yaml:"port"`
	RateLimitPerSec      float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst       int     `yaml:"rate_limit_burst"`
	StatsCacheTTLSeconds int     `yaml:"stats_cache_ttl_seconds"`

	StatsCacheTTL time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // postgres or sqlite
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"` // silent, error, warn, info
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// PresenceConfig holds connection registry and heartbeat settings.
type PresenceConfig struct {
	InstanceID            string `yaml:"instance_id"`
	StaleThresholdSeconds int    `yaml:"stale_threshold_seconds"`
	HeartbeatFlushSize    int    `yaml:"heartbeat_flush_size"`
	HeartbeatFlushSeconds int    `yaml:"heartbeat_flush_seconds"`

	StaleThreshold         time.Duration `yaml:"-"`
	HeartbeatFlushInterval time.Duration `yaml:"-"`
}

// MessagesConfig holds message persistence settings.
type MessagesConfig struct {
	DefaultTTLHours int `yaml:"default_ttl_hours"`
	// RetentionDays bounds how long delivered messages are kept. 0 keeps them.
	RetentionDays int `yaml:"retention_days"`

	DefaultTTL time.Duration `yaml:"-"`
	Retention  time.Duration `yaml:"-"`
}

// CleanupConfig holds the background cleanup schedule.
type CleanupConfig struct {
	IntervalSeconds   int `yaml:"interval_seconds"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`

	Interval   time.Duration `yaml:"-"`
	RetryDelay time.Duration `yaml:"-"`
}

// WorkerPoolConfig holds the configuration for the delivery worker pool.
type WorkerPoolConfig struct {
	Size                int `yaml:"size"`
	QueueSize           int `yaml:"queue_size"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	PollInterval time.Duration `yaml:"-"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 20
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 10
	}
	if cfg.Server.StatsCacheTTLSeconds <= 0 {
		cfg.Server.StatsCacheTTLSeconds = 5
	}
	cfg.Server.StatsCacheTTL = time.Duration(cfg.Server.StatsCacheTTLSeconds) * time.Second

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Presence.InstanceID == "" {
		cfg.Presence.InstanceID = defaultInstanceID()
	}
	if cfg.Presence.StaleThresholdSeconds <= 0 {
		cfg.Presence.StaleThresholdSeconds = 300
	}
	cfg.Presence.StaleThreshold = time.Duration(cfg.Presence.StaleThresholdSeconds) * time.Second
	if cfg.Presence.HeartbeatFlushSize <= 0 {
		cfg.Presence.HeartbeatFlushSize = 10
	}
	if cfg.Presence.HeartbeatFlushSeconds <= 0 {
		cfg.Presence.HeartbeatFlushSeconds = 30
	}
	cfg.Presence.HeartbeatFlushInterval = time.Duration(cfg.Presence.HeartbeatFlushSeconds) * time.Second

	if cfg.Messages.DefaultTTLHours <= 0 {
		cfg.Messages.DefaultTTLHours = 7 * 24
	}
	cfg.Messages.DefaultTTL = time.Duration(cfg.Messages.DefaultTTLHours) * time.Hour
	if cfg.Messages.RetentionDays < 0 {
		cfg.Messages.RetentionDays = 0
	}
	cfg.Messages.Retention = time.Duration(cfg.Messages.RetentionDays) * 24 * time.Hour

	if cfg.Cleanup.IntervalSeconds <= 0 {
		cfg.Cleanup.IntervalSeconds = 15 * 60
	}
	cfg.Cleanup.Interval = time.Duration(cfg.Cleanup.IntervalSeconds) * time.Second
	if cfg.Cleanup.RetryDelaySeconds <= 0 {
		cfg.Cleanup.RetryDelaySeconds = 60
	}
	cfg.Cleanup.RetryDelay = time.Duration(cfg.Cleanup.RetryDelaySeconds) * time.Second

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 4
	}
	if cfg.WorkerPool.QueueSize <= 0 {
		cfg.WorkerPool.QueueSize = 256
	}
	if cfg.WorkerPool.PollIntervalSeconds <= 0 {
		cfg.WorkerPool.PollIntervalSeconds = 5
	}
	cfg.WorkerPool.PollInterval = time.Duration(cfg.WorkerPool.PollIntervalSeconds) * time.Second
}

// defaultInstanceID names this process when no instance id is configured.
// The uuid suffix keeps two processes on one host apart.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "backplane"
	}
	return host + "-" + uuid.NewString()[:8]
}
