// Package config loads the bridge's configuration from an optional YAML
// file layered under environment variables, using Viper the way the
// teacher's config loader does: set defaults, bind env, unmarshal,
// validate, fail fast. There is no hot-reload — configuration is read once
// at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/plantfloor/batchbridge/internal/handshake"
)

// Config is the bridge's full runtime configuration.
type Config struct {
	PLC       PLCConfig       `mapstructure:"plc"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Status    StatusConfig    `mapstructure:"status"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// PLCConfig describes the EtherNet/IP connection and tag layout (component A).
type PLCConfig struct {
	Address        string        `mapstructure:"address"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TriggerTag     string        `mapstructure:"trigger_tag"`
	ErrorCodeTag   string        `mapstructure:"error_code_tag"`
	HeartbeatTag   string        `mapstructure:"heartbeat_tag"`
	RecipeFields   map[string]TagSpec `mapstructure:"recipe_fields"`
	ExtraFields    map[string]TagSpec `mapstructure:"extra_fields"`
	SlotFields     map[string]TagSpec `mapstructure:"slot_fields"`
}

// TagSpec names a PLC tag and its scalar kind.
type TagSpec struct {
	Tag  string `mapstructure:"tag"`
	Kind string `mapstructure:"kind"` // "int64", "float64", "bool", "string"
}

// DatabaseConfig describes the remote Postgres writer (component B).
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	TimestampColumn string        `mapstructure:"timestamp_column"`
	MaxConns        int32         `mapstructure:"max_conns"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	RetryMaxRetries int           `mapstructure:"retry_max_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
}

// BufferConfig describes the durable SQLite buffer (component C).
type BufferConfig struct {
	Path          string        `mapstructure:"path"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

// HandshakeConfig describes the coordinator's mapping and validation bounds
// (component D).
type HandshakeConfig struct {
	PollInterval time.Duration             `mapstructure:"poll_interval"`
	Bounds       map[string]handshake.Bounds `mapstructure:"bounds"`
}

// HeartbeatConfig describes the watchdog stepper's cadence (component E).
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StatusConfig describes the JSON status surface's output path and cadence.
type StatusConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig describes the Prometheus textfile exporter (component G).
type MetricsConfig struct {
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logging configuration, copied directly from the shape
// pkg/logger.Config expects.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads configuration from an optional YAML file at path, layers
// BRIDGE_-prefixed environment variables over it, and validates the
// result. configPath may be empty, in which case only defaults and
// environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("plc.connect_timeout", "5s")
	v.SetDefault("plc.trigger_tag", "Handshake.Trigger")
	v.SetDefault("plc.error_code_tag", "Handshake.ErrorCode")
	v.SetDefault("plc.heartbeat_tag", "Handshake.Heartbeat")

	v.SetDefault("database.table", "batch_records")
	v.SetDefault("database.timestamp_column", "recorded_at")
	v.SetDefault("database.max_conns", 5)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.query_timeout", "30s")
	v.SetDefault("database.retry_max_retries", 3)
	v.SetDefault("database.retry_base_delay", "1s")
	v.SetDefault("database.retry_max_delay", "60s")

	v.SetDefault("buffer.path", "/var/lib/batchbridge/buffer.db")
	v.SetDefault("buffer.drain_interval", "30s")

	v.SetDefault("handshake.poll_interval", "100ms")

	v.SetDefault("heartbeat.interval", "2s")

	v.SetDefault("status.path", "/var/lib/batchbridge/status.json")
	v.SetDefault("status.interval", "1s")

	v.SetDefault("metrics.path", "/var/lib/batchbridge/metrics.prom")
	v.SetDefault("metrics.interval", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)
}

// Validate fails fast on configuration that would leave a component unable
// to start, matching the bridge's "configuration error → fail fast" policy.
func (c *Config) Validate() error {
	if c.PLC.Address == "" {
		return fmt.Errorf("plc.address cannot be empty")
	}
	if c.PLC.TriggerTag == "" {
		return fmt.Errorf("plc.trigger_tag cannot be empty")
	}
	if len(c.PLC.RecipeFields) == 0 {
		return fmt.Errorf("plc.recipe_fields must map at least one field")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn cannot be empty")
	}
	if c.Database.Table == "" {
		return fmt.Errorf("database.table cannot be empty")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("database.max_conns must be positive")
	}

	if c.Buffer.Path == "" {
		return fmt.Errorf("buffer.path cannot be empty")
	}

	if c.Handshake.PollInterval <= 0 {
		return fmt.Errorf("handshake.poll_interval must be positive")
	}
	for field, b := range c.Handshake.Bounds {
		if b.Min > b.Max {
			return fmt.Errorf("handshake.bounds[%s]: min %.4f exceeds max %.4f", field, b.Min, b.Max)
		}
	}

	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}

	if c.Status.Path == "" {
		return fmt.Errorf("status.path cannot be empty")
	}

	if c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path cannot be empty")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log.level cannot be empty")
	}

	return nil
}
