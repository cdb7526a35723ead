// Package config loads taskflow settings from a YAML file and TASKFLOW_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TASKFLOW_STORAGE_BACKEND.
const EnvPrefix = "TASKFLOW"

// Config is the full taskflow configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	IDs       IDConfig        `yaml:"ids" mapstructure:"ids"`
	Analytics AnalyticsConfig `yaml:"analytics" mapstructure:"analytics"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Events    EventsConfig    `yaml:"events" mapstructure:"events"`
}

// StorageConfig selects and tunes the key-value backend.
type StorageConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"` // memory, file or redis
	Path      string `yaml:"path" mapstructure:"path"`       // file backend only
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
	ChunkSize int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	Quota     int    `yaml:"quota" mapstructure:"quota"` // memory and file backends, 0 = unlimited
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr         string        `yaml:"addr" mapstructure:"addr"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// IDConfig configures the snowflake id generator.
type IDConfig struct {
	MachineID int `yaml:"machine_id" mapstructure:"machine_id"`
}

// AnalyticsConfig holds analytics rules.
type AnalyticsConfig struct {
	StuckRule string `yaml:"stuck_rule" mapstructure:"stuck_rule"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // text or json
}

// EventsConfig sizes the event bus.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" mapstructure:"buffer_size"`
}

// DefaultStorePath is where the file backend keeps its data unless configured otherwise.
const DefaultStorePath = "taskflow.json"

// DefaultConfig returns the default configuration. It keeps state in memory;
// see PersistentDefaults for processes that must keep it.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:   "memory",
			ChunkSize: 1 << 20,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			IdleTimeout:  5 * time.Minute,
		},
		IDs:       IDConfig{MachineID: 1},
		Analytics: AnalyticsConfig{StuckRule: "revisedCount >= 3"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Events:    EventsConfig{BufferSize: 100},
	}
}

// PersistentDefaults is DefaultConfig with the file backend at DefaultStorePath.
func PersistentDefaults() *Config {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "file"
	cfg.Storage.Path = DefaultStorePath
	return cfg
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.key_prefix", d.Storage.KeyPrefix)
	v.SetDefault("storage.chunk_size", d.Storage.ChunkSize)
	v.SetDefault("storage.quota", d.Storage.Quota)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.idle_timeout", d.Redis.IdleTimeout)
	v.SetDefault("ids.machine_id", d.IDs.MachineID)
	v.SetDefault("analytics.stuck_rule", d.Analytics.StuckRule)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("events.buffer_size", d.Events.BufferSize)
}

// Load reads path (optional) over DefaultConfig and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	return LoadWithDefaults(path, DefaultConfig())
}

// LoadWithDefaults is Load over the given defaults.
func LoadWithDefaults(path string, defaults *Config) (*Config, error) {
	v := viper.New()
	setDefaults(v, defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "redis":
	case "file":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("file storage backend needs storage.path")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want memory, file or redis)", c.Storage.Backend)
	}
	if c.Storage.Quota < 0 {
		return fmt.Errorf("storage quota must not be negative")
	}
	if c.IDs.MachineID < 0 || c.IDs.MachineID > 1023 {
		return fmt.Errorf("snowflake machine id %d is out of range 0..1023", c.IDs.MachineID)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q (want text or json)", c.Log.Format)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger builds the slog logger described by c, writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
