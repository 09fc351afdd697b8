// Package config loads runtime configuration from an optional YAML file,
// CLOUDMIND_* environment variables and command-line flags, in ascending
// precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Addr     string `mapstructure:"addr"`
	LogLevel string `mapstructure:"log_level"`

	Store     StoreConfig     `mapstructure:"store"`
	Session   SessionConfig   `mapstructure:"session"`
	Transport TransportConfig `mapstructure:"transport"`
}

// StoreConfig selects and tunes the content store backend.
type StoreConfig struct {
	Backend          string        `mapstructure:"backend"` // memory, bolt, postgres, redis or firestore
	BoltPath         string        `mapstructure:"bolt_path"`
	PostgresDSN      string        `mapstructure:"postgres_dsn"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	FirestoreProject string        `mapstructure:"firestore_project"`
	CacheWrites      bool          `mapstructure:"cache_writes"`
	FlushInterval    time.Duration `mapstructure:"flush_interval"`
}

// SessionConfig tunes the session lifecycle.
type SessionConfig struct {
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	PersistTimeout time.Duration `mapstructure:"persist_timeout"`
}

// TransportConfig tunes the WebSocket transport.
type TransportConfig struct {
	SendQueueSize  int           `mapstructure:"send_queue_size"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// SetDefaults registers defaults on the global viper instance. Call it before
// the config file and environment are read.
func SetDefaults() {
	viper.SetDefault("addr", ":8080")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("store.backend", "memory")
	viper.SetDefault("store.bolt_path", "cloudmind.db")
	viper.SetDefault("store.postgres_dsn", "")
	viper.SetDefault("store.redis_addr", "localhost:6379")
	viper.SetDefault("store.firestore_project", "")
	viper.SetDefault("store.cache_writes", false)
	viper.SetDefault("store.flush_interval", 5*time.Second)

	viper.SetDefault("session.idle_timeout", 15*time.Minute)
	viper.SetDefault("session.sweep_interval", time.Minute)
	viper.SetDefault("session.persist_timeout", 10*time.Second)

	viper.SetDefault("transport.send_queue_size", 256)
	viper.SetDefault("transport.rate_limit", 0)
	viper.SetDefault("transport.rate_window", time.Second)
	viper.SetDefault("transport.allowed_origins", []string{})
}

// BindEnv wires CLOUDMIND_* environment variables, nested keys joined with
// underscores: store.backend becomes CLOUDMIND_STORE_BACKEND.
func BindEnv() {
	viper.SetEnvPrefix("CLOUDMIND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load unmarshals and validates the merged configuration.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "bolt":
		if c.Store.BoltPath == "" {
			return fmt.Errorf("store.bolt_path is required for the bolt backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis backend")
		}
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}
