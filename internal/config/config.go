// Package config loads the relay pool daemon's settings from a YAML (or
// JSON) file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nostr-relaypool/internal/cache"
	"nostr-relaypool/internal/util"
)

const DefaultPath = "config/relaypool.yaml"

type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Relays become pool members at startup.
	Relays []string `yaml:"relays"`
	// PublishRelays are the default publish targets; empty means every
	// connected relay.
	PublishRelays []string `yaml:"publish_relays"`

	Pool  PoolConfig   `yaml:"pool"`
	Query QueryConfig  `yaml:"query"`
	Cache cache.Config `yaml:"cache"`
}

type PoolConfig struct {
	Capacity           int           `yaml:"capacity"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	StreamBuffer       int           `yaml:"stream_buffer"`
	SkipVerify         bool          `yaml:"skip_verify"`
	AllowPrivateRelays bool          `yaml:"allow_private_relays"`
}

type QueryConfig struct {
	RelayTimeout   time.Duration `yaml:"relay_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	BatchWindow    time.Duration `yaml:"batch_window"`
	MaxBatch       int           `yaml:"max_batch"`
}

// Load reads the file named by RELAYPOOL_CONFIG (default
// config/relaypool.yaml), fills in defaults and applies env overrides. A
// missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("RELAYPOOL_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Debug("config file not found, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	setDefaults(&cfg)
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
			"wss://nostr.mom",
		}
	}

	if cfg.Pool.Capacity <= 0 {
		cfg.Pool.Capacity = 21
	}
	if cfg.Pool.ConnectTimeout == 0 {
		cfg.Pool.ConnectTimeout = 5 * time.Second
	}
	if cfg.Pool.WriteTimeout == 0 {
		cfg.Pool.WriteTimeout = 10 * time.Second
	}
	if cfg.Pool.StreamBuffer <= 0 {
		cfg.Pool.StreamBuffer = 100
	}

	if cfg.Query.RelayTimeout == 0 {
		cfg.Query.RelayTimeout = 4 * time.Second
	}
	if cfg.Query.PublishTimeout == 0 {
		cfg.Query.PublishTimeout = 7 * time.Second
	}
	if cfg.Query.BatchWindow == 0 {
		cfg.Query.BatchWindow = 50 * time.Millisecond
	}
	if cfg.Query.MaxBatch <= 0 {
		cfg.Query.MaxBatch = 100
	}

	def := cache.DefaultConfig()
	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = def.Prefix
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = def.MaxEntries
	}
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAYS"); v != "" {
		cfg.Relays = util.SplitList(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("POOL_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: POOL_CAPACITY must be a positive integer, got %q", v)
		}
		cfg.Pool.Capacity = n
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
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
