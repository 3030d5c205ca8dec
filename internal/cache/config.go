package cache

import "log/slog"

// Config selects and sizes the cache backend.
type Config struct {
	RedisURL   string `yaml:"redis_url"`
	Prefix     string `yaml:"prefix"`
	MaxEntries int    `yaml:"max_entries"` // memory backend only; oldest write evicted first
}

func DefaultConfig() Config {
	return Config{
		Prefix:     "relaypool:",
		MaxEntries: 500,
	}
}

// NewBackend returns a Redis backend when RedisURL is set and reachable,
// otherwise an in-memory one. The second value names the backend in use.
func NewBackend(cfg Config, log *slog.Logger) (Backend, string) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RedisURL != "" {
		log.Info("initializing Redis cache")
		rb, err := NewRedisBackend(cfg.RedisURL, cfg.Prefix)
		if err == nil {
			log.Info("Redis cache initialized")
			return rb, "redis"
		}
		log.Warn("Redis connection failed, using memory cache", "error", err)
	}
	return NewMemoryBackend(cfg.MaxEntries), "memory"
}
