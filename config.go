package mobilebridge

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the bridge daemon configuration, stored as TOML.
type Config struct {
	Bridge    ConfigBridge    `toml:"bridge"`
	Store     ConfigStore     `toml:"store"`
	Sync      ConfigSync      `toml:"sync"`
	Transport ConfigTransport `toml:"transport"`
}

// ConfigBridge holds message validation settings.
type ConfigBridge struct {
	Secret         string `toml:"secret"`
	MessageTimeout string `toml:"message_timeout"`
	MaxMessageAge  string `toml:"max_message_age"`
	RateWindow     string `toml:"rate_window"`
	RateMax        int    `toml:"rate_max"`
}

// ConfigStore selects and configures the persistence backend.
type ConfigStore struct {
	// Backend is one of "memory", "sqlite" or "redis".
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	RedisAddr   string `toml:"redis_addr"`
	RedisDB     int    `toml:"redis_db"`
	MaxCacheAge string `toml:"max_cache_age"`
}

// ConfigSync holds queue replay settings.
type ConfigSync struct {
	MaxRetries int  `toml:"max_retries"`
	AutoSync   bool `toml:"auto_sync"`
}

// ConfigTransport holds the websocket endpoint settings.
type ConfigTransport struct {
	URL                  string `toml:"url"`
	AutoReconnect        bool   `toml:"auto_reconnect"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// DefaultConfig returns a config with every tunable at its default.
func DefaultConfig() *Config {
	return &Config{
		Bridge: ConfigBridge{
			MessageTimeout: "30s",
			MaxMessageAge:  "5m",
			RateWindow:     "60s",
			RateMax:        100,
		},
		Store: ConfigStore{
			Backend:     "memory",
			MaxCacheAge: "24h",
		},
		Sync: ConfigSync{
			MaxRetries: DefaultMaxRetries,
			AutoSync:   true,
		},
		Transport: ConfigTransport{
			AutoReconnect:        true,
			MaxReconnectAttempts: 10,
		},
	}
}

// LoadConfig reads and parses a config file. A missing file yields the
// defaults rather than an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg back to disk as TOML.
func SaveConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// duration parses a config duration string, falling back when empty or
// malformed.
func (c *Config) duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// MessageTimeout returns the parsed bridge message timeout.
func (c *Config) MessageTimeout() time.Duration {
	return c.duration(c.Bridge.MessageTimeout, DefaultMessageTimeout)
}

// MaxMessageAge returns the parsed replay window.
func (c *Config) MaxMessageAge() time.Duration {
	return c.duration(c.Bridge.MaxMessageAge, DefaultMaxMessageAge)
}

// RateWindow returns the parsed rate limit window.
func (c *Config) RateWindow() time.Duration {
	return c.duration(c.Bridge.RateWindow, DefaultRateLimitWindow)
}

// MaxCacheAge returns the parsed cache validity bound.
func (c *Config) MaxCacheAge() time.Duration {
	return c.duration(c.Store.MaxCacheAge, DefaultMaxCacheAge)
}

// OpenStore builds the configured KVStore backend.
func (c *Config) OpenStore() (KVStore, error) {
	switch c.Store.Backend {
	case "", "memory":
		return NewMemoryKV(), nil
	case "sqlite":
		if c.Store.Path == "" {
			return nil, fmt.Errorf("store.path required for sqlite backend")
		}
		return NewSQLiteKV(c.Store.Path)
	case "redis":
		if c.Store.RedisAddr == "" {
			return nil, fmt.Errorf("store.redis_addr required for redis backend")
		}
		return NewRedisKV(c.Store.RedisAddr, c.Store.RedisDB), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: memory, sqlite, redis)", c.Store.Backend)
	}
}
