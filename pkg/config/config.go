// Package config loads the cache-proxy configuration.
//
// Values are resolved in order: built-in defaults, then the YAML file (if
// any), then FETCHCACHE_* environment variables. The result is validated
// before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/fetchcache/pkg/cache"
	"github.com/Sternrassler/fetchcache/pkg/client"
	"github.com/Sternrassler/fetchcache/pkg/fetch"
	"github.com/Sternrassler/fetchcache/pkg/logging"
	"github.com/Sternrassler/fetchcache/pkg/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FETCHCACHE_"

// Failure marker backends.
const (
	FailureBackendLRU   = "lru"
	FailureBackendRedis = "redis"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Failure FailureConfig `yaml:"failure"`
	Alerts  AlertConfig   `yaml:"alerts"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener and the proxied upstream.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Upstream        string        `yaml:"upstream"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	QuotaBytes int64  `yaml:"quota_bytes"`
	Path       string `yaml:"path"`
	RedisURL   string `yaml:"redis_url"`
	Namespace  string `yaml:"namespace"`
}

// CacheConfig configures the cache manager.
type CacheConfig struct {
	DefaultTTL        time.Duration `yaml:"default_ttl"`
	HighWaterMark     float64       `yaml:"high_water_mark"`
	MaxEvictionRounds int           `yaml:"max_eviction_rounds"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// FetchConfig configures retries and upstream pacing.
type FetchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         float64       `yaml:"jitter"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RateLimit      float64       `yaml:"rate_limit"`
	Burst          int           `yaml:"burst"`
}

// FailureConfig configures the failure memoizer.
type FailureConfig struct {
	Backend  string        `yaml:"backend"`
	Cooldown time.Duration `yaml:"cooldown"`
	LRUSize  int           `yaml:"lru_size"`
}

// AlertConfig configures degraded-upstream alerts.
type AlertConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
	WebhookURL  string        `yaml:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	fetchDefaults := fetch.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:    store.BackendMemory,
			QuotaBytes: 64 << 20,
			Namespace:  "fetchcache",
		},
		Cache: CacheConfig{
			DefaultTTL:        5 * time.Minute,
			HighWaterMark:     cache.DefaultHighWaterMark,
			MaxEvictionRounds: 16,
			CleanupInterval:   time.Minute,
		},
		Fetch: FetchConfig{
			MaxAttempts:    fetchDefaults.MaxAttempts,
			InitialBackoff: fetchDefaults.InitialBackoff,
			MaxBackoff:     fetchDefaults.MaxBackoff,
			Multiplier:     fetchDefaults.Multiplier,
			Jitter:         fetchDefaults.Jitter,
			AttemptTimeout: 30 * time.Second,
			Burst:          1,
		},
		Failure: FailureConfig{
			Backend:  FailureBackendLRU,
			Cooldown: 5 * time.Minute,
			LRUSize:  1024,
		},
		Alerts: AlertConfig{
			MinInterval: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: string(logging.LevelInfo),
		},
	}
}

// Load resolves the configuration and validates it for serving.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateServe(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read resolves the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment, without validating it.
// Callers that layer further overrides (flags) validate afterwards.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FETCHCACHE_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = f
		}
	}

	str("ADDR", &c.Server.Addr)
	str("UPSTREAM", &c.Server.Upstream)
	dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout)

	str("STORE_BACKEND", &c.Store.Backend)
	num("STORE_QUOTA_BYTES", &c.Store.QuotaBytes)
	str("STORE_PATH", &c.Store.Path)
	str("REDIS_URL", &c.Store.RedisURL)

	dur("CACHE_TTL", &c.Cache.DefaultTTL)
	float("CACHE_HIGH_WATER_MARK", &c.Cache.HighWaterMark)

	float("RATE_LIMIT", &c.Fetch.RateLimit)
	dur("INITIAL_BACKOFF", &c.Fetch.InitialBackoff)

	str("FAILURE_BACKEND", &c.Failure.Backend)
	dur("FAILURE_COOLDOWN", &c.Failure.Cooldown)

	str("ALERT_WEBHOOK_URL", &c.Alerts.WebhookURL)

	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup(EnvPrefix + "LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_PRETTY: %w", EnvPrefix, err))
		} else {
			c.Log.Pretty = b
		}
	}

	return errors.Join(errs...)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.Upstream != "" && !strings.HasPrefix(c.Server.Upstream, "http://") && !strings.HasPrefix(c.Server.Upstream, "https://") {
		errs = append(errs, fmt.Errorf("server.upstream must be an http(s) URL (got %q)", c.Server.Upstream))
	}

	switch strings.ToLower(c.Store.Backend) {
	case store.BackendMemory:
	case store.BackendFile, store.BackendPebble:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the %s backend", c.Store.Backend))
		}
	case store.BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.QuotaBytes < 0 {
		errs = append(errs, fmt.Errorf("store.quota_bytes must not be negative (got %d)", c.Store.QuotaBytes))
	}

	if c.Cache.DefaultTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.default_ttl must be positive (got %v)", c.Cache.DefaultTTL))
	}
	if c.Cache.HighWaterMark <= 0 || c.Cache.HighWaterMark > 1 {
		errs = append(errs, fmt.Errorf("cache.high_water_mark must be in (0, 1] (got %v)", c.Cache.HighWaterMark))
	}

	switch c.Failure.Backend {
	case FailureBackendLRU:
	case FailureBackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis failure backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown failure.backend %q", c.Failure.Backend))
	}

	if _, err := logging.ParseLevel(logging.LogLevel(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if err := c.ClientConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateServe is Validate plus the settings only the proxy server needs.
func (c *Config) ValidateServe() error {
	if c.Server.Upstream == "" {
		return errors.Join(errors.New("server.upstream is required"), c.Validate())
	}
	return c.Validate()
}

// StoreOptions returns the options for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:    c.Store.Backend,
		QuotaBytes: c.Store.QuotaBytes,
		Path:       c.Store.Path,
		RedisURL:   c.Store.RedisURL,
		Namespace:  c.Store.Namespace,
	}
}

// CacheConfig returns the cache manager configuration.
func (c *Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig()
	cfg.HighWaterMark = c.Cache.HighWaterMark
	if c.Cache.MaxEvictionRounds > 0 {
		cfg.MaxEvictionRounds = c.Cache.MaxEvictionRounds
	}
	return cfg
}

// ClientConfig returns the orchestrator configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.TTL = c.Cache.DefaultTTL
	cfg.FailureCooldown = c.Failure.Cooldown
	cfg.RateLimit = c.Fetch.RateLimit
	cfg.Burst = c.Fetch.Burst
	cfg.AttemptTimeout = c.Fetch.AttemptTimeout
	cfg.Fetch = fetch.Config{
		MaxAttempts:    c.Fetch.MaxAttempts,
		InitialBackoff: c.Fetch.InitialBackoff,
		MaxBackoff:     c.Fetch.MaxBackoff,
		Multiplier:     c.Fetch.Multiplier,
		Jitter:         c.Fetch.Jitter,
	}
	return cfg
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Log.Level))
	cfg.Pretty = c.Log.Pretty
	return cfg
}
