// Package config loads the layer's configuration from a YAML file and
// APIGUARD_-prefixed environment variables, and assembles the configured
// cache stack.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crmware/apiguard/pkg/cache"
	"github.com/crmware/apiguard/pkg/guard"
	"github.com/crmware/apiguard/pkg/observability"
	"github.com/crmware/apiguard/pkg/queue"
	"github.com/crmware/apiguard/pkg/resilience"
	"github.com/crmware/apiguard/pkg/retry"
)

// CacheConfig selects the cache stack. A Redis section enables the
// tiered memory+Redis cache; Tracing wraps whichever stack is built in
// OpenTelemetry spans.
type CacheConfig struct {
	MaxEntries      int                `mapstructure:"max_entries"`
	DefaultTTL      time.Duration      `mapstructure:"default_ttl"`
	CleanupInterval time.Duration      `mapstructure:"cleanup_interval"`
	Redis           *cache.RedisConfig `mapstructure:"redis"`
	Tracing         bool               `mapstructure:"tracing"`
}

// Config is the root configuration.
type Config struct {
	LogLevel  string                       `mapstructure:"log_level"`
	Cache     CacheConfig                  `mapstructure:"cache"`
	Queue     queue.Config                 `mapstructure:"queue"`
	Breakers  resilience.RegistryConfig    `mapstructure:"breakers"`
	RateLimit resilience.RateLimiterConfig `mapstructure:"rate_limit"`
	Retry     retry.Config                 `mapstructure:"retry"`
}

// Load reads configuration from path (or the working directory when path
// is empty), overlaying APIGUARD_-prefixed environment variables. A
// missing config file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("apiguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("APIGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("cache.max_entries", cache.DefaultMaxEntries)
	v.SetDefault("cache.default_ttl", cache.DefaultTTL)
	v.SetDefault("cache.cleanup_interval", cache.DefaultCleanupInterval)

	queueDefaults := queue.DefaultConfig()
	v.SetDefault("queue.max_concurrent", queueDefaults.MaxConcurrent)
	v.SetDefault("queue.batch_size", queueDefaults.BatchSize)
	v.SetDefault("queue.default_timeout", queueDefaults.DefaultTimeout)

	breakerDefaults := resilience.DefaultBreakerConfig()
	v.SetDefault("breakers.strategy", string(resilience.StrategyConsecutive))
	v.SetDefault("breakers.breaker.failure_threshold", breakerDefaults.FailureThreshold)
	v.SetDefault("breakers.breaker.recovery_timeout", breakerDefaults.RecoveryTimeout)

	limiterDefaults := resilience.DefaultRateLimiterConfig()
	v.SetDefault("rate_limit.requests_per_second", limiterDefaults.RequestsPerSecond)
	v.SetDefault("rate_limit.burst_size", limiterDefaults.BurstSize)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
}

// BuildCache assembles the configured cache stack: memory alone, or
// memory in front of Redis, optionally traced.
func (c *Config) BuildCache(logger observability.Logger, metrics observability.MetricsClient) (cache.Cache, error) {
	memory := cache.NewMemoryCache(cache.MemoryConfig{
		MaxEntries:      c.Cache.MaxEntries,
		DefaultTTL:      c.Cache.DefaultTTL,
		CleanupInterval: c.Cache.CleanupInterval,
		Logger:          logger,
		Metrics:         metrics,
	})

	var stack cache.Cache = memory
	if c.Cache.Redis != nil {
		redis, err := cache.NewRedisCache(*c.Cache.Redis)
		if err != nil {
			memory.Close()
			return nil, err
		}
		stack = cache.NewTieredCache(memory, redis, logger)
	}

	if c.Cache.Tracing {
		stack = cache.NewTracedCache(stack)
	}
	return stack, nil
}

// GuardConfig converts the loaded configuration into the guard's
// component configuration. The cache section is applied separately via
// BuildCache and guard.WithCache.
func (c *Config) GuardConfig() guard.Config {
	return guard.Config{
		Cache: cache.MemoryConfig{
			MaxEntries:      c.Cache.MaxEntries,
			DefaultTTL:      c.Cache.DefaultTTL,
			CleanupInterval: c.Cache.CleanupInterval,
		},
		Queue:     c.Queue,
		Breakers:  c.Breakers,
		RateLimit: c.RateLimit,
		Retry:     c.Retry,
	}
}
