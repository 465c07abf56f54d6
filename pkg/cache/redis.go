package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"

	"github.com/crmware/apiguard/pkg/observability"
)

// Redis tier defaults.
const (
	DefaultRedisKeyPrefix        = "apiguard:cache:"
	DefaultRedisDialTimeout      = 5 * time.Second
	DefaultRedisOperationTimeout = 2 * time.Second
	redisConnectMaxRetries       = 3
)

// RedisConfig configures the Redis-backed cache tier.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`

	// KeyPrefix namespaces this module's keys inside a shared Redis.
	KeyPrefix string `mapstructure:"key_prefix"`

	DefaultTTL       time.Duration `mapstructure:"default_ttl"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// RedisCache stores entries as JSON values with Redis-native expiration.
// Tag membership is kept in Redis sets so DeleteByTag works across
// processes. There is no capacity eviction here; Redis applies its own
// maxmemory policy.
type RedisCache struct {
	client  *redis.Client
	config  RedisConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedisCache connects to Redis, retrying the initial ping with
// exponential backoff before giving up.
func NewRedisCache(config RedisConfig) (*RedisCache, error) {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisKeyPrefix
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = DefaultRedisDialTimeout
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultRedisOperationTimeout
	}
	if config.Logger == nil {
		config.Logger = observability.NewNoopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.Database,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.OperationTimeout,
		WriteTimeout: config.OperationTimeout,
	})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
		defer cancel()
		return client.Ping(ctx).Err()
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redisConnectMaxRetries)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	c := &RedisCache{
		client:  client,
		config:  config,
		logger:  config.Logger.WithPrefix("redis-cache"),
		metrics: config.Metrics,
	}

	c.logger.Info("Redis cache initialized", map[string]interface{}{
		"addr": config.Address,
		"db":   config.Database,
	})
	return c, nil
}

// Set stores value as JSON with Redis-native expiration and records tag
// membership.
func (c *RedisCache) Set(ctx context.Context, namespace string, identifier, value any, ttl time.Duration, tags ...string) error {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	pipe := c.client.Pipeline()
	pipe.Set(ctx, c.redisKey(key), data, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, c.tagKey(tag), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set failed for %s: %w", key, err)
	}
	return nil
}

// Get returns the stored value unmarshaled from JSON. Payloads round-trip
// through JSON, so structured values come back as map[string]interface{}.
func (c *RedisCache) Get(ctx context.Context, namespace string, identifier any) (any, bool) {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return nil, false
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Redis get failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		c.misses.Add(1)
		return nil, false
	}

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		c.logger.Warn("Redis payload unmarshal failed", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return value, true
}

// Has reports presence without touching the hit/miss counters.
func (c *RedisCache) Has(ctx context.Context, namespace string, identifier any) bool {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return false
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := c.client.Exists(ctx, c.redisKey(key)).Result()
	return err == nil && n > 0
}

// Delete removes a single entry.
func (c *RedisCache) Delete(ctx context.Context, namespace string, identifier any) bool {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return false
	}

	ctx, cancel := c.opContext(ctx)
	defer cancel()

	n, err := c.client.Del(ctx, c.redisKey(key)).Result()
	return err == nil && n > 0
}

// DeleteByTag removes every entry recorded under tag and returns the
// number of entries actually deleted (members expired by Redis itself do
// not count).
func (c *RedisCache) DeleteByTag(ctx context.Context, tag string) int {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	members, err := c.client.SMembers(ctx, c.tagKey(tag)).Result()
	if err != nil {
		c.logger.Warn("Redis tag lookup failed", map[string]interface{}{
			"tag":   tag,
			"error": err.Error(),
		})
		return 0
	}

	removed := 0
	for _, member := range members {
		n, err := c.client.Del(ctx, c.redisKey(member)).Result()
		if err == nil {
			removed += int(n)
		}
	}
	_ = c.client.Del(ctx, c.tagKey(tag)).Err()

	return removed
}

// Clear removes every key under this cache's prefix and resets counters.
func (c *RedisCache) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.OperationTimeout*10)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete Redis key", map[string]interface{}{
				"key":   iter.Val(),
				"error": err.Error(),
			})
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}

	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Stats returns hit/miss counters and the current number of keys under
// this cache's prefix.
func (c *RedisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.OperationTimeout*10)
	defer cancel()

	size := 0
	iter := c.client.Scan(ctx, 0, c.config.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		size++
	}

	hits := c.hits.Load()
	misses := c.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    size,
		HitRate: hitRate(hits, misses),
	}
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.OperationTimeout)
}

func (c *RedisCache) redisKey(key string) string {
	return c.config.KeyPrefix + key
}

func (c *RedisCache) tagKey(tag string) string {
	return c.config.KeyPrefix + "tag:" + tag
}
