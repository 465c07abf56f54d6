package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crmware/apiguard/pkg/observability"
)

// Defaults for the memory cache.
const (
	DefaultMaxEntries      = 1000
	DefaultTTL             = 5 * time.Minute
	DefaultCleanupInterval = 1 * time.Minute
)

// MemoryConfig configures the in-memory cache.
type MemoryConfig struct {
	// MaxEntries bounds the cache; at capacity the entry with the oldest
	// insertion timestamp is evicted to make room.
	MaxEntries int

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// CleanupInterval is the period of the background expiry sweep.
	// Zero disables the janitor; Cleanup can still be called manually.
	CleanupInterval time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

type entry struct {
	value      any
	insertedAt time.Time
	ttl        time.Duration
	tags       []string
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// MemoryCache is a mutex-guarded map cache with TTL expiration, tag
// invalidation and oldest-insertion eviction. All methods are safe for
// concurrent use; mutation happens only while the lock is held, so no
// caller ever observes a half-applied update.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*entry

	config  MemoryConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	hits   atomic.Int64
	misses atomic.Int64

	stopJanitor chan struct{}
	closeOnce   sync.Once
}

// NewMemoryCache creates a memory cache and starts its expiry janitor.
func NewMemoryCache(config MemoryConfig) *MemoryCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.Logger == nil {
		config.Logger = observability.NewNoopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}

	c := &MemoryCache{
		entries:     make(map[string]*entry),
		config:      config,
		logger:      config.Logger.WithPrefix("cache"),
		metrics:     config.Metrics,
		stopJanitor: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go c.janitor(config.CleanupInterval)
	}

	return c
}

// Set stores value under (namespace, identifier), evicting the oldest
// entry first when inserting a new key at capacity.
func (c *MemoryCache) Set(ctx context.Context, namespace string, identifier, value any, ttl time.Duration, tags ...string) error {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.config.MaxEntries {
		c.evictOldest()
	}

	c.entries[key] = &entry{
		value:      value,
		insertedAt: time.Now(),
		ttl:        ttl,
		tags:       tags,
	}

	c.metrics.RecordCounter("cache_operations_total", 1, map[string]string{"operation": "set", "result": "ok"})
	return nil
}

// Get returns the value for (namespace, identifier). Expired entries are
// deleted as a side effect of the miss.
func (c *MemoryCache) Get(ctx context.Context, namespace string, identifier any) (any, bool) {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		c.logger.Warn("Cache get with invalid identifier", map[string]interface{}{
			"namespace": namespace,
			"error":     err.Error(),
		})
		return nil, false
	}

	c.mu.Lock()
	e, exists := c.entries[key]
	if exists && e.expired(time.Now()) {
		delete(c.entries, key)
		exists = false
	}
	c.mu.Unlock()

	if !exists {
		c.misses.Add(1)
		c.metrics.RecordCounter("cache_operations_total", 1, map[string]string{"operation": "get", "result": "miss"})
		return nil, false
	}

	c.hits.Add(1)
	c.metrics.RecordCounter("cache_operations_total", 1, map[string]string{"operation": "get", "result": "hit"})
	return e.value, true
}

// Has reports presence with the same expiry semantics as Get, without
// counting hit/miss statistics.
func (c *MemoryCache) Has(ctx context.Context, namespace string, identifier any) bool {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, exists := c.entries[key]
	if !exists {
		return false
	}
	if e.expired(time.Now()) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Delete removes a single entry and reports whether it was present.
func (c *MemoryCache) Delete(ctx context.Context, namespace string, identifier any) bool {
	key, err := CanonicalKey(namespace, identifier)
	if err != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, exists := c.entries[key]
	delete(c.entries, key)
	return exists
}

// DeleteByTag removes every entry whose tag set contains tag and returns
// the number of entries removed.
func (c *MemoryCache) DeleteByTag(ctx context.Context, tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		for _, t := range e.tags {
			if t == tag {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}

	if removed > 0 {
		c.logger.Debug("Invalidated entries by tag", map[string]interface{}{
			"tag":     tag,
			"removed": removed,
		})
	}
	return removed
}

// Clear removes all entries and resets the hit/miss counters.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Cleanup eagerly removes all expired entries.
func (c *MemoryCache) Cleanup() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
}

// Stats returns a snapshot of the cache statistics.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    size,
		HitRate: hitRate(hits, misses),
	}
}

// Close stops the janitor. Safe to call more than once.
func (c *MemoryCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopJanitor)
	})
	return nil
}

func (c *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopJanitor:
			return
		}
	}
}

// evictOldest removes the entry with the oldest insertion timestamp.
// Caller must hold the lock.
func (c *MemoryCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range c.entries {
		if oldestKey == "" || e.insertedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.insertedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.metrics.RecordCounter("cache_operations_total", 1, map[string]string{"operation": "evict", "result": "ok"})
	}
}
