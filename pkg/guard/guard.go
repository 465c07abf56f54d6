// Package guard composes the cache, request queue, retry executor,
// circuit breakers and rate limiter into a single entry point for
// upstream calls. A fetch checks the cache, queues the miss under its
// canonical key, then runs the upstream operation with retries inside
// the service's circuit breaker, populating the cache on success.
package guard

import (
	"context"
	"time"

	"github.com/crmware/apiguard/pkg/cache"
	apierrors "github.com/crmware/apiguard/pkg/errors"
	"github.com/crmware/apiguard/pkg/observability"
	"github.com/crmware/apiguard/pkg/queue"
	"github.com/crmware/apiguard/pkg/resilience"
	"github.com/crmware/apiguard/pkg/retry"
)

// Config aggregates the configuration of every component the guard owns.
type Config struct {
	Cache     cache.MemoryConfig           `mapstructure:"cache"`
	Queue     queue.Config                 `mapstructure:"queue"`
	Breakers  resilience.RegistryConfig    `mapstructure:"breakers"`
	RateLimit resilience.RateLimiterConfig `mapstructure:"rate_limit"`
	Retry     retry.Config                 `mapstructure:"retry"`
}

// FetchRequest describes one guarded upstream call.
type FetchRequest struct {
	// Namespace and ID identify the cache entry. ID may be a string or
	// any JSON-encodable value.
	Namespace string
	ID        any

	// Service selects the circuit breaker and per-service rate limit.
	Service string

	// TTL overrides the cache default; Tags enable bulk invalidation.
	TTL  time.Duration
	Tags []string

	// Priority and Timeout are passed through to the request queue.
	Priority int
	Timeout  time.Duration

	// Retry overrides the guard's default retry policy for this call.
	Retry *retry.Executor

	// Fetch performs the upstream call on a cache miss.
	Fetch func(ctx context.Context) (any, error)
}

// Stats aggregates the component snapshots.
type Stats struct {
	Cache    cache.Stats       `json:"cache"`
	Queue    queue.Stats       `json:"queue"`
	Breakers map[string]string `json:"breakers"`
}

// Guard is the composition root of the request-optimization layer.
type Guard struct {
	cache    cache.Cache
	queue    *queue.Queue
	breakers *resilience.Registry
	limiter  *resilience.RateLimiter
	retry    *retry.Executor

	logger  observability.Logger
	metrics observability.MetricsClient
}

// Option customizes a Guard at construction time.
type Option func(*Guard)

// WithCache replaces the default memory cache, e.g. with a tiered
// memory+Redis cache or a traced wrapper.
func WithCache(c cache.Cache) Option {
	return func(g *Guard) { g.cache = c }
}

// New creates a guard with a memory cache and the given component
// configuration. Zero-valued config sections fall back to their
// package defaults.
func New(config Config, logger observability.Logger, metrics observability.MetricsClient, opts ...Option) *Guard {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	g := &Guard{
		queue:    queue.New(config.Queue, logger, metrics),
		breakers: resilience.NewRegistry(config.Breakers, logger, metrics),
		limiter:  resilience.NewRateLimiter(config.RateLimit, logger),
		retry:    retry.New(config.Retry, logger),
		logger:   logger.WithPrefix("guard"),
		metrics:  metrics,
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.cache == nil {
		cacheConfig := config.Cache
		cacheConfig.Logger = logger
		cacheConfig.Metrics = metrics
		g.cache = cache.NewMemoryCache(cacheConfig)
	}
	return g
}

// Fetch serves req from the cache when possible, otherwise queues the
// upstream call under the entry's canonical key and caches the result.
// Concurrent misses on the same key line up behind one another instead
// of racing to the upstream.
func (g *Guard) Fetch(ctx context.Context, req FetchRequest) (any, error) {
	if req.Fetch == nil {
		return nil, apierrors.New("GUARD_FETCH", "fetch function is required", apierrors.ClassValidation)
	}
	if req.Namespace == "" {
		return nil, apierrors.New("GUARD_FETCH", "namespace is required", apierrors.ClassValidation)
	}
	if req.Service == "" {
		return nil, apierrors.New("GUARD_FETCH", "service is required", apierrors.ClassValidation)
	}

	key, err := cache.CanonicalKey(req.Namespace, req.ID)
	if err != nil {
		return nil, err
	}

	if value, ok := g.cache.Get(ctx, req.Namespace, req.ID); ok {
		g.metrics.RecordCounter("guard_fetches_total", 1, map[string]string{
			"service": req.Service, "source": "cache",
		})
		return value, nil
	}

	g.metrics.RecordCounter("guard_fetches_total", 1, map[string]string{
		"service": req.Service, "source": "upstream",
	})
	return g.queue.Do(ctx, key, func(ctx context.Context) (any, error) {
		return g.execute(ctx, req)
	}, queue.Options{
		Priority: req.Priority,
		Timeout:  req.Timeout,
	})
}

// execute runs on dispatch. The cache is consulted once more so that a
// batch sibling's earlier success short-circuits the upstream call.
func (g *Guard) execute(ctx context.Context, req FetchRequest) (any, error) {
	if value, ok := g.cache.Get(ctx, req.Namespace, req.ID); ok {
		return value, nil
	}

	if err := g.limiter.WaitService(ctx, req.Service); err != nil {
		return nil, err
	}

	executor := req.Retry
	if executor == nil {
		executor = g.retry
	}

	value, err := executor.DoWithError(ctx, func(ctx context.Context) (any, error) {
		return g.breakers.Execute(ctx, req.Service, req.Fetch)
	})
	if err != nil {
		return nil, err
	}

	if cacheErr := g.cache.Set(ctx, req.Namespace, req.ID, value, req.TTL, req.Tags...); cacheErr != nil {
		g.logger.Warn("Failed to cache fetched value", map[string]interface{}{
			"namespace": req.Namespace,
			"service":   req.Service,
			"error":     cacheErr.Error(),
		})
	}
	return value, nil
}

// Invalidate removes every cache entry carrying tag and returns the count.
func (g *Guard) Invalidate(ctx context.Context, tag string) int {
	return g.cache.DeleteByTag(ctx, tag)
}

// InvalidateEntry removes a single cache entry.
func (g *Guard) InvalidateEntry(ctx context.Context, namespace string, id any) bool {
	return g.cache.Delete(ctx, namespace, id)
}

// CancelPending rejects queued requests for one cache entry.
func (g *Guard) CancelPending(namespace string, id any) int {
	key, err := cache.CanonicalKey(namespace, id)
	if err != nil {
		return 0
	}
	return g.queue.CancelPending(key)
}

// Cache exposes the underlying cache for direct reads and writes.
func (g *Guard) Cache() cache.Cache { return g.cache }

// Breakers exposes the circuit breaker registry.
func (g *Guard) Breakers() *resilience.Registry { return g.breakers }

// RateLimiter exposes the rate limiter.
func (g *Guard) RateLimiter() *resilience.RateLimiter { return g.limiter }

// Stats returns a snapshot across all components.
func (g *Guard) Stats() Stats {
	return Stats{
		Cache:    g.cache.Stats(),
		Queue:    g.queue.GetStats(),
		Breakers: g.breakers.States(),
	}
}

// Close shuts down the queue first so no dispatch writes to a closed
// cache, then the cache.
func (g *Guard) Close() error {
	err := g.queue.Close()
	if cacheErr := g.cache.Close(); err == nil {
		err = cacheErr
	}
	return err
}
