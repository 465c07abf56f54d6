package cache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/crmware/apiguard/pkg/observability"
)

// TracedCache wraps a cache with a span per operation. Hits and misses are
// recorded as span attributes; a miss is expected behavior, never a span
// error.
type TracedCache struct {
	inner Cache
}

// NewTracedCache wraps cache with tracing.
func NewTracedCache(inner Cache) Cache {
	return &TracedCache{inner: inner}
}

// Set stores a value with tracing.
func (tc *TracedCache) Set(ctx context.Context, namespace string, identifier, value any, ttl time.Duration, tags ...string) error {
	ctx, span := observability.StartSpan(ctx, "cache.set",
		attribute.String("cache.namespace", namespace))
	defer span.End()

	err := tc.inner.Set(ctx, namespace, identifier, value, ttl, tags...)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Get retrieves a value with tracing.
func (tc *TracedCache) Get(ctx context.Context, namespace string, identifier any) (any, bool) {
	ctx, span := observability.StartSpan(ctx, "cache.get",
		attribute.String("cache.namespace", namespace))
	defer span.End()

	value, ok := tc.inner.Get(ctx, namespace, identifier)
	span.SetAttributes(attribute.Bool("cache.hit", ok))
	return value, ok
}

// Has checks presence with tracing.
func (tc *TracedCache) Has(ctx context.Context, namespace string, identifier any) bool {
	ctx, span := observability.StartSpan(ctx, "cache.has",
		attribute.String("cache.namespace", namespace))
	defer span.End()

	return tc.inner.Has(ctx, namespace, identifier)
}

// Delete removes an entry with tracing.
func (tc *TracedCache) Delete(ctx context.Context, namespace string, identifier any) bool {
	ctx, span := observability.StartSpan(ctx, "cache.delete",
		attribute.String("cache.namespace", namespace))
	defer span.End()

	return tc.inner.Delete(ctx, namespace, identifier)
}

// DeleteByTag invalidates a tag with tracing.
func (tc *TracedCache) DeleteByTag(ctx context.Context, tag string) int {
	ctx, span := observability.StartSpan(ctx, "cache.delete_by_tag",
		attribute.String("cache.tag", tag))
	defer span.End()

	removed := tc.inner.DeleteByTag(ctx, tag)
	span.SetAttributes(attribute.Int("cache.removed", removed))
	return removed
}

// Clear empties the cache with tracing.
func (tc *TracedCache) Clear(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "cache.clear")
	defer span.End()

	return tc.inner.Clear(ctx)
}

// Stats passes through without tracing.
func (tc *TracedCache) Stats() Stats { return tc.inner.Stats() }

// Close passes through without tracing.
func (tc *TracedCache) Close() error { return tc.inner.Close() }
