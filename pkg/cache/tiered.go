package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/crmware/apiguard/pkg/observability"
)

// TieredCache layers the always-present memory tier (L1) over an optional
// distributed tier (L2). Reads try L1 first and write-through populate it
// on an L2 hit; writes go to both tiers, with L2 failures degrading to
// memory-only rather than failing the caller.
type TieredCache struct {
	l1 *MemoryCache
	l2 Cache

	logger observability.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewTieredCache creates a tiered cache. l2 may be nil for memory-only
// operation.
func NewTieredCache(l1 *MemoryCache, l2 Cache, logger observability.Logger) *TieredCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &TieredCache{
		l1:     l1,
		l2:     l2,
		logger: logger.WithPrefix("tiered-cache"),
	}
}

// Set writes to L1 and, best effort, to L2.
func (tc *TieredCache) Set(ctx context.Context, namespace string, identifier, value any, ttl time.Duration, tags ...string) error {
	if err := tc.l1.Set(ctx, namespace, identifier, value, ttl, tags...); err != nil {
		return err
	}

	if tc.l2 != nil {
		if err := tc.l2.Set(ctx, namespace, identifier, value, ttl, tags...); err != nil {
			tc.logger.Warn("L2 set failed, entry kept in memory only", map[string]interface{}{
				"namespace": namespace,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// Get reads L1 first, then L2; an L2 hit repopulates L1.
func (tc *TieredCache) Get(ctx context.Context, namespace string, identifier any) (any, bool) {
	if value, ok := tc.l1.Get(ctx, namespace, identifier); ok {
		tc.hits.Add(1)
		return value, true
	}

	if tc.l2 != nil {
		if value, ok := tc.l2.Get(ctx, namespace, identifier); ok {
			if err := tc.l1.Set(ctx, namespace, identifier, value, 0); err != nil {
				tc.logger.Debug("L1 repopulation failed", map[string]interface{}{
					"namespace": namespace,
					"error":     err.Error(),
				})
			}
			tc.hits.Add(1)
			return value, true
		}
	}

	tc.misses.Add(1)
	return nil, false
}

// Has checks L1 then L2.
func (tc *TieredCache) Has(ctx context.Context, namespace string, identifier any) bool {
	if tc.l1.Has(ctx, namespace, identifier) {
		return true
	}
	return tc.l2 != nil && tc.l2.Has(ctx, namespace, identifier)
}

// Delete removes the entry from both tiers.
func (tc *TieredCache) Delete(ctx context.Context, namespace string, identifier any) bool {
	removed := tc.l1.Delete(ctx, namespace, identifier)
	if tc.l2 != nil {
		if tc.l2.Delete(ctx, namespace, identifier) {
			removed = true
		}
	}
	return removed
}

// DeleteByTag invalidates the tag in both tiers and returns the larger of
// the per-tier counts (the same logical entry usually lives in both).
func (tc *TieredCache) DeleteByTag(ctx context.Context, tag string) int {
	removed := tc.l1.DeleteByTag(ctx, tag)
	if tc.l2 != nil {
		if n := tc.l2.DeleteByTag(ctx, tag); n > removed {
			removed = n
		}
	}
	return removed
}

// Clear empties both tiers and resets the tiered counters.
func (tc *TieredCache) Clear(ctx context.Context) error {
	if err := tc.l1.Clear(ctx); err != nil {
		return err
	}
	if tc.l2 != nil {
		if err := tc.l2.Clear(ctx); err != nil {
			return err
		}
	}
	tc.hits.Store(0)
	tc.misses.Store(0)
	return nil
}

// Stats reports combined hit/miss counters; size is the L1 entry count.
func (tc *TieredCache) Stats() Stats {
	hits := tc.hits.Load()
	misses := tc.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    tc.l1.Stats().Size,
		HitRate: hitRate(hits, misses),
	}
}

// Close closes both tiers.
func (tc *TieredCache) Close() error {
	err := tc.l1.Close()
	if tc.l2 != nil {
		if l2err := tc.l2.Close(); err == nil {
			err = l2err
		}
	}
	return err
}
