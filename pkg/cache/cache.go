// Package cache implements the namespaced TTL cache used in front of every
// upstream call: string or structured identifiers canonicalized into
// deterministic keys, per-entry TTLs, tag-based bulk invalidation, and an
// oldest-first eviction policy bounded by a maximum entry count. A memory
// tier is always present; a Redis tier can be layered behind it.
package cache

import (
	"context"
	"time"
)

// Cache is the interface shared by the memory, Redis and tiered caches.
type Cache interface {
	// Set stores value under (namespace, identifier). A non-positive ttl
	// uses the cache default. Tags enable bulk invalidation.
	Set(ctx context.Context, namespace string, identifier, value any, ttl time.Duration, tags ...string) error

	// Get returns the stored value and true on a hit. Absent and expired
	// entries report false; an expired entry is removed as a side effect.
	Get(ctx context.Context, namespace string, identifier any) (any, bool)

	// Has reports presence with the same expiry semantics as Get but
	// without touching the hit/miss statistics.
	Has(ctx context.Context, namespace string, identifier any) bool

	// Delete removes a single entry and reports whether it existed.
	Delete(ctx context.Context, namespace string, identifier any) bool

	// DeleteByTag removes every entry carrying the tag and returns the count.
	DeleteByTag(ctx context.Context, tag string) int

	// Clear removes all entries and resets statistics.
	Clear(ctx context.Context) error

	// Stats returns a snapshot of hit/miss counters and current size.
	Stats() Stats

	// Close releases any background resources (janitor, connections).
	Close() error
}

// Stats is a read-only snapshot of cache statistics.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// hitRate computes hits/(hits+misses), defined as 0 when no lookups occurred.
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
