package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTieredCache(t *testing.T) (*TieredCache, *MemoryCache, *RedisCache) {
	t.Helper()

	mr := miniredis.RunT(t)
	l2, err := NewRedisCache(RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)

	l1 := NewMemoryCache(MemoryConfig{})
	tc := NewTieredCache(l1, l2, nil)
	t.Cleanup(func() { _ = tc.Close() })
	return tc, l1, l2
}

func TestTieredCache_SetWritesBothTiers(t *testing.T) {
	tc, l1, l2 := newTestTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "contacts", "42", "value", time.Minute))

	assert.True(t, l1.Has(ctx, "contacts", "42"))
	assert.True(t, l2.Has(ctx, "contacts", "42"))
}

func TestTieredCache_L2HitRepopulatesL1(t *testing.T) {
	tc, l1, _ := newTestTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "contacts", "42", "value", time.Minute))
	require.True(t, l1.Delete(ctx, "contacts", "42"))

	value, ok := tc.Get(ctx, "contacts", "42")
	require.True(t, ok)
	assert.Equal(t, "value", value)

	assert.True(t, l1.Has(ctx, "contacts", "42"), "L2 hit write-through populates L1")
}

func TestTieredCache_MissInBothTiers(t *testing.T) {
	tc, _, _ := newTestTieredCache(t)

	_, ok := tc.Get(context.Background(), "contacts", "missing")
	assert.False(t, ok)

	stats := tc.Stats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestTieredCache_DeleteRemovesBothTiers(t *testing.T) {
	tc, l1, l2 := newTestTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "contacts", "42", "value", time.Minute))
	assert.True(t, tc.Delete(ctx, "contacts", "42"))

	assert.False(t, l1.Has(ctx, "contacts", "42"))
	assert.False(t, l2.Has(ctx, "contacts", "42"))
}

func TestTieredCache_DeleteByTagCountsLogicalEntries(t *testing.T) {
	tc, _, _ := newTestTieredCache(t)
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "contacts", "1", "a", time.Minute, "contacts"))
	require.NoError(t, tc.Set(ctx, "contacts", "2", "b", time.Minute, "contacts"))

	// The same entries live in both tiers; the count is logical, not the
	// sum across tiers.
	assert.Equal(t, 2, tc.DeleteByTag(ctx, "contacts"))
}

func TestTieredCache_MemoryOnly(t *testing.T) {
	l1 := NewMemoryCache(MemoryConfig{})
	tc := NewTieredCache(l1, nil, nil)
	t.Cleanup(func() { _ = tc.Close() })
	ctx := context.Background()

	require.NoError(t, tc.Set(ctx, "contacts", "42", "value", time.Minute))

	value, ok := tc.Get(ctx, "contacts", "42")
	require.True(t, ok)
	assert.Equal(t, "value", value)
}
