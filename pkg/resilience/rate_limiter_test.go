package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowWithinBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 3}, nil)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "request %d within burst", i)
	}
	assert.False(t, rl.Allow(), "burst exhausted")
}

func TestRateLimiter_PerServiceLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		PerService:        map[string]float64{"ai": 2},
	}, nil)

	assert.True(t, rl.AllowService("ai"))
	assert.True(t, rl.AllowService("ai"))
	assert.False(t, rl.AllowService("ai"), "per-service burst exhausted")

	// Services without their own limit only consume the global bucket.
	assert.True(t, rl.AllowService("crm"))
}

func TestRateLimiter_SetServiceLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 1000}, nil)

	rl.SetServiceLimit("ai", 1, 1)
	assert.True(t, rl.AllowService("ai"))
	assert.False(t, rl.AllowService("ai"))
}

func TestRateLimiter_WaitServiceRespectsContext(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 1000,
		BurstSize:         1000,
		PerService:        map[string]float64{"ai": 1},
	}, nil)

	ctx := context.Background()
	require.NoError(t, rl.WaitService(ctx, "ai"))

	// Bucket is empty; a bounded wait must give up.
	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := rl.WaitService(shortCtx, "ai")
	require.Error(t, err)
}

func TestRateLimiter_WaitGlobal(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1000, BurstSize: 10}, nil)
	require.NoError(t, rl.Wait(context.Background()))
}
