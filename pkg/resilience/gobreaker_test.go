package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatioBreaker_PassesThrough(t *testing.T) {
	rb := NewRatioBreaker("crm", RatioConfig{}, nil)

	value, err := rb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, "crm", rb.Name())
}

func TestRatioBreaker_TripsOnFailureRatio(t *testing.T) {
	rb := NewRatioBreaker("crm", RatioConfig{
		FailureRatio:    0.5,
		MinRequests:     4,
		RecoveryTimeout: time.Minute,
	}, nil)
	ctx := context.Background()

	// 2 successes, 2 failures: 50% failure ratio at the request minimum.
	for i := 0; i < 2; i++ {
		_, err := rb.Execute(ctx, func(ctx context.Context) (any, error) { return "ok", nil })
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := rb.Execute(ctx, func(ctx context.Context) (any, error) { return nil, errUpstream })
		require.ErrorIs(t, err, errUpstream)
	}

	calls := 0
	_, err := rb.Execute(ctx, failingOp(&calls))
	require.ErrorIs(t, err, ErrCircuitOpen, "gobreaker open state maps onto ErrCircuitOpen")
	assert.Equal(t, 0, calls)
}

func TestRatioBreaker_BelowMinRequestsStaysClosed(t *testing.T) {
	rb := NewRatioBreaker("crm", RatioConfig{
		FailureRatio: 0.5,
		MinRequests:  10,
	}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := rb.Execute(ctx, func(ctx context.Context) (any, error) { return nil, errUpstream })
		require.ErrorIs(t, err, errUpstream, "all failures reach the caller before the request minimum")
	}
}
