package resilience

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, nil)

	a := r.Get("crm")
	b := r.Get("crm")
	assert.Same(t, a, b)

	c := r.Get("files")
	assert.NotSame(t, a, c)
}

func TestRegistry_ConcurrentGetCreatesOnce(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, nil)

	const goroutines = 20
	breakers := make([]Breaker, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = r.Get("crm")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, breakers[0], breakers[i])
	}
}

func TestRegistry_ExecuteIsolatesServices(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Breaker: BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	}, nil, nil)
	ctx := context.Background()

	_, err := r.Execute(ctx, "crm", func(ctx context.Context) (any, error) {
		return nil, errUpstream
	})
	require.ErrorIs(t, err, errUpstream)

	// crm is open now; files is unaffected.
	_, err = r.Execute(ctx, "crm", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)

	value, err := r.Execute(ctx, "files", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestRegistry_RatioStrategy(t *testing.T) {
	r := NewRegistry(RegistryConfig{Strategy: StrategyRatio}, nil, nil)

	breaker := r.Get("crm")
	_, ok := breaker.(*RatioBreaker)
	assert.True(t, ok)
}

func TestRegistry_States(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Breaker: BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	}, nil, nil)
	ctx := context.Background()

	_, _ = r.Execute(ctx, "crm", func(ctx context.Context) (any, error) { return nil, errUpstream })
	_, _ = r.Execute(ctx, "files", func(ctx context.Context) (any, error) { return "ok", nil })

	states := r.States()
	assert.Equal(t, "open", states["crm"])
	assert.Equal(t, "closed", states["files"])
}

func TestRegistry_SweepRemovesIdleClosedBreakers(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		Breaker: BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	}, nil, nil)
	ctx := context.Background()

	_, _ = r.Execute(ctx, "idle", func(ctx context.Context) (any, error) { return "ok", nil })
	_, _ = r.Execute(ctx, "open", func(ctx context.Context) (any, error) { return nil, errUpstream })

	time.Sleep(10 * time.Millisecond)

	removed := r.Sweep(5 * time.Millisecond)
	assert.Equal(t, 1, removed)

	states := r.States()
	_, exists := states["idle"]
	assert.False(t, exists, "idle closed breaker is swept")
	assert.Equal(t, "open", states["open"], "tripped breaker survives the sweep")
}
