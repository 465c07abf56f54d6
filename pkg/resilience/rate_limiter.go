package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/crmware/apiguard/pkg/observability"
)

// RateLimiterConfig configures the global and per-service rate limits.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained global request rate.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`

	// BurstSize is the maximum global burst.
	BurstSize int `mapstructure:"burst_size"`

	// PerService maps a service name to its own sustained rate; burst
	// defaults to the ceiling of the rate.
	PerService map[string]float64 `mapstructure:"per_service"`
}

// DefaultRateLimiterConfig returns sensible defaults
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 100,
		BurstSize:         50,
	}
}

// RateLimiter applies a global token bucket plus optional per-service
// buckets. Upstream AI APIs meter far more aggressively than the CRM
// backend, so per-service limits are the norm rather than the exception.
type RateLimiter struct {
	global   *rate.Limiter
	services map[string]*rate.Limiter
	logger   observability.Logger

	mu sync.RWMutex
}

// NewRateLimiter creates a rate limiter from config.
func NewRateLimiter(config RateLimiterConfig, logger observability.Logger) *RateLimiter {
	defaults := DefaultRateLimiterConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = defaults.BurstSize
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	rl := &RateLimiter{
		global:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize),
		services: make(map[string]*rate.Limiter),
		logger:   logger.WithPrefix("rate-limiter"),
	}

	for service, rps := range config.PerService {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		rl.services[service] = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return rl
}

// Allow reports whether a request is allowed under the global limit.
func (rl *RateLimiter) Allow() bool {
	return rl.global.Allow()
}

// Wait blocks until the global limit admits a request.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.global.Wait(ctx)
}

// WaitService blocks on the global limit, then on the service limit if
// one is configured.
func (rl *RateLimiter) WaitService(ctx context.Context, service string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return err
	}

	rl.mu.RLock()
	limiter, exists := rl.services[service]
	rl.mu.RUnlock()

	if exists {
		return limiter.Wait(ctx)
	}
	return nil
}

// AllowService reports whether a request for service is allowed.
func (rl *RateLimiter) AllowService(service string) bool {
	if !rl.global.Allow() {
		return false
	}

	rl.mu.RLock()
	limiter, exists := rl.services[service]
	rl.mu.RUnlock()

	if exists {
		return limiter.Allow()
	}
	return true
}

// SetServiceLimit installs or replaces a per-service limit at runtime.
func (rl *RateLimiter) SetServiceLimit(service string, rps float64, burst int) {
	if burst < 1 {
		burst = 1
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.services[service] = rate.NewLimiter(rate.Limit(rps), burst)
}
