package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/crmware/apiguard/pkg/observability"
)

// Strategy selects the breaker implementation a registry hands out.
type Strategy string

const (
	// StrategyConsecutive opens after N consecutive failures.
	StrategyConsecutive Strategy = "consecutive"
	// StrategyRatio opens on a failure-ratio threshold (gobreaker-backed).
	StrategyRatio Strategy = "ratio"
)

// RegistryConfig configures a breaker registry.
type RegistryConfig struct {
	Strategy Strategy      `mapstructure:"strategy"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
	Ratio    RatioConfig   `mapstructure:"ratio"`
}

// Registry manages one breaker per service name, created on first use.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]Breaker

	config  RegistryConfig
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(config RegistryConfig, logger observability.Logger, metrics observability.MetricsClient) *Registry {
	if config.Strategy == "" {
		config.Strategy = StrategyConsecutive
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Registry{
		breakers: make(map[string]Breaker),
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Get returns the breaker for service, creating it on first reference.
func (r *Registry) Get(service string) Breaker {
	r.mu.RLock()
	breaker, exists := r.breakers[service]
	r.mu.RUnlock()
	if exists {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Check again in case it was created while waiting for the lock
	if breaker, exists = r.breakers[service]; exists {
		return breaker
	}

	switch r.config.Strategy {
	case StrategyRatio:
		breaker = NewRatioBreaker(service, r.config.Ratio, r.logger)
	default:
		breaker = NewCircuitBreaker(service, r.config.Breaker, r.logger, r.metrics)
	}
	r.breakers[service] = breaker
	return breaker
}

// Execute runs op under the breaker registered for service.
func (r *Registry) Execute(ctx context.Context, service string, op Operation) (any, error) {
	return r.Get(service).Execute(ctx, op)
}

// Sweep removes consecutive-failure breakers that have been idle and
// closed for at least idleFor, returning the number removed. Breakers are
// cheap, so this is housekeeping, not a correctness requirement.
func (r *Registry) Sweep(idleFor time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for service, breaker := range r.breakers {
		cb, ok := breaker.(*CircuitBreaker)
		if !ok {
			continue
		}
		if idle, removable := cb.idleSince(); removable && idle >= idleFor {
			delete(r.breakers, service)
			removed++
		}
	}
	return removed
}

// States returns the current state of every consecutive-failure breaker,
// keyed by service name.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.breakers))
	for service, breaker := range r.breakers {
		if cb, ok := breaker.(*CircuitBreaker); ok {
			states[service] = cb.State().String()
		} else {
			states[service] = "ratio"
		}
	}
	return states
}
