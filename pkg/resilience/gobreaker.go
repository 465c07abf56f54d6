package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/crmware/apiguard/pkg/observability"
)

// RatioConfig configures the failure-ratio breaker strategy.
type RatioConfig struct {
	// FailureRatio trips the breaker once requests >= MinRequests and
	// failures/requests >= FailureRatio.
	FailureRatio float64 `mapstructure:"failure_ratio"`
	MinRequests  uint32  `mapstructure:"min_requests"`

	// RecoveryTimeout is how long the breaker stays open.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`

	// MaxHalfOpenRequests caps trial calls while half-open.
	MaxHalfOpenRequests uint32 `mapstructure:"max_half_open_requests"`
}

// DefaultRatioConfig returns sensible defaults
func DefaultRatioConfig() RatioConfig {
	return RatioConfig{
		FailureRatio:        0.5,
		MinRequests:         5,
		RecoveryTimeout:     30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// RatioBreaker wraps sony/gobreaker for services where consecutive-failure
// counting is too coarse (bursty callers that interleave successes).
// gobreaker's open-state errors are mapped onto ErrCircuitOpen so callers
// see a single circuit-open error kind regardless of strategy.
type RatioBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewRatioBreaker creates a gobreaker-backed breaker.
func NewRatioBreaker(name string, config RatioConfig, logger observability.Logger) *RatioBreaker {
	defaults := DefaultRatioConfig()
	if config.FailureRatio <= 0 {
		config.FailureRatio = defaults.FailureRatio
	}
	if config.MinRequests == 0 {
		config.MinRequests = defaults.MinRequests
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.MaxHalfOpenRequests == 0 {
		config.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	log := logger.WithPrefix("circuit-breaker")

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxHalfOpenRequests,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state change", map[string]interface{}{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &RatioBreaker{
		name: name,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Name returns the service name this breaker guards.
func (rb *RatioBreaker) Name() string { return rb.name }

// Execute runs op under the gobreaker instance.
func (rb *RatioBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	value, err := rb.cb.Execute(func() (any, error) {
		return op(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return value, err
}
