// Package resilience provides circuit breaking and rate limiting for the
// upstream services behind the request-optimization layer.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crmware/apiguard/pkg/observability"
)

// ErrCircuitOpen is returned without invoking the operation when the
// breaker for a service is open. Callers can distinguish "upstream is
// down" from "upstream returned an error" by checking for it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Operation is the unit of work a breaker protects.
type Operation func(ctx context.Context) (any, error)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed means requests flow normally
	StateClosed State = iota
	// StateOpen means requests are blocked
	StateOpen
	// StateHalfOpen means a trial request is probing recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int `mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long the breaker stays open before a trial
	// call is admitted.
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker is the contract shared by the consecutive-failure breaker and
// the ratio-based one.
type Breaker interface {
	Execute(ctx context.Context, op Operation) (any, error)
	Name() string
}

// CircuitBreaker counts consecutive failures and fails fast once the
// threshold is reached. The half-open transition is computed lazily at
// call time, not by a background timer, and exactly one trial call is
// admitted while half-open; concurrent calls during the trial see
// ErrCircuitOpen.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu              sync.Mutex
	state           State
	failures        int
	lastFailureTime time.Time
	trialInFlight   bool
	lastUsed        time.Time

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(name string, config BreakerConfig, logger observability.Logger, metrics observability.MetricsClient) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &CircuitBreaker{
		name:     name,
		config:   config,
		state:    StateClosed,
		lastUsed: time.Now(),
		logger:   logger.WithPrefix("circuit-breaker"),
		metrics:  metrics,
	}
}

// Name returns the service name this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs op under the breaker. When the breaker is open the
// operation is not invoked and ErrCircuitOpen is returned; otherwise the
// operation's own result or error reaches the caller undecorated.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) (any, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	value, err := op(ctx)
	cb.afterCall(err == nil)
	return value, err
}

// State returns the current state, applying the lazy open-to-half-open
// transition so callers observe the same state a call would.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailureTime) > cb.config.RecoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastUsed = time.Now()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.config.RecoveryTimeout {
			cb.setState(StateHalfOpen)
			cb.trialInFlight = true
			cb.logger.Info("Circuit breaker admitting trial call", map[string]interface{}{
				"service": cb.name,
			})
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil

	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
		if success {
			cb.setState(StateClosed)
			cb.failures = 0
			cb.logger.Info("Circuit breaker closed after successful trial", map[string]interface{}{
				"service": cb.name,
			})
		} else {
			cb.setState(StateOpen)
			cb.failures++
			cb.lastFailureTime = time.Now()
			cb.logger.Warn("Circuit breaker re-opened after failed trial", map[string]interface{}{
				"service": cb.name,
			})
		}
		return
	}

	if success {
		cb.failures = 0
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()
	if cb.state == StateClosed && cb.failures >= cb.config.FailureThreshold {
		cb.setState(StateOpen)
		cb.logger.Warn("Circuit breaker opened", map[string]interface{}{
			"service":  cb.name,
			"failures": cb.failures,
		})
	}
}

// setState changes the state and records the transition. Caller must hold
// the lock.
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	cb.metrics.RecordCounter("circuit_breaker_state_changes_total", 1, map[string]string{
		"service": cb.name,
		"from":    cb.state.String(),
		"to":      state.String(),
	})
	cb.state = state
	cb.metrics.RecordGauge("circuit_breaker_state", float64(state), map[string]string{
		"service": cb.name,
	})
}

// idleSince reports how long ago the breaker was last used, and whether
// it is safely removable (closed with no recorded failures).
func (cb *CircuitBreaker) idleSince() (time.Duration, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return time.Since(cb.lastUsed), cb.state == StateClosed && cb.failures == 0
}
