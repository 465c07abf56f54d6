// Package retry wraps arbitrary operations with bounded exponential
// backoff. The executor reports its outcome as a Result record rather
// than an error, so callers can inspect attempt counts and accumulated
// delay; DoWithError restores exception-style semantics for callers that
// just want the last error.
package retry

import (
	"context"
	"math"
	"time"

	apierrors "github.com/crmware/apiguard/pkg/errors"
	"github.com/crmware/apiguard/pkg/observability"
)

// Operation is the unit of work to retry.
type Operation func(ctx context.Context) (any, error)

// Config contains retry configuration.
type Config struct {
	// MaxAttempts bounds the total number of invocations, first try included.
	MaxAttempts int `mapstructure:"max_attempts"`

	// InitialDelay is the delay after the first failed attempt.
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// Multiplier is the backoff multiplier.
	Multiplier float64 `mapstructure:"multiplier"`

	// RetryIf decides whether a failure is worth another attempt.
	// Nil means DefaultRetryable.
	RetryIf func(error) bool `mapstructure:"-"`
}

// Result records the outcome of one Do call.
type Result struct {
	Success    bool
	Value      any
	Err        error
	Attempts   int
	TotalDelay time.Duration
}

// DefaultRetryable treats network, timeout and 5xx-class failures as
// retryable; everything else fails fast.
func DefaultRetryable(err error) bool {
	return apierrors.IsRetryable(err)
}

// Executor retries an operation under one Config. Domain presets differ
// only in their budget and predicate, never in the algorithm.
type Executor struct {
	config Config
	logger observability.Logger
}

// New creates an executor, applying defaults for unset fields.
func New(config Config, logger observability.Logger) *Executor {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 1.0 {
		config.Multiplier = 2.0
	}
	if config.RetryIf == nil {
		config.RetryIf = DefaultRetryable
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	return &Executor{
		config: config,
		logger: logger.WithPrefix("retry"),
	}
}

// Config returns the executor's effective configuration.
func (e *Executor) Config() Config { return e.config }

// Do attempts the operation up to MaxAttempts times. There is no delay
// after the final attempt; TotalDelay accumulates only time actually
// slept. Exhaustion is not an error here: the Result carries the last
// failure.
func (e *Executor) Do(ctx context.Context, op Operation) Result {
	result := Result{}

	for attempt := 1; ; attempt++ {
		value, err := op(ctx)
		result.Attempts = attempt

		if err == nil {
			result.Success = true
			result.Value = value
			return result
		}
		result.Err = err

		if !e.config.RetryIf(err) {
			e.logger.Debug("Error not retryable", map[string]interface{}{
				"error":   err.Error(),
				"attempt": attempt,
			})
			return result
		}
		if attempt >= e.config.MaxAttempts {
			return result
		}

		delay := e.delay(attempt)
		result.TotalDelay += delay

		e.logger.Warn("Retrying after error", map[string]interface{}{
			"attempt":      attempt,
			"max_attempts": e.config.MaxAttempts,
			"delay":        delay,
			"error":        err.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		}
	}
}

// DoWithError runs Do and converts exhaustion into an error return,
// logging the attempt count and total delay first. The last real error
// is returned, never a generic wrapper.
func (e *Executor) DoWithError(ctx context.Context, op Operation) (any, error) {
	result := e.Do(ctx, op)
	if result.Success {
		return result.Value, nil
	}

	e.logger.Error("Operation failed after retries", map[string]interface{}{
		"attempts":    result.Attempts,
		"total_delay": result.TotalDelay,
		"error":       result.Err.Error(),
	})
	return nil, result.Err
}

// delay computes min(initialDelay * multiplier^(attempt-1), maxDelay).
func (e *Executor) delay(attempt int) time.Duration {
	delay := float64(e.config.InitialDelay) * math.Pow(e.config.Multiplier, float64(attempt-1))
	if delay > float64(e.config.MaxDelay) {
		delay = float64(e.config.MaxDelay)
	}
	return time.Duration(delay)
}

// ForContacts is the preset for contact CRUD and lookups.
func ForContacts(logger observability.Logger) *Executor {
	return New(Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}, logger)
}

// ForFiles is the preset for file uploads and attachments: fewer
// attempts, longer initial delay.
func ForFiles(logger observability.Logger) *Executor {
	return New(Config{
		MaxAttempts:  2,
		InitialDelay: 2 * time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}, logger)
}

// ForBatch is the preset for bulk operations: the longest delays and the
// largest budget.
func ForBatch(logger observability.Logger) *Executor {
	return New(Config{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}, logger)
}
