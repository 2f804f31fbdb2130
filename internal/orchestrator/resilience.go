package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/taskerr"
)

// RetryConfig configures exponential backoff retry of failed executions.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          uint64        // Retries after the first attempt; 0 means bounded by time only
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry manages per-task-type circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a new circuit breaker registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given task type.
// Creates a new one if it doesn't exist.
func (r *CircuitBreakerRegistry) Get(taskType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[taskType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        taskType,
		MaxRequests: 3, // Allow 3 test requests in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not an executor failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[taskType] = cb
	return cb
}

// execute runs ex, through the retry policy and circuit breaker when the
// manager has them.
func (m *Manager) execute(ctx context.Context, taskType string, ex executor.Executor, inputs map[string]any) (map[string]any, error) {
	if m.cfg.Retry == nil && m.cfg.Breakers == nil {
		return ex.Execute(ctx, inputs)
	}

	var cb *gobreaker.CircuitBreaker
	if m.cfg.Breakers != nil {
		cb = m.cfg.Breakers.Get(taskType)
	}
	return executeWithRetry(ctx, func(ctx context.Context) (map[string]any, error) {
		return ex.Execute(ctx, inputs)
	}, cb, m.cfg.Retry)
}

// executeWithRetry calls fn with exponential backoff retry and circuit breaker
// protection. A nil breaker disables circuit breaking; a nil retry config
// makes a single attempt.
func executeWithRetry(ctx context.Context, fn func(context.Context) (map[string]any, error), cb *gobreaker.CircuitBreaker, retryCfg *RetryConfig) (map[string]any, error) {
	var result map[string]any

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		var (
			out any
			err error
		)
		if cb != nil {
			out, err = cb.Execute(func() (any, error) {
				return fn(ctx)
			})
		} else {
			out, err = fn(ctx)
		}

		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			// Bad inputs fail the same way every time
			if taskerr.IsStructural(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		result, _ = out.(map[string]any)
		return nil
	}

	if retryCfg == nil {
		err := operation()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return result, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	var b backoff.BackOff = policy
	if retryCfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, retryCfg.MaxRetries)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Printf("WARNING: execution failed, retrying in %s: %v", wait, err)
	})
	return result, err
}
