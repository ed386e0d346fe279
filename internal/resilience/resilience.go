// Package resilience provides the circuit breaker and retry primitives
// used by components that call out to the database: internal/dbgateway,
// internal/planner, and internal/safety's per-scope breakers all build on
// this package rather than hand-rolling their own state machines.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	idxerrors "github.com/indexwarden/indexwarden/internal/errors"
)

// CircuitBreakerConfig configures one scope's breaker: closed → open on
// N consecutive failures → half-open after cooldown.
type CircuitBreakerConfig struct {
	Name         string
	MaxFailures  uint32
	Cooldown     time.Duration
	HalfOpenMax  uint32
	OnStateChange func(name string, from, to string)
}

// DefaultCircuitBreakerConfig matches the teacher's DefaultConfig shape.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    5 * time.Minute,
		HalfOpenMax: 1,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker[any], translating its
// state machine into indexwarden's error taxonomy.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker[any]
	name string
}

// NewCircuitBreaker builds a breaker for one (tenant, table) scope.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: valueOr(cfg.HalfOpenMax, 1),
		Timeout:     valueOrDuration(cfg.Cooldown, 5*time.Minute),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			max := cfg.MaxFailures
			if max == 0 {
				max = 5
			}
			return counts.ConsecutiveFailures >= max
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker[any](settings), name: cfg.Name}
}

// Execute runs fn through the breaker, mapping gobreaker.ErrOpenState and
// gobreaker.ErrTooManyRequests onto *idxerrors.CircuitOpen.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := c.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &idxerrors.CircuitOpen{Scope: c.name}
		}
		return nil, err
	}
	return result, nil
}

// State reports the current breaker state as a string for metrics/logs.
func (c *CircuitBreaker) State() string {
	return c.cb.State().String()
}

func valueOr(v, fallback uint32) uint32 {
	if v == 0 {
		return fallback
	}
	return v
}

func valueOrDuration(v, fallback time.Duration) time.Duration {
	if v == 0 {
		return fallback
	}
	return v
}

// RetryConfig controls exponential-backoff retry, applied on a
// TransientDbError up to a bounded attempt count.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryConfig matches spec defaults: 3 attempts, 100ms initial.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2.0,
	}
}

// Retry runs fn, retrying only when the returned error is a
// *idxerrors.TransientDbError, using exponential backoff with jitter.
// A *idxerrors.FatalDbError (or any other error) is returned immediately.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0 // bounded by MaxAttempts instead

	bo := backoff.WithMaxRetries(b, uint64(maxAttemptsOrDefault(cfg.MaxAttempts)-1))
	bo = backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var transient *idxerrors.TransientDbError
		if errors.As(err, &transient) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, bo)
}

func maxAttemptsOrDefault(n int) int {
	if n <= 0 {
		return 3
	}
	return n
}
