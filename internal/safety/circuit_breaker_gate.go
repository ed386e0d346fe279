package safety

import (
	"context"
	"sync"

	"github.com/indexwarden/indexwarden/internal/resilience"
)

// CircuitBreakerGate holds one internal/resilience.CircuitBreaker per
// (tenant, table) scope.
type CircuitBreakerGate struct {
	cfg func(scope string) resilience.CircuitBreakerConfig

	mu        sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker
	onTransition func(scope, toState string)
}

// NewCircuitBreakerGate builds a gate that lazily creates a breaker per
// scope using cfgFor.
func NewCircuitBreakerGate(cfgFor func(scope string) resilience.CircuitBreakerConfig, onTransition func(scope, toState string)) *CircuitBreakerGate {
	return &CircuitBreakerGate{cfg: cfgFor, breakers: make(map[string]*resilience.CircuitBreaker), onTransition: onTransition}
}

func (g *CircuitBreakerGate) breakerFor(scope string) *resilience.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.breakers[scope]
	if !ok {
		cfg := g.cfg(scope)
		if g.onTransition != nil {
			userCb := g.onTransition
			cfg.OnStateChange = func(name, from, to string) { userCb(name, to) }
		}
		b = resilience.NewCircuitBreaker(cfg)
		g.breakers[scope] = b
	}
	return b
}

func (g *CircuitBreakerGate) Name() string { return "circuit_breaker" }

func (g *CircuitBreakerGate) Admit(ctx context.Context, req Request) (bool, string) {
	b := g.breakerFor(req.Scope())
	if b.State() == "open" {
		return false, "circuit open"
	}
	return true, ""
}

// RecordOutcome feeds a build success/failure back into the scope's
// breaker via a no-op/erroring Execute call, so consecutive-failure
// counting matches gobreaker's own bookkeeping.
func (g *CircuitBreakerGate) RecordOutcome(ctx context.Context, scope string, err error) {
	b := g.breakerFor(scope)
	_, _ = b.Execute(ctx, func(ctx context.Context) (any, error) { return nil, err })
}
