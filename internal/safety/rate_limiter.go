package safety

import (
	"context"
	"fmt"

	"github.com/indexwarden/indexwarden/internal/ratelimit"
)

// RateLimiterGate wraps internal/ratelimit as a safety gate, keyed per
// (tenant, operation-kind).
type RateLimiterGate struct {
	limiter *ratelimit.Limiter
}

// NewRateLimiterGate builds a gate over limiter.
func NewRateLimiterGate(limiter *ratelimit.Limiter) *RateLimiterGate {
	return &RateLimiterGate{limiter: limiter}
}

func (g *RateLimiterGate) Name() string { return "rate_limiter" }

func (g *RateLimiterGate) Admit(ctx context.Context, req Request) (bool, string) {
	scope := fmt.Sprintf("%s:%s", req.Tenant, req.OperationKind)
	if g.limiter.Allow(scope) {
		return true, ""
	}
	return false, "rate limit exceeded"
}
