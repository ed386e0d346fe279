// Package safety implements the admission gates of C7: maintenance
// window, rate limiter, CPU throttle, write-latency monitor, lock
// advisor, circuit breaker, and canary. Every gate is a binary admission
// check with a reason string.
package safety

import "context"

// Request describes one proposed mutation an admission gate evaluates.
type Request struct {
	Tenant        string
	Table         string
	OperationKind string // "create-index" | "drop-index" | "reindex" | "analyze"
	CPUIntensive  bool
	Emergency     bool // bypasses the maintenance window
}

// Scope renders the (tenant, table) key gates key their state by.
func (r Request) Scope() string {
	if r.Tenant == "" {
		return r.Table
	}
	return r.Tenant + ":" + r.Table
}

// Gate is the capability every safety check implements.
type Gate interface {
	Name() string
	Admit(ctx context.Context, req Request) (bool, string)
}

// Chain evaluates gates in order, short-circuiting (and recording) on
// the first deny: if any gate denies, the mutation executor is never
// entered.
type Chain struct {
	gates    []Gate
	onResult func(gate string, admitted bool, reason string)
}

// NewChain builds a Chain over gates, invoking onResult for every gate
// evaluated (admit or deny) so safeguard counters never miss an outcome.
func NewChain(onResult func(gate string, admitted bool, reason string), gates ...Gate) *Chain {
	return &Chain{gates: gates, onResult: onResult}
}

// Admit runs every gate in order; the first deny short-circuits the
// remainder and is returned with its gate name and reason.
func (c *Chain) Admit(ctx context.Context, req Request) (admitted bool, deniedBy string, reason string) {
	for _, g := range c.gates {
		ok, r := g.Admit(ctx, req)
		if c.onResult != nil {
			c.onResult(g.Name(), ok, r)
		}
		if !ok {
			return false, g.Name(), r
		}
	}
	return true, "", ""
}
