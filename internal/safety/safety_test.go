package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/ratelimit"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func TestChainShortCircuitsOnFirstDeny(t *testing.T) {
	var results []string
	onResult := func(gate string, admitted bool, reason string) {
		results = append(results, gate)
	}
	allow := fakeGate{name: "allow", admitted: true}
	deny := fakeGate{name: "deny", admitted: false, reason: "nope"}
	neverRun := fakeGate{name: "never", admitted: true}

	chain := NewChain(onResult, allow, deny, neverRun)
	admitted, deniedBy, reason := chain.Admit(context.Background(), Request{Table: "orders"})
	require.False(t, admitted)
	assert.Equal(t, "deny", deniedBy)
	assert.Equal(t, "nope", reason)
	assert.Equal(t, []string{"allow", "deny"}, results)
}

type fakeGate struct {
	name     string
	admitted bool
	reason   string
}

func (g fakeGate) Name() string { return g.name }
func (g fakeGate) Admit(ctx context.Context, req Request) (bool, string) { return g.admitted, g.reason }

func TestRequestScopeOmitsTenantWhenEmpty(t *testing.T) {
	assert.Equal(t, "orders", Request{Table: "orders"}.Scope())
	assert.Equal(t, "acme:orders", Request{Tenant: "acme", Table: "orders"}.Scope())
}

func TestCanaryEvaluateRequiresMinSamples(t *testing.T) {
	c := NewCanary(1.0, 0.8, 3, 42)
	c.RecordOutcome(CanaryOutcome{Scope: "acme:orders", Improved: true})
	decided, _, _ := c.Evaluate("acme:orders")
	assert.False(t, decided)
}

func TestCanaryEvaluatePromotesAboveFloor(t *testing.T) {
	c := NewCanary(1.0, 0.75, 4, 42)
	for _, improved := range []bool{true, true, true, false} {
		c.RecordOutcome(CanaryOutcome{Scope: "acme:orders", Improved: improved})
	}
	decided, promote, rate := c.Evaluate("acme:orders")
	require.True(t, decided)
	assert.True(t, promote)
	assert.InDelta(t, 0.75, rate, 0.001)
}

func TestCanaryEvaluateRollsBackBelowFloor(t *testing.T) {
	c := NewCanary(1.0, 0.8, 2, 7)
	c.RecordOutcome(CanaryOutcome{Scope: "s", Improved: false})
	c.RecordOutcome(CanaryOutcome{Scope: "s", Improved: false})
	decided, promote, _ := c.Evaluate("s")
	require.True(t, decided)
	assert.False(t, promote)
}

func TestCanaryResetClearsOutcomes(t *testing.T) {
	c := NewCanary(1.0, 0.8, 1, 1)
	c.RecordOutcome(CanaryOutcome{Scope: "s", Improved: true})
	c.Reset("s")
	decided, _, _ := c.Evaluate("s")
	assert.False(t, decided)
}

func TestCanaryIsCanarySampleAlwaysTrueAtFullFraction(t *testing.T) {
	c := NewCanary(1.0, 0.8, 1, 99)
	for i := 0; i < 20; i++ {
		assert.True(t, c.IsCanarySample())
	}
}

func TestMaintenanceWindowEmergencyOverridesClosedWindow(t *testing.T) {
	w := NewMaintenanceWindow(nil, 0, 0, "")
	w.now = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }
	admitted, reason := w.Admit(context.Background(), Request{Emergency: true})
	assert.True(t, admitted)
	assert.Equal(t, "emergency override", reason)
}

func TestMaintenanceWindowDeniesOutsideConfiguredDaysAndHours(t *testing.T) {
	w := NewMaintenanceWindow([]time.Weekday{time.Wednesday}, 9, 17, "")
	w.now = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) } // Wednesday
	admitted, _ := w.Admit(context.Background(), Request{})
	assert.True(t, admitted)

	w.now = func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) } // Thursday
	admitted, reason := w.Admit(context.Background(), Request{})
	assert.False(t, admitted)
	assert.Equal(t, "outside maintenance window", reason)
}

func TestMaintenanceWindowWrapsPastMidnight(t *testing.T) {
	w := NewMaintenanceWindow([]time.Weekday{time.Wednesday}, 22, 4, "")
	w.now = func() time.Time { return time.Date(2026, 7, 29, 23, 0, 0, 0, time.UTC) }
	assert.True(t, w.insideWindow(w.now()))
	w.now = func() time.Time { return time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC) }
	assert.False(t, w.insideWindow(w.now()))
}

func TestRateLimiterGateDeniesAfterBurstExhausted(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Tokens: 1, RefillPerSec: 0})
	gate := NewRateLimiterGate(limiter)
	req := Request{Tenant: "acme", OperationKind: "create-index"}

	admitted, _ := gate.Admit(context.Background(), req)
	assert.True(t, admitted)
	admitted, reason := gate.Admit(context.Background(), req)
	assert.False(t, admitted)
	assert.Equal(t, "rate limit exceeded", reason)
}

func TestWriteLatencyMonitorAdmitsUntilEnoughSamples(t *testing.T) {
	m := NewWriteLatencyMonitor(100, 20)
	admitted, _ := m.Admit(context.Background(), Request{Table: "orders"})
	assert.True(t, admitted, "no samples yet means no verdict to make")
}

func TestWriteLatencyMonitorDeniesWhenP95ExceedsCeiling(t *testing.T) {
	m := NewWriteLatencyMonitor(50, 20)
	for _, d := range []float64{10, 10, 10, 10, 200} {
		m.RecordWrite("orders", d)
	}
	admitted, reason := m.Admit(context.Background(), Request{Table: "orders"})
	assert.False(t, admitted)
	assert.Equal(t, "write p95 exceeds ceiling", reason)
}

func TestCircuitBreakerGateOpensAfterConsecutiveFailures(t *testing.T) {
	cfgFor := func(scope string) resilience.CircuitBreakerConfig {
		return resilience.CircuitBreakerConfig{Name: scope, MaxFailures: 2, Cooldown: time.Minute, HalfOpenMax: 1}
	}
	g := NewCircuitBreakerGate(cfgFor, nil)
	scope := "acme:orders"

	admitted, _ := g.Admit(context.Background(), Request{Tenant: "acme", Table: "orders"})
	assert.True(t, admitted)

	g.RecordOutcome(context.Background(), scope, assertErr{})
	g.RecordOutcome(context.Background(), scope, assertErr{})

	admitted, reason := g.Admit(context.Background(), Request{Tenant: "acme", Table: "orders"})
	assert.False(t, admitted)
	assert.Equal(t, "circuit open", reason)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
