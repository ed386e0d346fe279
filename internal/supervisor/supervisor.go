// Package supervisor is the process composition root (C12): it wires
// every component in startup order (gateway → catalog →
// lineage/observability → ingestion → planner → analyzer/decision →
// safety → executor → lifecycle → interceptor), drains them in reverse
// order on shutdown, and exposes the four-scope bypass control surface
// (feature/module/system/startup). Its Start/Stop/signal-drain shape is
// grounded on infrastructure/service/runner.go's Run(): signal.Notify +
// server.Shutdown(ctx) with a bounded deadline.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/indexwarden/indexwarden/internal/analyzer"
	"github.com/indexwarden/indexwarden/internal/catalog"
	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/decision"
	"github.com/indexwarden/indexwarden/internal/executor"
	"github.com/indexwarden/indexwarden/internal/ingestion"
	"github.com/indexwarden/indexwarden/internal/interceptor"
	"github.com/indexwarden/indexwarden/internal/lifecycle"
	"github.com/indexwarden/indexwarden/internal/lineage"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/observability"
	"github.com/indexwarden/indexwarden/internal/planner"
	"github.com/indexwarden/indexwarden/internal/ratelimit"
	"github.com/indexwarden/indexwarden/internal/resilience"
	"github.com/indexwarden/indexwarden/internal/safety"
)

// lockAdvisorTTL bounds how long a stale in-process lock can outlive its
// holder before ExpireStaleLocksJob reaps it; Redis-backed locks expire
// via their own PX TTL instead (internal/safety/lock_advisor.go).
const lockAdvisorTTL = 5 * time.Minute

// canaryMinSamples is the minimum number of sampled outcomes a scope
// must accumulate before the canary gate decides to promote or roll it
// back fleet-wide; there is no per-scope config knob for this, so every
// scope uses the same floor.
const canaryMinSamples = 20

// Supervisor owns every component's lifetime and the cross-cutting
// bypass surface. Exported fields are the composition root's wiring,
// consumed directly by cmd/idxdaemon's subcommands.
type Supervisor struct {
	cfg *config.Config
	log *logging.Logger
	mx  *metrics.Metrics

	Gateway     *dbgateway.Gateway
	Catalog     *catalog.Catalog
	Lineage     *lineage.Store
	Ingestion   *ingestion.Ingestion
	Planner     *planner.Planner
	Analyzer    *analyzer.Analyzer
	Engine      *decision.Engine
	SafetyChain *safety.Chain
	LockAdvisor *safety.LockAdvisor
	Breakers    *safety.CircuitBreakerGate
	WriteLat    *safety.WriteLatencyMonitor
	Canary      *safety.Canary
	Executor    *executor.Store
	ExecutorRun *executor.Executor
	Scheduler   *lifecycle.Scheduler
	Interceptor *interceptor.Interceptor
	Observability *observability.Server

	Bypass *BypassControl

	tickGroups map[string][]lifecycle.Job

	shuttingDown atomic.Bool
	startedAt    time.Time
}

// New wires every component in startup order but does not yet start any
// background goroutines or accept traffic; call Start for that. A
// failure here is always a startup-bypass candidate: bypass a
// misbehaving non-critical component rather than refusing to boot.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger, mx *metrics.Metrics) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, log: log, mx: mx, Bypass: NewBypassControl(cfg.Bypass)}

	// C1: gateway.
	gw, err := dbgateway.Open(ctx, cfg.Database, resilience.DefaultRetryConfig())
	if err != nil {
		return nil, fmt.Errorf("open gateway: %w", err)
	}
	gw.SetShutdownCheck(s.shuttingDown.Load)
	s.Gateway = gw

	// C2: catalog.
	s.Catalog = catalog.New(gw, log, cfg.Catalog)

	// C11 + C13: lineage and observability come up early so every later
	// component can record against them and the health surface answers
	// liveness probes during the rest of bootstrap.
	s.Lineage = lineage.New(gw)
	s.Observability = observability.New(cfg.Observability, mx, log, s.liveness, s.readiness)

	// C3: ingestion.
	s.Ingestion = ingestion.New(gw, log, mx, cfg.Ingestion)

	// C4: planner.
	s.Planner = planner.New(gw, mx, cfg.Planner)

	// C5/C6: analyzer and decision engine.
	s.Analyzer = analyzer.New(gw, s.Planner, cfg.Decision.SmallWorkloadThreshold)
	constraintIndexCount := map[string]int{}
	constraintStorageMB := map[string]int{}
	constraints := decision.NewConstraintLayer(decision.ConstraintLimits{
		MaxStoragePerTenantMB: cfg.Decision.MaxStoragePerTenantMB,
		MaxIndexesPerTable:    cfg.Decision.MaxIndexesPerTable,
		MaxWriteOverheadPct:   cfg.Decision.MaxWriteOverheadPct,
		MinImprovementFloor:   cfg.Decision.MinImprovementPct,
	}, constraintIndexCount, constraintStorageMB)
	s.Engine = decision.New(cfg.Decision, constraints, s.skipChecks(), s.Lineage)

	// C7: safety gates.
	s.LockAdvisor = safety.NewLockAdvisor(cfg.Safety.RedisAddr, lockAdvisorTTL)
	s.Breakers = safety.NewCircuitBreakerGate(func(scope string) resilience.CircuitBreakerConfig {
		return resilience.CircuitBreakerConfig{Name: scope, MaxFailures: cfg.Safety.CircuitBreakerN, Cooldown: cfg.Safety.CircuitBreakerCooldown}
	}, func(scope, toState string) { mx.CircuitTransitions.WithLabelValues(scope, toState).Inc() })
	s.WriteLat = safety.NewWriteLatencyMonitor(cfg.Safety.WriteLatencyCeilingMs, 50)
	maintWindow := safety.NewMaintenanceWindow(cfg.Safety.MaintenanceDays, cfg.Safety.MaintenanceStartHour, cfg.Safety.MaintenanceEndHour, cfg.Safety.MaintenanceWindowCron)
	cpuThrottle := safety.NewCPUThrottle(cfg.Safety.CPUThresholdPct, cfg.Safety.CPUCooldown, 5*time.Second)
	rlCfg := ratelimit.Config{Tokens: cfg.Safety.RateLimitTokens, RefillPerSec: cfg.Safety.RateLimitRefillPerSec}
	rateLimiter := safety.NewRateLimiterGate(ratelimit.New(rlCfg))
	s.Canary = safety.NewCanary(cfg.Safety.CanaryPercent, cfg.Safety.CanarySuccessFloor, canaryMinSamples, time.Now().UnixNano())
	s.SafetyChain = safety.NewChain(func(gate string, admitted bool, reason string) {
		mx.RecordGate(gate, admitted)
		log.LogGateOutcome(ctx, gate, admitted, reason)
	}, maintWindow, rateLimiter, cpuThrottle, s.WriteLat, s.LockAdvisor, s.Breakers, s.Canary)

	// C8: executor.
	s.Executor = executor.NewStore(gw)
	s.ExecutorRun = executor.New(gw, s.Executor, s.Planner, s.Lineage, log, mx, s.LockAdvisor, s.Breakers, s.WriteLat, s.Canary,
		cfg.Safety, cfg.Decision, cfg.Lifecycle, cfg.Lifecycle.AutoCleanup)

	// C9: lifecycle scheduler (ticks registered by the caller via
	// WireLifecycle, since tick schedules belong to cmd/idxdaemon's
	// `run` wiring, not the composition root itself).
	s.Scheduler = lifecycle.New(log, mx)

	// C10: interceptor.
	s.Interceptor = interceptor.New(s.Planner, mx, cfg.Interceptor)

	return s, nil
}

// skipChecks builds the decision engine's early-exit precedence chain,
// evaluated before any scoring layer runs: first reject a candidate
// that duplicates an already-active index, then reject a pattern that's
// a one-off spike rather than sustained usage.
func (s *Supervisor) skipChecks() []decision.SkipCheck {
	return []decision.SkipCheck{
		{Name: "active-equivalent-exists", Check: func(ctx context.Context, c decision.IndexCandidate) string {
			if c.ActiveEquivalentExists {
				return "an equivalent active index already covers this scope"
			}
			return ""
		}},
		{Name: "spike-only-pattern", Check: func(ctx context.Context, c decision.IndexCandidate) string {
			if c.Spike && !c.Sustained {
				return "spike"
			}
			return ""
		}},
	}
}

// Start runs one constraint refresh, then launches the remaining
// background goroutines (C3 flushers, C9's cron scheduler, C13's HTTP
// surface) and begins serving; C7's CPU throttle sampler already started
// in New. Call order matches the startup sequence New wired.
func (s *Supervisor) Start(ctx context.Context) {
	s.startedAt = time.Now()
	if err := lifecycle.NewConstraintRefreshJob(s.Executor, s.Engine).Run(ctx); err != nil {
		s.log.WithComponent("supervisor").WithContext(ctx).WithError(err).Warn("initial constraint refresh failed; constraint layer starts with an empty catalog view")
	}
	s.Ingestion.Start(ctx, s.cfg.Ingestion.Flushers)
	s.Observability.Start()
	s.Scheduler.Start()
}

// Run blocks until SIGINT/SIGTERM, then drains in reverse startup order
// within a bounded deadline.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		s.log.WithComponent("supervisor").Info("shutdown signal received, draining")
	case <-ctx.Done():
	}

	return s.Stop(context.Background())
}

const shutdownDrainTimeout = 30 * time.Second

// Stop drains every component in the reverse of its startup order,
// bounded by shutdownDrainTimeout.
func (s *Supervisor) Stop(parent context.Context) error {
	s.shuttingDown.Store(true)
	ctx, cancel := context.WithTimeout(parent, shutdownDrainTimeout)
	defer cancel()

	s.Scheduler.Stop(ctx)
	s.Ingestion.Stop()
	if err := s.Observability.Shutdown(ctx); err != nil {
		s.log.WithComponent("supervisor").WithError(err).Warn("observability shutdown")
	}
	return s.Gateway.Close()
}

func (s *Supervisor) liveness(ctx context.Context) error {
	return s.Gateway.Ping(ctx)
}

func (s *Supervisor) readiness() (bool, string) {
	if !s.Ingestion.Ready() {
		return false, "no ingestion flush has succeeded yet"
	}
	return true, ""
}
