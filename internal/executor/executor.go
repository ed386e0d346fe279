// Package executor is the mutation executor (C8): for every approved
// candidate that clears the safety gates, it builds the index
// concurrently, measures before/after plans, and records lineage. It is
// the only writer of IndexRecord transitions.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/decision"
	"github.com/indexwarden/indexwarden/internal/lineage"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/planner"
	"github.com/indexwarden/indexwarden/internal/safety"
)

// SampleQuery is one representative query used for before/after
// measurement.
type SampleQuery struct {
	SQL string
}

// Executor is the C8 component.
type Executor struct {
	gw       *dbgateway.Gateway
	store    *Store
	pl       *planner.Planner
	lg       *lineage.Store
	log      *logging.Logger
	mx       *metrics.Metrics
	lockAdv  *safety.LockAdvisor
	breakers *safety.CircuitBreakerGate
	writeLat *safety.WriteLatencyMonitor
	canary   *safety.Canary

	minImprovementPct  float64
	autoRollback       bool
	allowBlockingFallback bool
	ddlSem             chan struct{} // fleet-wide concurrency bound
}

// New builds an Executor. canary may be nil, disabling canary sampling
// entirely (every Apply is treated as a direct rollout).
func New(gw *dbgateway.Gateway, store *Store, pl *planner.Planner, lg *lineage.Store, log *logging.Logger, mx *metrics.Metrics,
	lockAdv *safety.LockAdvisor, breakers *safety.CircuitBreakerGate, writeLat *safety.WriteLatencyMonitor, canary *safety.Canary,
	cfg config.SafetyConfig, decisionCfg config.DecisionConfig, lifecycleCfg config.LifecycleConfig, autoRollback bool) *Executor {
	return &Executor{
		gw: gw, store: store, pl: pl, lg: lg, log: log, mx: mx,
		lockAdv: lockAdv, breakers: breakers, writeLat: writeLat, canary: canary,
		minImprovementPct:     decisionCfg.MinImprovementPct,
		autoRollback:          autoRollback,
		allowBlockingFallback: lifecycleCfg.AllowBlockingDDLFallback,
		ddlSem:                make(chan struct{}, cfg.MaxConcurrentDDL),
	}
}

// Apply builds, measures, and records lineage for one approved
// candidate: insert the proposed record, transition it through the
// build, measure before/after plans, and roll back automatically if the
// measured improvement misses the floor. Callers are expected to have
// already cleared the candidate through the safety gate chain (see
// cmd/idxdaemon's apply path) — Apply itself only serializes per scope
// via the lock advisor; it does not re-check admission.
func (e *Executor) Apply(ctx context.Context, d decision.Decision, samples []SampleQuery) error {
	c := d.Candidate
	scope := c.Scope()

	acquired, err := e.lockAdv.TryAcquire(ctx, scope)
	if err != nil {
		return fmt.Errorf("lock advisor: %w", err)
	}
	if !acquired {
		return e.lg.RecordMutation(ctx, lineage.MutationEvent{
			Scope: scope, Actor: "engine", Kind: "skipped", Status: "skipped",
			Explanation: "scope locked", Rationale: rationaleMap(d),
		})
	}
	defer e.lockAdv.Release(ctx, scope)

	e.ddlSem <- struct{}{}
	defer func() { <-e.ddlSem }()

	isCanary := e.canary != nil && e.canary.IsCanarySample()
	name := indexName(c)
	recID, err := e.store.Insert(ctx, IndexRecord{
		ScopeTenant: c.Tenant, ScopeTable: c.Table, Name: name, Kind: string(c.Kind),
		Columns: c.Columns, Predicate: c.Predicate, IncludeCols: c.IncludeCols, Status: StatusProposed, Version: 1,
	})
	if err != nil {
		return fmt.Errorf("insert proposed record: %w", err)
	}

	if err := e.store.TransitionStatus(ctx, recID, StatusProposed, StatusBuilding); err != nil {
		return err
	}

	// Step 1: before.
	before, beforeErr := e.measureOne(ctx, samples)

	// Step 2: issue concurrent-build DDL.
	ddl := buildCreateDDL(name, c)
	start := time.Now()
	buildErr := e.gw.RunAutocommit(ctx, ddl)
	buildDuration := time.Since(start)
	e.writeLat.RecordWrite(c.Table, float64(buildDuration.Milliseconds()))

	if buildErr != nil {
		// Step 3: failure path.
		e.breakers.RecordOutcome(ctx, scope, buildErr)
		_ = e.store.TransitionStatus(ctx, recID, StatusBuilding, StatusFailed)
		e.mx.MutationOutcomes.WithLabelValues(string(c.Kind), "failed").Inc()
		return e.lg.RecordMutation(ctx, lineage.MutationEvent{
			IndexRef: &recID, Scope: scope, Actor: "engine", Kind: "create", Status: "failed",
			Explanation: buildErr.Error(), Rationale: rationaleMap(d),
		})
	}
	e.breakers.RecordOutcome(ctx, scope, nil)

	if err := e.store.TransitionStatus(ctx, recID, StatusBuilding, StatusActive); err != nil {
		return err
	}

	// Step 4: after.
	after, afterErr := e.measureOne(ctx, samples)

	improvement := 0.0
	if beforeErr == nil && afterErr == nil && before.EstimatedCost > 0 {
		improvement = clamp(1-(after.EstimatedCost/before.EstimatedCost), -1, 1)
	}
	_ = e.store.RecordImprovement(ctx, recID, improvement)

	forceRollback := false
	canaryNote := ""
	if isCanary {
		e.canary.RecordOutcome(safety.CanaryOutcome{Scope: scope, Improved: improvement >= e.minImprovementPct})
		if decided, promote, rate := e.canary.Evaluate(scope); decided {
			e.canary.Reset(scope)
			canaryNote = fmt.Sprintf(" canary decided at success rate %.2f", rate)
			if !promote {
				forceRollback = true
				canaryNote += ", rolling back fleet-wide"
			} else {
				canaryNote += ", promoting fleet-wide"
			}
		}
	}

	status := "active"
	kind := "create"
	if (improvement < e.minImprovementPct && e.autoRollback) || forceRollback {
		// Step 5: rollback path.
		dropErr := e.dropIndex(ctx, name)
		if dropErr == nil {
			_ = e.store.TransitionStatus(ctx, recID, StatusActive, StatusRolledBack)
			status = "rolled-back"
			kind = "rollback"
		} else {
			e.log.WithComponent("executor").WithContext(ctx).WithError(dropErr).Warn("auto-rollback drop failed; index remains active")
		}
	} else if improvement < e.minImprovementPct {
		e.log.WithComponent("executor").WithContext(ctx).Warnf("index %s improvement %.3f below floor %.3f; auto-rollback disabled", name, improvement, e.minImprovementPct)
	}

	e.mx.MutationOutcomes.WithLabelValues(string(c.Kind), status).Inc()

	// Step 6: lineage.
	return e.lg.RecordMutation(ctx, lineage.MutationEvent{
		IndexRef: &recID, Scope: scope, Actor: "engine", Kind: kind, Status: status,
		BeforeSummary: summaryMap(before), AfterSummary: summaryMap(after),
		Improvement: &improvement, Rationale: rationaleMap(d),
		Explanation: fmt.Sprintf("built %s, improvement=%.3f%s", name, improvement, canaryNote),
	})
}

// Rollback forces rollback of an active IndexRecord on operator demand
// (CLI `rollback <index>`). A failed DROP is recorded as a failed
// rollback MutationEvent and the record keeps its status; nothing
// retries the drop afterwards.
func (e *Executor) Rollback(ctx context.Context, rec IndexRecord) error {
	scope := rec.Scope()
	acquired, err := e.lockAdv.TryAcquire(ctx, scope)
	if err != nil || !acquired {
		return fmt.Errorf("rollback %s: scope locked", scope)
	}
	defer e.lockAdv.Release(ctx, scope)

	if err := e.dropIndex(ctx, rec.Name); err != nil {
		return e.lg.RecordMutation(ctx, lineage.MutationEvent{
			IndexRef: &rec.ID, Scope: scope, Actor: "operator", Kind: "rollback", Status: "failed",
			Explanation: fmt.Sprintf("drop attempt failed: %v", err),
		})
	}
	if err := e.store.TransitionStatus(ctx, rec.ID, rec.Status, StatusRolledBack); err != nil {
		return err
	}
	return e.lg.RecordMutation(ctx, lineage.MutationEvent{
		IndexRef: &rec.ID, Scope: scope, Actor: "operator", Kind: "rollback", Status: "rolled-back",
	})
}

func (e *Executor) dropIndex(ctx context.Context, name string) error {
	ddl := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", dbgateway.QuoteIdent(name))
	return e.gw.RunAutocommit(ctx, ddl)
}

func (e *Executor) measureOne(ctx context.Context, samples []SampleQuery) (planner.PlanSummary, error) {
	if len(samples) == 0 {
		return planner.PlanSummary{}, fmt.Errorf("no sample queries provided")
	}
	return e.pl.PlanAnalyze(ctx, samples[0].SQL)
}

func buildCreateDDL(name string, c decision.IndexCandidate) string {
	var sb strings.Builder
	sb.WriteString("CREATE INDEX CONCURRENTLY IF NOT EXISTS ")
	sb.WriteString(dbgateway.QuoteIdent(name))
	sb.WriteString(" ON ")
	sb.WriteString(dbgateway.QuoteIdent(c.Table))

	method := "btree"
	if c.Kind == decision.KindHash {
		method = "hash"
	} else if c.Kind == decision.KindGIN {
		method = "gin"
	}
	fmt.Fprintf(&sb, " USING %s (%s)", method, quoteColumns(c.Columns))

	if len(c.IncludeCols) > 0 {
		fmt.Fprintf(&sb, " INCLUDE (%s)", quoteColumns(c.IncludeCols))
	}
	if c.Predicate != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(c.Predicate)
	}
	return sb.String()
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = dbgateway.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func indexName(c decision.IndexCandidate) string {
	parts := append([]string{"idx", c.Table}, c.Columns...)
	if c.Tenant != "" {
		parts = append([]string{"idx", c.Tenant, c.Table}, c.Columns...)
	}
	return strings.ToLower(strings.Join(parts, "_"))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func summaryMap(p planner.PlanSummary) map[string]any {
	return map[string]any{
		"estimated_cost": p.EstimatedCost,
		"estimated_rows": p.EstimatedRows,
		"seq_scan_tables": p.SeqScanTables,
		"chosen_indexes":  p.ChosenIndexes,
	}
}

func rationaleMap(d decision.Decision) map[string]any {
	return map[string]any{
		"heuristic_score":    d.Rationale.HeuristicScore,
		"utility_prediction": d.Rationale.UtilityPrediction,
		"classifier_prob":    d.Rationale.ClassifierProb,
		"constraint_score":   d.Rationale.ConstraintScore,
		"workload":           string(d.Rationale.Workload),
		"required_benefit":   d.Rationale.RequiredBenefit,
		"confidence":         d.Rationale.Confidence,
		"spike":              d.Rationale.Spike,
		// Raw candidate features, carried so C9's ml-retrain task can
		// reconstruct Features without a second query against query_stats.
		"selectivity": d.Candidate.Selectivity,
		"write_ratio": d.Candidate.WriteRatio,
		"sustained":   d.Candidate.Sustained,
	}
}
