// The concrete periodic maintenance tasks, each a small Job wired
// against the component it maintains. They are grouped into light,
// standard, and heavy ticks by the caller (C12's supervisor wiring),
// mirroring how aristath-sentinel/trader-go schedules its own
// light/standard/heavy tasks against one cron.Cron.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/indexwarden/indexwarden/internal/analyzer"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/decision"
	"github.com/indexwarden/indexwarden/internal/executor"
	"github.com/indexwarden/indexwarden/internal/lineage"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/safety"
)

// IntegrityCheckJob runs task (1): a light database integrity check
// confirming the catalog connection and a handful of expected system
// views are reachable.
type IntegrityCheckJob struct {
	gw *dbgateway.Gateway
}

func NewIntegrityCheckJob(gw *dbgateway.Gateway) *IntegrityCheckJob { return &IntegrityCheckJob{gw: gw} }

func (j *IntegrityCheckJob) Name() string { return "integrity-check" }

func (j *IntegrityCheckJob) Run(ctx context.Context) error {
	var row struct {
		Count int64 `db:"count"`
	}
	return j.gw.Get(ctx, &row, `SELECT count(*) AS count FROM pg_stat_user_indexes`)
}

// ConstraintRefreshJob refreshes the decision engine's constraint layer
// with current per-table index counts and per-tenant storage usage. It
// runs on the light tick (and once at supervisor start) rather than per
// decision round, since catalog state moves far slower than the request
// rate the engine evaluates candidates at.
type ConstraintRefreshJob struct {
	store  *executor.Store
	engine *decision.Engine
}

func NewConstraintRefreshJob(store *executor.Store, engine *decision.Engine) *ConstraintRefreshJob {
	return &ConstraintRefreshJob{store: store, engine: engine}
}

func (j *ConstraintRefreshJob) Name() string { return "constraint-refresh" }

func (j *ConstraintRefreshJob) Run(ctx context.Context) error {
	constraints := j.engine.Constraints()
	if constraints == nil {
		return nil
	}
	indexCount, err := j.store.CountActiveByTable(ctx)
	if err != nil {
		return err
	}
	storageMB, err := j.store.StorageMBByTenant(ctx)
	if err != nil {
		return err
	}
	constraints.Refresh(indexCount, storageMB)
	return nil
}

// usageRow mirrors the pg_stat_user_indexes columns the reap/bloat/stats
// jobs need.
type usageRow struct {
	Schema      string `db:"schemaname"`
	Table       string `db:"relname"`
	Index       string `db:"indexrelname"`
	Scans       int64  `db:"idx_scan"`
	SizeBytes   int64  `db:"size_bytes"`
	IsUnique    bool   `db:"indisunique"`
	IsValid     bool   `db:"indisvalid"`
	Definition  string `db:"indexdef"`
}

const usageRowQuery = `
	SELECT s.schemaname, s.relname, s.indexrelname, s.idx_scan,
	       pg_relation_size(s.indexrelid) AS size_bytes,
	       i.indisunique, i.indisvalid, x.indexdef
	FROM pg_stat_user_indexes s
	JOIN pg_index i ON i.indexrelid = s.indexrelid
	JOIN pg_indexes x ON x.indexname = s.indexrelname AND x.schemaname = s.schemaname
`

// ReapUnusedIndexesJob runs task (2): proposes (or, with autoCleanup,
// drops) indexes with zero scans over the configured horizon, excluding
// any that enforce uniqueness.
type ReapUnusedIndexesJob struct {
	gw          *dbgateway.Gateway
	store       *executor.Store
	lg          *lineage.Store
	lockAdv     *safety.LockAdvisor
	log         *logging.Logger
	autoCleanup bool
}

func NewReapUnusedIndexesJob(gw *dbgateway.Gateway, store *executor.Store, lg *lineage.Store, lockAdv *safety.LockAdvisor, log *logging.Logger, autoCleanup bool) *ReapUnusedIndexesJob {
	return &ReapUnusedIndexesJob{gw: gw, store: store, lg: lg, lockAdv: lockAdv, log: log, autoCleanup: autoCleanup}
}

func (j *ReapUnusedIndexesJob) Name() string { return "reap-unused-indexes" }

func (j *ReapUnusedIndexesJob) Run(ctx context.Context) error {
	var rows []usageRow
	if err := j.gw.Select(ctx, &rows, usageRowQuery+` WHERE s.idx_scan = 0 AND i.indisunique = false`); err != nil {
		return err
	}
	for _, r := range rows {
		scope := r.Table
		if !j.autoCleanup {
			j.log.WithComponent("lifecycle").Infof("unused index %s on %s proposed for removal (auto-cleanup disabled)", r.Index, r.Table)
			continue
		}
		acquired, err := j.lockAdv.TryAcquire(ctx, scope)
		if err != nil || !acquired {
			continue // try again next tick rather than block on a held scope
		}
		dropErr := j.gw.RunAutocommit(ctx, fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", dbgateway.QuoteIdent(r.Index)))
		j.lockAdv.Release(ctx, scope)
		status := "dropped"
		if dropErr != nil {
			status = "failed"
		}
		_ = j.lg.RecordMutation(ctx, lineage.MutationEvent{
			Scope: scope, Actor: "maintainer", Kind: "drop", Status: status,
			Explanation: fmt.Sprintf("unused index %s, zero scans over reap horizon", r.Index),
		})
	}
	return nil
}

// ReapInvalidIndexesJob runs task (3): drops indexes whose build failed
// mid-flight (pg_index.indisvalid = false), which otherwise linger
// forever consuming disk and planner attention.
type ReapInvalidIndexesJob struct {
	gw *dbgateway.Gateway
	lg *lineage.Store
}

func NewReapInvalidIndexesJob(gw *dbgateway.Gateway, lg *lineage.Store) *ReapInvalidIndexesJob {
	return &ReapInvalidIndexesJob{gw: gw, lg: lg}
}

func (j *ReapInvalidIndexesJob) Name() string { return "reap-invalid-indexes" }

func (j *ReapInvalidIndexesJob) Run(ctx context.Context) error {
	var rows []usageRow
	if err := j.gw.Select(ctx, &rows, usageRowQuery+` WHERE i.indisvalid = false`); err != nil {
		return err
	}
	for _, r := range rows {
		ddl := fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", dbgateway.QuoteIdent(r.Index))
		dropErr := j.gw.RunAutocommit(ctx, ddl)
		status := "dropped"
		if dropErr != nil {
			status = "failed"
		}
		_ = j.lg.RecordMutation(ctx, lineage.MutationEvent{
			Scope: r.Table, Actor: "maintainer", Kind: "drop", Status: status,
			Explanation: fmt.Sprintf("invalid index %s reaped", r.Index),
		})
	}
	return nil
}

// ExpireStaleLocksJob runs task (4): releases in-process advisory locks
// past their TTL (Redis-backed locks expire on their own via PX).
type ExpireStaleLocksJob struct {
	lockAdv *safety.LockAdvisor
}

func NewExpireStaleLocksJob(lockAdv *safety.LockAdvisor) *ExpireStaleLocksJob {
	return &ExpireStaleLocksJob{lockAdv: lockAdv}
}

func (j *ExpireStaleLocksJob) Name() string { return "expire-stale-locks" }

func (j *ExpireStaleLocksJob) Run(ctx context.Context) error {
	j.lockAdv.Reap()
	return nil
}

// BloatDetectionJob runs task (5): flags indexes whose estimated bloat
// fraction exceeds thresholdPct and whose size clears a minimum, and —
// when autoReindex is set — issues REINDEX INDEX CONCURRENTLY. No safety
// gate (CPU throttle, maintenance window) is consulted before the REINDEX.
type BloatDetectionJob struct {
	gw           *dbgateway.Gateway
	lg           *lineage.Store
	log          *logging.Logger
	thresholdPct float64
	autoReindex  bool
}

func NewBloatDetectionJob(gw *dbgateway.Gateway, lg *lineage.Store, log *logging.Logger, thresholdPct float64, autoReindex bool) *BloatDetectionJob {
	return &BloatDetectionJob{gw: gw, lg: lg, log: log, thresholdPct: thresholdPct, autoReindex: autoReindex}
}

func (j *BloatDetectionJob) Name() string { return "bloat-detection" }

const minBloatCandidateBytes = 8 * 1024 * 1024 // 8MiB; below this bloat estimates are noisy

// bloatRow is the typed scan shape for the dead-tuple-ratio bloat proxy.
type bloatRow struct {
	Index      string  `db:"indexrelname"`
	Table      string  `db:"relname"`
	SizeBytes  int64   `db:"size_bytes"`
	BloatRatio float64 `db:"bloat_ratio"`
}

func (j *BloatDetectionJob) Run(ctx context.Context) error {
	// Without the pgstattuple extension, the dead-tuple ratio of the
	// underlying table is the standard proxy for index bloat used by
	// most Postgres operational tooling: a table with many dead tuples
	// since its last vacuum implies its indexes carry a proportional
	// share of dead index entries too.
	var rows []bloatRow
	err := j.gw.Select(ctx, &rows, `
		SELECT s.indexrelname, s.relname, pg_relation_size(s.indexrelid) AS size_bytes,
		       COALESCE(t.n_dead_tup, 0)::float8 / GREATEST(COALESCE(t.n_live_tup, 0) + COALESCE(t.n_dead_tup, 0), 1)::float8 AS bloat_ratio
		FROM pg_stat_user_indexes s
		JOIN pg_stat_user_tables t ON t.relid = s.relid
		WHERE pg_relation_size(s.indexrelid) >= $1
	`, minBloatCandidateBytes)
	if err != nil {
		return err
	}
	for _, r := range rows {
		if r.BloatRatio*100 < j.thresholdPct {
			continue
		}
		if !j.autoReindex {
			j.log.WithComponent("lifecycle").Infof("index %s on %s estimated bloat %.1f%%, auto-reindex disabled", r.Index, r.Table, r.BloatRatio*100)
			continue
		}
		ddl := fmt.Sprintf("REINDEX INDEX CONCURRENTLY %s", dbgateway.QuoteIdent(r.Index))
		reindexErr := j.gw.RunAutocommit(ctx, ddl)
		status := "rebuilt"
		if reindexErr != nil {
			status = "failed"
		}
		_ = j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
			Algorithm: "bloat-detection", Scope: r.Table,
			Output: map[string]any{"index": r.Index, "bloat_ratio": r.BloatRatio, "status": status},
		})
	}
	return nil
}

// StatisticsRefreshJob runs task (6): ANALYZEs relations whose
// last-analyze timestamp is older than staleAfter, reading relname from
// pg_stat_user_tables per spec's note that the correct stat view column
// is `relname`, not `tablename`.
type StatisticsRefreshJob struct {
	gw         *dbgateway.Gateway
	staleAfter time.Duration
}

func NewStatisticsRefreshJob(gw *dbgateway.Gateway, staleAfter time.Duration) *StatisticsRefreshJob {
	return &StatisticsRefreshJob{gw: gw, staleAfter: staleAfter}
}

func (j *StatisticsRefreshJob) Name() string { return "statistics-refresh" }

func (j *StatisticsRefreshJob) Run(ctx context.Context) error {
	var rows []struct {
		Relname string `db:"relname"`
	}
	err := j.gw.Select(ctx, &rows, `
		SELECT relname FROM pg_stat_user_tables
		WHERE last_analyze IS NULL OR last_analyze < now() - ($1 * interval '1 second')
	`, j.staleAfter.Seconds())
	if err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := j.gw.Exec(ctx, fmt.Sprintf("ANALYZE %s", dbgateway.QuoteIdent(r.Relname))); err != nil {
			return fmt.Errorf("analyze %s: %w", r.Relname, err)
		}
	}
	return nil
}

// RedundantIndexJob runs task (7): flags index pairs on the same table
// whose column prefix is identical, one strictly extending the other —
// the narrower one is redundant for every query the wider one serves.
type RedundantIndexJob struct {
	gw  *dbgateway.Gateway
	lg  *lineage.Store
	log *logging.Logger
}

func NewRedundantIndexJob(gw *dbgateway.Gateway, lg *lineage.Store, log *logging.Logger) *RedundantIndexJob {
	return &RedundantIndexJob{gw: gw, lg: lg, log: log}
}

func (j *RedundantIndexJob) Name() string { return "redundant-index-detection" }

type indexDefRow struct {
	Table string `db:"tablename"`
	Name  string `db:"indexname"`
	Def   string `db:"indexdef"`
}

func (j *RedundantIndexJob) Run(ctx context.Context) error {
	var rows []indexDefRow
	if err := j.gw.Select(ctx, &rows, `SELECT tablename, indexname, indexdef FROM pg_indexes WHERE schemaname = 'public'`); err != nil {
		return err
	}
	byTable := make(map[string][]indexDefRow)
	for _, r := range rows {
		byTable[r.Table] = append(byTable[r.Table], r)
	}
	for table, defs := range byTable {
		for i := 0; i < len(defs); i++ {
			for k := 0; k < len(defs); k++ {
				if i == k {
					continue
				}
				if isColumnPrefixOf(defs[i].Def, defs[k].Def) {
					j.log.WithComponent("lifecycle").Infof("index %s is a column prefix of %s on %s, candidate for consolidation", defs[i].Name, defs[k].Name, table)
					_ = j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
						Algorithm: "redundant-index-detection", Scope: table,
						Output: map[string]any{"narrower": defs[i].Name, "wider": defs[k].Name},
					})
				}
			}
		}
	}
	return nil
}

// isColumnPrefixOf is a textual approximation: narrower's parenthesized
// column list must be a strict prefix of wider's. It does not parse
// opclasses or expression indexes, matching the pack's tolerance for
// close-enough DDL inspection over a full SQL parser.
func isColumnPrefixOf(narrower, wider string) bool {
	nCols := columnListOf(narrower)
	wCols := columnListOf(wider)
	if nCols == "" || wCols == "" || len(nCols) >= len(wCols) {
		return false
	}
	return wCols[:len(nCols)] == nCols
}

func columnListOf(def string) string {
	open := indexOf(def, '(')
	shut := lastIndexOf(def, ')')
	if open < 0 || shut < 0 || shut <= open {
		return ""
	}
	return def[open+1 : shut]
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func lastIndexOf(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// ConsolidationJob runs task (8): suggests replacing two narrower
// indexes with a single broader one when the catalog already shows a
// wider index dominating them both (reusing RedundantIndexJob's prefix
// check, but recorded under its own algorithm name for audit).
type ConsolidationJob struct {
	gw  *dbgateway.Gateway
	lg  *lineage.Store
	log *logging.Logger
}

func NewConsolidationJob(gw *dbgateway.Gateway, lg *lineage.Store, log *logging.Logger) *ConsolidationJob {
	return &ConsolidationJob{gw: gw, lg: lg, log: log}
}

func (j *ConsolidationJob) Name() string { return "consolidation-suggestions" }

func (j *ConsolidationJob) Run(ctx context.Context) error {
	var rows []indexDefRow
	if err := j.gw.Select(ctx, &rows, `SELECT tablename, indexname, indexdef FROM pg_indexes WHERE schemaname = 'public'`); err != nil {
		return err
	}
	byTable := make(map[string][]indexDefRow)
	for _, r := range rows {
		byTable[r.Table] = append(byTable[r.Table], r)
	}
	for table, defs := range byTable {
		if len(defs) < 2 {
			continue
		}
		for i := 0; i < len(defs); i++ {
			dominated := 0
			for k := 0; k < len(defs); k++ {
				if i != k && isColumnPrefixOf(defs[k].Def, defs[i].Def) {
					dominated++
				}
			}
			if dominated >= 2 {
				j.log.WithComponent("lifecycle").Infof("index %s on %s dominates %d narrower indexes, suggest consolidation", defs[i].Name, table, dominated)
				_ = j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
					Algorithm: "consolidation-suggestions", Scope: table,
					Output: map[string]any{"dominant_index": defs[i].Name, "dominated_count": dominated},
				})
			}
		}
	}
	return nil
}

// CoveringOpportunityJob runs task (9): surfaces INCLUDE-list
// opportunities from the analyzer's recent aggregation.
type CoveringOpportunityJob struct {
	an              *analyzer.Analyzer
	lg              *lineage.Store
	window          time.Duration
	minIncludeCount int64
}

func NewCoveringOpportunityJob(an *analyzer.Analyzer, lg *lineage.Store, window time.Duration, minIncludeCount int64) *CoveringOpportunityJob {
	return &CoveringOpportunityJob{an: an, lg: lg, window: window, minIncludeCount: minIncludeCount}
}

func (j *CoveringOpportunityJob) Name() string { return "covering-opportunities" }

func (j *CoveringOpportunityJob) Run(ctx context.Context) error {
	aggs, _, err := j.an.Aggregate(ctx, j.window)
	if err != nil {
		return err
	}
	for _, opp := range analyzer.DetectCovering(aggs, j.minIncludeCount) {
		scope := opp.Table
		if opp.Tenant != "" {
			scope = opp.Tenant + ":" + opp.Table
		}
		_ = j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
			Algorithm: "covering-opportunities", Scope: scope,
			Output: map[string]any{"key": opp.Key, "include": opp.IncludeCols},
		})
	}
	return nil
}

// WorkloadAnalysisJob runs task (10): refreshes the windowed
// FieldUsageAggregate rollup that feeds C6's threshold modulation, and
// records the round's composite opportunities for audit.
type WorkloadAnalysisJob struct {
	an              *analyzer.Analyzer
	lg              *lineage.Store
	window          time.Duration
	minCoOccurrence int64
}

func NewWorkloadAnalysisJob(an *analyzer.Analyzer, lg *lineage.Store, window time.Duration, minCoOccurrence int64) *WorkloadAnalysisJob {
	return &WorkloadAnalysisJob{an: an, lg: lg, window: window, minCoOccurrence: minCoOccurrence}
}

func (j *WorkloadAnalysisJob) Name() string { return "workload-analysis" }

func (j *WorkloadAnalysisJob) Run(ctx context.Context) error {
	aggs, win, err := j.an.Aggregate(ctx, j.window)
	if err != nil {
		return err
	}
	opportunities := analyzer.DetectComposite(aggs, j.minCoOccurrence)
	return j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
		Algorithm: "workload-analysis", Scope: "fleet",
		Output: map[string]any{"total_samples": win.Total, "small": win.Small, "composite_opportunities": len(opportunities)},
	})
}

// ForeignKeySuggestionJob runs task (11): proposes indexes on foreign
// key columns that lack one, skipped entirely for small workloads by
// default.
type ForeignKeySuggestionJob struct {
	gw    *dbgateway.Gateway
	lg    *lineage.Store
	an    *analyzer.Analyzer
	window time.Duration
}

func NewForeignKeySuggestionJob(gw *dbgateway.Gateway, lg *lineage.Store, an *analyzer.Analyzer, window time.Duration) *ForeignKeySuggestionJob {
	return &ForeignKeySuggestionJob{gw: gw, lg: lg, an: an, window: window}
}

func (j *ForeignKeySuggestionJob) Name() string { return "foreign-key-suggestions" }

func (j *ForeignKeySuggestionJob) Run(ctx context.Context) error {
	_, win, err := j.an.Aggregate(ctx, j.window)
	if err != nil {
		return err
	}
	if win.Small {
		return nil // non-small workloads only, by default
	}

	var rows []struct {
		Table  string `db:"table_name"`
		Column string `db:"column_name"`
	}
	err = j.gw.Select(ctx, &rows, `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND NOT EXISTS (
		    SELECT 1 FROM pg_indexes pi
		    WHERE pi.tablename = tc.table_name AND pi.indexdef LIKE '%' || kcu.column_name || '%'
		  )
	`)
	if err != nil {
		return err
	}
	for _, r := range rows {
		_ = j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
			Algorithm: "foreign-key-suggestions", Scope: r.Table,
			Output: map[string]any{"column": r.Column},
		})
	}
	return nil
}

// PredictiveMaintenanceJob runs task (12): fits a simple linear trend
// over recent bloat-detection algorithm_usage entries per scope and
// forecasts which indexes will cross the bloat threshold within the
// next maintenance horizon.
type PredictiveMaintenanceJob struct {
	lg           *lineage.Store
	lookback     time.Duration
	horizon      time.Duration
	thresholdPct float64
}

func NewPredictiveMaintenanceJob(lg *lineage.Store, lookback, horizon time.Duration, thresholdPct float64) *PredictiveMaintenanceJob {
	return &PredictiveMaintenanceJob{lg: lg, lookback: lookback, horizon: horizon, thresholdPct: thresholdPct}
}

func (j *PredictiveMaintenanceJob) Name() string { return "predictive-maintenance" }

func (j *PredictiveMaintenanceJob) Run(ctx context.Context) error {
	entries, tss, err := j.lg.RecentAlgorithmUsage(ctx, "bloat-detection", j.lookback)
	if err != nil {
		return err
	}
	bySample := make(map[string][]float64)
	byTs := make(map[string][]time.Time)
	for i, e := range entries {
		ratio, ok := e.Output["bloat_ratio"].(float64)
		if !ok {
			continue
		}
		bySample[e.Scope] = append(bySample[e.Scope], ratio)
		byTs[e.Scope] = append(byTs[e.Scope], tss[i])
	}
	for scope, samples := range bySample {
		if len(samples) < 2 {
			continue
		}
		slope, intercept := linearFit(byTs[scope], samples)
		if slope <= 0 {
			continue // flat or shrinking; nothing to forecast
		}
		// linearFit's x axis starts at the first sample; forecast at the
		// latest sample plus the horizon.
		elapsed := byTs[scope][len(byTs[scope])-1].Sub(byTs[scope][0]).Seconds()
		horizonPct := (slope*(elapsed+j.horizon.Seconds()) + intercept) * 100
		if horizonPct < j.thresholdPct {
			continue
		}
		_ = j.lg.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
			Algorithm: "predictive-maintenance", Scope: scope,
			Output: map[string]any{"forecast_bloat_pct": horizonPct, "horizon_seconds": j.horizon.Seconds()},
		})
	}
	return nil
}

// linearFit returns the slope/intercept of an ordinary-least-squares fit
// of y against seconds-since-first-sample, the same closed-form
// shortcut internal/decision's UtilityLayer avoids pulling an external
// regression library for.
func linearFit(tss []time.Time, y []float64) (slope, intercept float64) {
	n := float64(len(y))
	first := tss[0]
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := tss[i].Sub(first).Seconds()
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// SafeguardMetricsSnapshotJob runs task (13): pulls lineage counters and
// the active-index count into the gauge C13 exposes, a periodic
// reconciliation independent of the per-event metric increments already
// emitted at each mutation/gate call site.
type SafeguardMetricsSnapshotJob struct {
	store *executor.Store
	lg    *lineage.Store
	mx    *metrics.Metrics
}

func NewSafeguardMetricsSnapshotJob(store *executor.Store, lg *lineage.Store, mx *metrics.Metrics) *SafeguardMetricsSnapshotJob {
	return &SafeguardMetricsSnapshotJob{store: store, lg: lg, mx: mx}
}

func (j *SafeguardMetricsSnapshotJob) Name() string { return "safeguard-metrics-snapshot" }

func (j *SafeguardMetricsSnapshotJob) Run(ctx context.Context) error {
	active, err := j.store.AllActive(ctx)
	if err != nil {
		return err
	}
	j.mx.ActiveIndexes.Set(float64(len(active)))
	_, err = j.lg.CountsByOutcome(ctx)
	return err
}

// MLRetrainJob runs task (14): retrains C6's UtilityLayer from recent
// lineage history within a bounded time budget. The interceptor itself
// has no trainable weights, so retraining here feeds the decision
// engine's own regression layer via the shared Trainable strategy
// interface.
type MLRetrainJob struct {
	lg       *lineage.Store
	utility  *decision.UtilityLayer
	lookback time.Duration
	budget   time.Duration
}

func NewMLRetrainJob(lg *lineage.Store, utility *decision.UtilityLayer, lookback, budget time.Duration) *MLRetrainJob {
	return &MLRetrainJob{lg: lg, utility: utility, lookback: lookback, budget: budget}
}

func (j *MLRetrainJob) Name() string { return "ml-retrain" }

func (j *MLRetrainJob) Run(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, j.budget)
	defer cancel()

	events, err := j.lg.RecentMutations(runCtx, j.lookback)
	if err != nil {
		return err
	}

	history := make([]decision.TrainingExample, 0, len(events))
	for _, ev := range events {
		if ev.Kind != "create" && ev.Kind != "rollback" {
			continue
		}
		improvement := 0.0
		if ev.Improvement != nil {
			improvement = *ev.Improvement
		}
		history = append(history, decision.TrainingExample{
			Features:    featuresFromRationale(ev.Rationale),
			Improvement: improvement,
			Kept:        ev.Status == "active",
		})
	}
	if len(history) == 0 {
		return nil
	}
	j.utility.Train(history)
	return nil
}

// featuresFromRationale reconstructs the subset of Features the
// UtilityLayer trains on from a MutationEvent's stored rationale map,
// populated by internal/executor.rationaleMap at decision time.
func featuresFromRationale(rationale map[string]any) decision.Features {
	var c decision.IndexCandidate
	if v, ok := rationale["selectivity"].(float64); ok {
		c.Selectivity = v
	}
	if v, ok := rationale["write_ratio"].(float64); ok {
		c.WriteRatio = v
	}
	if v, ok := rationale["sustained"].(bool); ok {
		c.Sustained = v
	}
	if v, ok := rationale["spike"].(bool); ok {
		c.Spike = v
	}
	return decision.Features{Candidate: c}
}
