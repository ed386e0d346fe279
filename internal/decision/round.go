package decision

import (
	"context"

	"github.com/lib/pq"

	"github.com/indexwarden/indexwarden/internal/analyzer"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
)

// tableStatRow mirrors the pg_stat_user_tables/pg_class columns a
// candidate needs to fill in WriteRatio, WriteFrequency, and
// TableSizeBucket — the inputs Features expects that FieldUsageAggregate
// alone doesn't carry, since query_stats tracks reads, not writes.
type tableStatRow struct {
	Table      string  `db:"relname"`
	Reads      float64 `db:"reads"`
	Writes     float64 `db:"writes"`
	SeqScans   int64   `db:"seq_scan"`
	EstRows    float64 `db:"est_rows"`
	UptimeSecs float64 `db:"uptime_secs"`
}

// TableStats loads per-table read/write counters for every table named
// in tables, used to populate the candidate fields Aggregate's
// query_stats rollup can't (writes, row-count estimate).
func TableStats(ctx context.Context, gw *dbgateway.Gateway, tables []string) (map[string]tableStatRow, error) {
	if len(tables) == 0 {
		return map[string]tableStatRow{}, nil
	}
	var rows []tableStatRow
	err := gw.Select(ctx, &rows, `
		SELECT relname,
		       (seq_tup_read + idx_tup_fetch)::float8 AS reads,
		       (n_tup_ins + n_tup_upd + n_tup_del)::float8 AS writes,
		       seq_scan,
		       GREATEST(n_live_tup, 0)::float8 AS est_rows,
		       GREATEST(extract(epoch FROM now() - stats_reset), 1)::float8 AS uptime_secs
		FROM pg_stat_user_tables
		WHERE relname = ANY($1)
	`, pq.Array(tables))
	if err != nil {
		return nil, err
	}
	out := make(map[string]tableStatRow, len(rows))
	for _, r := range rows {
		out[r.Table] = r
	}
	return out, nil
}

// singleColumnWithTenant builds a single-column candidate's Columns,
// leading with the tenant column for a tenant-scoped field so the
// resulting index actually serves per-tenant lookups rather than one
// shared across tenants; a non-tenant-scoped field is left as-is.
func singleColumnWithTenant(tenant, field, tenantColumn string) []string {
	if tenant != "" && tenantColumn != "" {
		return []string{tenantColumn, field}
	}
	return []string{field}
}

func sizeBucket(estRows float64) SizeBucket {
	switch {
	case estRows < 10_000:
		return SizeSmall
	case estRows < 1_000_000:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// BuildCandidates turns one round's analyzer output (single-column usage
// aggregates plus the composite/covering opportunities derived from them)
// into the IndexCandidate values Evaluate expects, filling read/write mix
// via stats. Single-column candidates take their selectivity from
// selectivity; composite candidates use the detector's co-occurrence
// score and covering candidates a fixed 1. Single-column candidates come from
// aggs directly, leading with tenantColumn when the aggregate is
// tenant-scoped so the index actually serves per-tenant lookups;
// composite and covering opportunities come from their respective
// detector outputs and already carry any tenant column the detector
// included in their key. A candidate whose scope has no matching
// tableStatRow (a table with no pg_stat_user_tables activity yet) is
// skipped rather than evaluated against a zeroed write ratio.
func BuildCandidates(
	ctx context.Context,
	aggs []analyzer.FieldUsageAggregate,
	composites []analyzer.CompositeOpportunity,
	coverings []analyzer.CoveringOpportunity,
	stats map[string]tableStatRow,
	activeEquivalent func(tenant, table string, columns []string) bool,
	selectivity func(ctx context.Context, table, field string) (float64, error),
	tenantColumn string,
) []IndexCandidate {
	var out []IndexCandidate

	for _, a := range aggs {
		st, ok := stats[a.Table]
		if !ok {
			continue
		}
		sel, _ := selectivity(ctx, a.Table, a.Field)
		c := IndexCandidate{
			Tenant:          a.Tenant,
			Table:           a.Table,
			Columns:         singleColumnWithTenant(a.Tenant, a.Field, tenantColumn),
			Kind:            kindForShape(a.Shape),
			Selectivity:     sel,
			Sustained:       !a.Spike,
			Spike:           a.Spike,
			WriteRatio:      writeRatio(st),
			TableSizeBucket: sizeBucket(st.EstRows),
			EstimatedRowsWithoutIndex: st.EstRows,
			WriteFrequency:  st.Writes / st.UptimeSecs,
			PlanSeqScan:     st.SeqScans > 0,
		}
		c.ActiveEquivalentExists = activeEquivalent(c.Tenant, c.Table, c.Columns)
		out = append(out, c)
	}

	for _, co := range composites {
		st, ok := stats[co.Table]
		if !ok {
			continue
		}
		c := IndexCandidate{
			Tenant:          co.Tenant,
			Table:           co.Table,
			Columns:         co.Fields,
			Kind:            KindBTree,
			Selectivity:     co.Score,
			Sustained:       true,
			WriteRatio:      writeRatio(st),
			TableSizeBucket: sizeBucket(st.EstRows),
			EstimatedRowsWithoutIndex: st.EstRows,
			WriteFrequency:  st.Writes / st.UptimeSecs,
			PlanSeqScan:     st.SeqScans > 0,
		}
		c.ActiveEquivalentExists = activeEquivalent(c.Tenant, c.Table, c.Columns)
		out = append(out, c)
	}

	for _, cov := range coverings {
		st, ok := stats[cov.Table]
		if !ok {
			continue
		}
		c := IndexCandidate{
			Tenant:          cov.Tenant,
			Table:           cov.Table,
			Columns:         cov.Key,
			IncludeCols:     cov.IncludeCols,
			Kind:            KindCovering,
			Selectivity:     1,
			Sustained:       true,
			WriteRatio:      writeRatio(st),
			TableSizeBucket: sizeBucket(st.EstRows),
			EstimatedRowsWithoutIndex: st.EstRows,
			WriteFrequency:  st.Writes / st.UptimeSecs,
			PlanSeqScan:     st.SeqScans > 0,
		}
		c.ActiveEquivalentExists = activeEquivalent(c.Tenant, c.Table, c.Columns)
		out = append(out, c)
	}

	return out
}

// Fixed cost-model constants for HeuristicLayer's cost/benefit
// arithmetic. These aren't config knobs: they're the per-row cost units
// the heuristic's net-benefit curve is expressed in, same role as a
// query planner's cost constants (seq_page_cost, random_page_cost).
const (
	costFactorSeqScan   = 1.0
	costFactorIndex     = 0.02
	writeOverheadFactor = 0.05
	buildCostPerRow     = 0.001
	horizonQueries      = 100_000
)

// DefaultFeatures wraps a candidate with the fixed cost-model constants,
// the shape Evaluate requires; smallWorkload threads through the
// analyzer Window's small-workload fast-path flag.
func DefaultFeatures(c IndexCandidate, smallWorkload bool) Features {
	return Features{
		Candidate:           c,
		CostFactorSeqScan:   costFactorSeqScan,
		CostFactorIndex:     costFactorIndex,
		WriteOverheadFactor: writeOverheadFactor,
		BuildCostPerRow:     buildCostPerRow,
		HorizonQueries:      horizonQueries,
		SmallWorkload:       smallWorkload,
	}
}

func writeRatio(st tableStatRow) float64 {
	total := st.Reads + st.Writes
	if total <= 0 {
		return 0
	}
	return st.Writes / total
}

func kindForShape(shape string) IndexKind {
	switch shape {
	case "contains", "array", "jsonb":
		return KindGIN
	case "predicate":
		return KindPartial
	case "expression":
		return KindExpression
	default:
		return KindBTree
	}
}
