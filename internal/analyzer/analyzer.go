// Package analyzer is the pattern & selectivity analyzer (C5). It rolls
// up query_stats into FieldUsageAggregate windows and derives
// selectivity, sustained-vs-spike classification, and composite/covering
// index opportunities.
package analyzer

import (
	"context"
	"sort"
	"time"

	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/planner"
)

// FieldUsageAggregate is a sliding-window rollup keyed by
// (tenant, table, field, shape).
type FieldUsageAggregate struct {
	Tenant      string
	Table       string
	Field       string
	Shape       string
	Count       int64
	AvgDuration float64
	P95Duration float64
	P99Duration float64
	Spike       bool
}

// Window describes one analysis window's shape; Small marks a
// small-workload fast-path.
type Window struct {
	Start time.Time
	End   time.Time
	Total int64
	Small bool
}

// CompositeOpportunity names two fields frequently co-filtered together.
type CompositeOpportunity struct {
	Tenant string
	Table  string
	Fields []string
	Score  float64
}

// CoveringOpportunity suggests an INCLUDE list for an existing/candidate
// index because the SELECT list is a superset of the indexed key.
type CoveringOpportunity struct {
	Tenant      string
	Table       string
	Key         []string
	IncludeCols []string
}

// rawSample mirrors the columns needed for windowed aggregation.
type rawSample struct {
	Tenant       string    `db:"tenant"`
	Table        string    `db:"table_name"`
	Field        string    `db:"field"`
	Shape        string    `db:"shape"`
	Ts           time.Time `db:"ts"`
	DurationMs   float64   `db:"duration_ms"`
}

// Analyzer is the C5 component.
type Analyzer struct {
	gw                    *dbgateway.Gateway
	pl                    *planner.Planner
	smallWorkloadThreshold int
	spikeFraction         float64
}

// New builds an Analyzer. The spike fraction is fixed at 0.8 and is not
// configurable: if at least this share of a field's samples land inside a
// single 1/10th-width sub-window, the pattern is a spike.
func New(gw *dbgateway.Gateway, pl *planner.Planner, smallWorkloadThreshold int) *Analyzer {
	return &Analyzer{gw: gw, pl: pl, smallWorkloadThreshold: smallWorkloadThreshold, spikeFraction: 0.8}
}

// Aggregate rolls up query_stats over the trailing duration into
// FieldUsageAggregates, plus the Window metadata consumed by C6.
func (a *Analyzer) Aggregate(ctx context.Context, since time.Duration) ([]FieldUsageAggregate, Window, error) {
	end := time.Now()
	start := end.Add(-since)

	var rows []rawSample
	err := a.gw.Select(ctx, &rows, `
		SELECT COALESCE(tenant, '') AS tenant, table_name, field, shape, ts, duration_ms
		FROM query_stats
		WHERE ts >= $1 AND ts <= $2
		ORDER BY tenant, table_name, field, shape, ts
	`, start, end)
	if err != nil {
		return nil, Window{}, err
	}

	win := Window{Start: start, End: end, Total: int64(len(rows))}
	win.Small = win.Total < int64(a.smallWorkloadThreshold)

	groups := make(map[string][]rawSample)
	order := make([]string, 0)
	for _, r := range rows {
		key := r.Tenant + "\x00" + r.Table + "\x00" + r.Field + "\x00" + r.Shape
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
	}

	aggs := make([]FieldUsageAggregate, 0, len(order))
	for _, key := range order {
		samples := groups[key]
		aggs = append(aggs, a.aggregateGroup(samples, win))
	}
	return aggs, win, nil
}

func (a *Analyzer) aggregateGroup(samples []rawSample, win Window) FieldUsageAggregate {
	first := samples[0]
	durations := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		durations[i] = s.DurationMs
		sum += s.DurationMs
	}
	sort.Float64s(durations)

	agg := FieldUsageAggregate{
		Tenant:      first.Tenant,
		Table:       first.Table,
		Field:       first.Field,
		Shape:       first.Shape,
		Count:       int64(len(samples)),
		AvgDuration: sum / float64(len(samples)),
		P95Duration: percentile(durations, 0.95),
		P99Duration: percentile(durations, 0.99),
	}
	agg.Spike = a.isSpike(samples, win)
	return agg
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// isSpike classifies the group as sustained (false) or spike (true):
// sustained requires enough volume AND that volume not concentrated in a
// single sub-window of 1/10th the total window width.
func (a *Analyzer) isSpike(samples []rawSample, win Window) bool {
	if int64(len(samples)) < sustainedMinCount {
		return false // too few samples to call it either; not sustained, but also not flagged a spike
	}
	subWidth := win.End.Sub(win.Start) / 10
	if subWidth <= 0 {
		return false
	}
	buckets := make(map[int64]int)
	maxBucket := 0
	for _, s := range samples {
		b := int64(s.Ts.Sub(win.Start) / subWidth)
		buckets[b]++
		if buckets[b] > maxBucket {
			maxBucket = buckets[b]
		}
	}
	ratio := float64(maxBucket) / float64(len(samples))
	return ratio >= a.spikeFraction
}

const sustainedMinCount = 50

// Selectivity estimates the fraction of rows selected by field within
// table as the ratio of distinct values to total rows. When that query
// fails or the table is empty it returns a neutral 0.5; no plan-derived
// estimate is made, here or by the caller.
func (a *Analyzer) Selectivity(ctx context.Context, table, field string) (float64, error) {
	var row struct {
		Distinct int64 `db:"distinct_count"`
		Total    int64 `db:"total_count"`
	}
	err := a.gw.Get(ctx, &row, `
		SELECT count(DISTINCT `+dbgateway.QuoteIdent(field)+`) AS distinct_count, count(*) AS total_count
		FROM `+dbgateway.QuoteIdent(table)+`
	`)
	if err != nil || row.Total == 0 {
		return 0.5, nil // neutral fallback
	}
	return float64(row.Distinct) / float64(row.Total), nil
}

// DetectComposite finds fields that frequently co-appear in the same
// query shape for the same (tenant, table), evidence of a composite
// index opportunity.
func DetectComposite(aggs []FieldUsageAggregate, minCoOccurrence int64) []CompositeOpportunity {
	type pairKey struct{ tenant, table, a, b string }
	counts := make(map[pairKey]int64)

	byScope := make(map[string][]FieldUsageAggregate)
	for _, agg := range aggs {
		scope := agg.Tenant + "\x00" + agg.Table
		byScope[scope] = append(byScope[scope], agg)
	}

	var opportunities []CompositeOpportunity
	for _, group := range byScope {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				fi, fj := group[i], group[j]
				if fi.Shape != fj.Shape {
					continue
				}
				co := minInt64(fi.Count, fj.Count)
				if co < minCoOccurrence {
					continue
				}
				opportunities = append(opportunities, CompositeOpportunity{
					Tenant: fi.Tenant,
					Table:  fi.Table,
					Fields: []string{fi.Field, fj.Field},
					Score:  float64(co),
				})
			}
		}
	}
	return opportunities
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// DetectCovering finds (tenant, table, shape) groups where one field
// dominates as the filter predicate (the candidate key) and the other
// fields of the same shape are read alongside it often enough to be
// worth carrying in an INCLUDE list, so a lookup satisfies the query
// from the index alone. keyField selects the dominant field of a shape
// group by highest Count; the rest, above minIncludeCount, become
// IncludeCols candidates.
func DetectCovering(aggs []FieldUsageAggregate, minIncludeCount int64) []CoveringOpportunity {
	type shapeKey struct{ tenant, table, shape string }
	byShape := make(map[shapeKey][]FieldUsageAggregate)
	order := make([]shapeKey, 0)
	for _, agg := range aggs {
		k := shapeKey{agg.Tenant, agg.Table, agg.Shape}
		if _, ok := byShape[k]; !ok {
			order = append(order, k)
		}
		byShape[k] = append(byShape[k], agg)
	}

	var opportunities []CoveringOpportunity
	for _, k := range order {
		group := byShape[k]
		if len(group) < 2 {
			continue // nothing to include alongside a single-field shape
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Count > group[j].Count })
		key := group[0]
		var includes []string
		for _, agg := range group[1:] {
			if agg.Count < minIncludeCount {
				continue
			}
			includes = append(includes, agg.Field)
		}
		if len(includes) == 0 {
			continue
		}
		opportunities = append(opportunities, CoveringOpportunity{
			Tenant:      k.tenant,
			Table:       k.table,
			Key:         []string{key.Field},
			IncludeCols: includes,
		})
	}
	return opportunities
}
