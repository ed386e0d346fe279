// Package planner is the plan introspector (C4): it issues EXPLAIN
// (FORMAT JSON) and EXPLAIN (ANALYZE, FORMAT JSON) and distills the
// result into a PlanSummary using gjson path extraction, since the plan
// tree's shape varies by node type and a full struct unmarshal would
// need a variant per node (grounded on the pack's use of tidwall/gjson
// for heterogeneous JSON, e.g. services/datafeed/marble/core.go).
package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	idxerrors "github.com/indexwarden/indexwarden/internal/errors"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

// PlanSummary is a structured distillation of an execution plan.
type PlanSummary struct {
	EstimatedCost float64
	EstimatedRows float64
	SeqScanTables []string // tables where a sequential scan node was found
	ChosenIndexes []string
	TopCostNodes  []string
	Raw           string
}

type cacheEntry struct {
	summary PlanSummary
	expires time.Time
}

// Planner is the C4 component.
type Planner struct {
	gw    *dbgateway.Gateway
	retry resilience.RetryConfig
	mx    *metrics.Metrics

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	cacheCap int
	ttl      time.Duration
}

// New builds a Planner per cfg.
func New(gw *dbgateway.Gateway, mx *metrics.Metrics, cfg config.PlannerConfig) *Planner {
	return &Planner{
		gw:       gw,
		mx:       mx,
		retry:    resilience.RetryConfig{MaxAttempts: cfg.RetryAttempts, InitialInterval: cfg.RetryBackoff, MaxInterval: 2 * time.Second, Multiplier: 2},
		cache:    make(map[string]cacheEntry, cfg.CacheSize),
		cacheCap: cfg.CacheSize,
		ttl:      cfg.CacheTTL,
	}
}

// PlanFast issues a non-executing EXPLAIN (FORMAT JSON), suitable for
// candidate screening. Results are cached by fingerprint.
func (p *Planner) PlanFast(ctx context.Context, sqlText string, fingerprint string) (PlanSummary, error) {
	if fingerprint != "" {
		if s, ok := p.lookup(fingerprint); ok {
			p.mx.PlanCacheHits.Inc()
			return s, nil
		}
	}
	p.mx.PlanCacheMisses.Inc()

	var raw string
	err := resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		row := struct {
			Plan string `db:"plan"`
		}{}
		if err := p.gw.Get(ctx, &row, fmt.Sprintf("EXPLAIN (FORMAT JSON) %s", sqlText)); err != nil {
			return err
		}
		raw = row.Plan
		return nil
	})
	if err != nil {
		return PlanSummary{}, &idxerrors.PlanUnavailable{Reason: err.Error()}
	}

	summary, err := parsePlanJSON(raw)
	if err != nil {
		return PlanSummary{}, &idxerrors.PlanUnavailable{Reason: err.Error()}
	}
	if fingerprint != "" {
		p.store(fingerprint, summary)
	}
	return summary, nil
}

// PlanAnalyze issues EXPLAIN (ANALYZE, FORMAT JSON, TIMING OFF), which
// executes the query — used for before/after validation. Never cached:
// actual execution statistics vary run to run.
func (p *Planner) PlanAnalyze(ctx context.Context, sqlText string) (PlanSummary, error) {
	var raw string
	err := resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		row := struct {
			Plan string `db:"plan"`
		}{}
		if err := p.gw.Get(ctx, &row, fmt.Sprintf("EXPLAIN (ANALYZE, FORMAT JSON, TIMING OFF) %s", sqlText)); err != nil {
			return err
		}
		raw = row.Plan
		return nil
	})
	if err != nil {
		return PlanSummary{}, &idxerrors.PlanUnavailable{Reason: err.Error()}
	}
	return parsePlanJSON(raw)
}

// parsePlanJSON extracts the fields the decision/executor layers need
// via gjson path queries rather than unmarshaling the full plan tree.
func parsePlanJSON(raw string) (PlanSummary, error) {
	if !gjson.Valid(raw) {
		return PlanSummary{}, fmt.Errorf("invalid plan json")
	}
	root := gjson.Parse(raw)
	planArr := root.Array()
	if len(planArr) == 0 {
		return PlanSummary{}, fmt.Errorf("empty plan tree")
	}
	top := planArr[0].Get("Plan")
	if !top.Exists() {
		return PlanSummary{}, fmt.Errorf("missing top-level Plan node")
	}

	summary := PlanSummary{
		EstimatedCost: top.Get("Total Cost").Float(),
		EstimatedRows: top.Get("Plan Rows").Float(),
		Raw:           raw,
	}

	walkPlanNodes(top, &summary)
	return summary, nil
}

func walkPlanNodes(node gjson.Result, summary *PlanSummary) {
	nodeType := node.Get("Node Type").String()
	relation := node.Get("Relation Name").String()
	indexName := node.Get("Index Name").String()

	switch nodeType {
	case "Seq Scan":
		if relation != "" {
			summary.SeqScanTables = append(summary.SeqScanTables, relation)
		}
	case "Index Scan", "Index Only Scan", "Bitmap Index Scan":
		if indexName != "" {
			summary.ChosenIndexes = append(summary.ChosenIndexes, indexName)
		}
	}

	cost := node.Get("Total Cost").Float()
	if cost > 0 {
		summary.TopCostNodes = append(summary.TopCostNodes, fmt.Sprintf("%s:%.2f", nodeType, cost))
	}

	for _, child := range node.Get("Plans").Array() {
		walkPlanNodes(child, summary)
	}
}

func (p *Planner) lookup(fingerprint string) (PlanSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.cache[fingerprint]
	if !ok || time.Now().After(entry.expires) {
		return PlanSummary{}, false
	}
	return entry.summary, true
}

func (p *Planner) store(fingerprint string, summary PlanSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache) >= p.cacheCap {
		p.evictOldestLocked()
	}
	p.cache[fingerprint] = cacheEntry{summary: summary, expires: time.Now().Add(p.ttl)}
}

// evictOldestLocked removes one expired-or-oldest entry; called with mu
// held. The cache is small (default 100) so a linear scan is cheap.
func (p *Planner) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, v := range p.cache {
		if time.Now().After(v.expires) {
			delete(p.cache, k)
			return
		}
		if first || v.expires.Before(oldestTime) {
			oldestKey, oldestTime, first = k, v.expires, false
		}
	}
	if oldestKey != "" {
		delete(p.cache, oldestKey)
	}
}
