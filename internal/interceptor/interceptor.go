// Package interceptor is the query interceptor (C10): an optional,
// disabled-by-default pre-execution check that looks up a query's
// Fingerprint in a learned allow/block list, falls back to a
// planFast-derived risk score, and — when configured to block — rejects
// with a *idxerrors.QueryBlockedError before the query reaches the
// database. Its LRU-with-TTL lists are grounded on
// hashicorp/golang-lru/v2's expirable variant, already present in the
// pack's indirect dependency graph (erigon, r3e) and promoted here to a
// direct one with a real call site (see DESIGN.md).
package interceptor

import (
	"context"
	"math"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/indexwarden/indexwarden/internal/config"
	idxerrors "github.com/indexwarden/indexwarden/internal/errors"
	"github.com/indexwarden/indexwarden/internal/fingerprint"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/planner"
)

// Verdict is the interceptor's decision for one query.
type Verdict struct {
	Fingerprint string
	Admit       bool
	Reason      string // "interceptor disabled" | "allow-listed" | "block-listed: <reason>" | "plan unavailable, fail open" | "risk-score"
	RiskScore   float64
}

// Interceptor is the C10 component.
type Interceptor struct {
	pl  *planner.Planner
	mx  *metrics.Metrics
	cfg config.InterceptorConfig

	allowList *lru.LRU[string, struct{}]
	blockList *lru.LRU[string, string] // fingerprint -> reason

	scorer *riskScorer
}

// New builds an Interceptor per cfg, bound to the shared plan
// introspector (C4) so planFast results are reused rather than
// duplicated.
func New(pl *planner.Planner, mx *metrics.Metrics, cfg config.InterceptorConfig) *Interceptor {
	return &Interceptor{
		pl:        pl,
		mx:        mx,
		cfg:       cfg,
		allowList: lru.NewLRU[string, struct{}](cfg.AllowListSize, nil, cfg.EntryTTL),
		blockList: lru.NewLRU[string, string](cfg.BlockListSize, nil, cfg.EntryTTL),
		scorer:    newRiskScorer(cfg.MLScorerEnabled),
	}
}

// Intercept checks a query's fingerprint against the allow-list, then
// the block-list, then falls back to a planFast-derived risk score.
// When the interceptor is disabled entirely, it always admits without
// touching the plan cache or lists.
func (i *Interceptor) Intercept(ctx context.Context, sqlText string) (Verdict, error) {
	if !i.cfg.Enabled {
		return Verdict{Admit: true, Reason: "interceptor disabled"}, nil
	}

	fp := fingerprint.Compute(sqlText)

	if _, ok := i.allowList.Get(fp); ok {
		i.record("admit")
		return Verdict{Fingerprint: fp, Admit: true, Reason: "allow-listed"}, nil
	}

	if reason, ok := i.blockList.Get(fp); ok {
		verdict := Verdict{Fingerprint: fp, Admit: !i.cfg.BlockOnMatch, Reason: "block-listed: " + reason}
		i.recordBlockVerdict(verdict)
		return verdict, i.maybeErr(verdict)
	}

	summary, err := i.pl.PlanFast(ctx, sqlText, fp)
	if err != nil {
		// Plan unavailable: fail open. A query is never blocked on a
		// planner outage alone.
		i.record("admit")
		return Verdict{Fingerprint: fp, Admit: true, Reason: "plan unavailable, fail open"}, nil
	}

	risk := riskFeatures(sqlText, summary).score(i.cfg.CostCeiling)
	if i.scorer.enabled {
		risk = i.scorer.combine(risk, riskFeatures(sqlText, summary))
	}

	verdict := Verdict{Fingerprint: fp, RiskScore: risk, Reason: "risk-score"}
	verdict.Admit = risk < i.cfg.RiskThreshold || !i.cfg.BlockOnMatch
	i.recordBlockVerdict(verdict)
	return verdict, i.maybeErr(verdict)
}

func (i *Interceptor) maybeErr(v Verdict) error {
	if v.Admit {
		return nil
	}
	return &idxerrors.QueryBlockedError{Fingerprint: v.Fingerprint, Reason: v.Reason}
}

func (i *Interceptor) recordBlockVerdict(v Verdict) {
	if v.Admit {
		i.record("admit")
	} else {
		i.record("block")
	}
}

func (i *Interceptor) record(outcome string) {
	if i.mx != nil {
		i.mx.InterceptorDecisions.WithLabelValues(outcome).Inc()
	}
}

// Feedback reinforces the learned lists from an executed query's actual
// outcome: slow outcomes reinforce the block-list, fast ones the
// allow-list.
func (i *Interceptor) Feedback(sqlText string, slow bool, reason string) {
	fp := fingerprint.Compute(sqlText)
	if slow {
		i.blockList.Add(fp, reason)
		i.allowList.Remove(fp)
		return
	}
	i.allowList.Add(fp, struct{}{})
	i.blockList.Remove(fp)
}

// riskFeaturesT is the engineered feature set the risk score is built from.
type riskFeaturesT struct {
	totalCost          float64
	seqScanLargeTable  bool
	missingWhere       bool
	cartesianJoin      bool
	unboundedLike      bool
	subqueryJoinDepth  int
	hasLimit           bool
}

var (
	likeUnboundedRE = regexp.MustCompile(`(?i)like\s+'%[^']*%'`)
	subqueryRE      = regexp.MustCompile(`(?i)\bselect\b`)
	joinRE          = regexp.MustCompile(`(?i)\bjoin\b`)
)

const largeTableCostThreshold = 10000.0

func riskFeatures(sqlText string, summary planner.PlanSummary) riskFeaturesT {
	lower := strings.ToLower(sqlText)
	f := riskFeaturesT{
		totalCost:         summary.EstimatedCost,
		seqScanLargeTable: len(summary.SeqScanTables) > 0 && summary.EstimatedCost > largeTableCostThreshold,
		missingWhere:      !strings.Contains(lower, " where ") && len(summary.SeqScanTables) > 0,
		unboundedLike:     likeUnboundedRE.MatchString(sqlText),
		hasLimit:          strings.Contains(lower, " limit "),
	}
	selects := len(subqueryRE.FindAllStringIndex(lower, -1))
	if selects > 0 {
		f.subqueryJoinDepth = selects - 1
	}
	joins := len(joinRE.FindAllStringIndex(lower, -1))
	f.cartesianJoin = joins > 0 && !strings.Contains(lower, " on ") && !strings.Contains(lower, " using ")
	return f
}

// score combines the raw features into [0,1] via a simple weighted sum;
// this is the non-ML baseline (the optional ML scorer, when enabled,
// adjusts this further).
func (f riskFeaturesT) score(costCeiling float64) float64 {
	var s float64
	if costCeiling > 0 {
		s += 0.35 * clamp01(f.totalCost/costCeiling)
	}
	if f.seqScanLargeTable {
		s += 0.2
	}
	if f.missingWhere {
		s += 0.15
	}
	if f.cartesianJoin {
		s += 0.2
	}
	if f.unboundedLike {
		s += 0.15
	}
	if f.subqueryJoinDepth > 1 {
		s += 0.1
	}
	if !f.hasLimit {
		s += 0.05
	}
	return clamp01(s)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// riskScorer is the optional ML combiner layered on top of the baseline
// heuristic score. It recenters the baseline score through a logistic
// curve with a fixed bias; the feature set passed to combine is not read.
// It stays stdlib-only, consistent with
// internal/decision's stdlib-only classifier (see DESIGN.md: no ML
// runtime in the pack).
type riskScorer struct {
	enabled bool
	bias    float64
}

func newRiskScorer(enabled bool) *riskScorer {
	return &riskScorer{enabled: enabled, bias: -0.1}
}

func (r *riskScorer) combine(baseline float64, f riskFeaturesT) float64 {
	z := 2*baseline - 1 + r.bias // recenter around the heuristic score
	prob := 1 / (1 + math.Exp(-z))
	return clamp01(prob)
}
