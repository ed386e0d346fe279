// Package decision is the decision engine (C6): it combines heuristic,
// ML-utility, classifier, and constraint layers under workload-aware
// threshold modulation, honoring an early-exit precedence chain before
// running any layer.
package decision

import (
	"context"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/lineage"
)

// SkipCheck implements one early-exit precedence step. It returns a
// non-empty reason when the candidate should be skipped before the
// layers run.
type SkipCheck struct {
	Name string
	Check func(ctx context.Context, c IndexCandidate) string
}

// Engine is the C6 component.
type Engine struct {
	layers     []Layer
	skipChecks []SkipCheck
	weights    map[string]float64
	cfg        config.DecisionConfig
	lineage    *lineage.Store
}

// New builds an Engine with the standard layer set (heuristic, utility,
// classifier, constraint) and the given early-exit checks, run in the
// order supplied.
func New(cfg config.DecisionConfig, constraints *ConstraintLayer, skipChecks []SkipCheck, lg *lineage.Store) *Engine {
	return &Engine{
		layers: []Layer{
			HeuristicLayer{},
			NewUtilityLayer(),
			NewClassifierLayer(),
			constraints,
		},
		skipChecks: skipChecks,
		weights: map[string]float64{
			"heuristic":  cfg.WeightHeuristic,
			"utility":    cfg.WeightUtility,
			"classifier": cfg.WeightClassifier,
			"constraint": cfg.WeightConstraint,
		},
		cfg:     cfg,
		lineage: lg,
	}
}

// Utility exposes the engine's trainable utility layer for C9's
// ml-retrain task.
func (e *Engine) Utility() *UtilityLayer {
	for _, l := range e.layers {
		if u, ok := l.(*UtilityLayer); ok {
			return u
		}
	}
	return nil
}

// Constraints exposes the engine's constraint layer so the lifecycle
// ConstraintRefreshJob can refresh its view of current catalog state;
// Evaluate does not refresh it.
func (e *Engine) Constraints() *ConstraintLayer {
	for _, l := range e.layers {
		if cl, ok := l.(*ConstraintLayer); ok {
			return cl
		}
	}
	return nil
}

// Evaluate runs the early-exit chain, then (if not skipped) every layer,
// combining their contributions under workload modulation, and returns
// the Decision. Every skip and veto is recorded to lineage both as an
// AlgorithmUsage entry and a rejected MutationEvent, so a scope's
// timeline shows why a candidate never reached the executor.
func (e *Engine) Evaluate(ctx context.Context, f Features) Decision {
	c := f.Candidate

	for _, check := range e.skipChecks {
		if reason := check.Check(ctx, c); reason != "" {
			e.recordSkip(ctx, c, check.Name, reason)
			e.recordRejection(ctx, c, reason, Rationale{Spike: c.Spike})
			return Decision{Candidate: c, Approved: false, Reason: reason}
		}
	}

	workload := classifyWorkload(c.WriteRatio)
	required, confidenceAdj := modulateThresholds(workload, e.cfg)
	if e.cfg.TestMode {
		required *= (1 - e.cfg.TestModeReduction)
	}
	if f.SmallWorkload {
		required *= e.cfg.SmallWorkloadReduction
	}

	rationale := Rationale{Workload: workload, RequiredBenefit: required, Spike: c.Spike}

	var weighted float64
	var totalWeight float64
	for _, layer := range e.layers {
		contrib := layer.Score(f)
		if contrib.Veto {
			rationale.ConstraintVetoed = true
			rationale.ConstraintReason = contrib.Reason
			e.recordAlgorithmUsage(ctx, c, layer.Name(), contrib)
			e.recordRejection(ctx, c, contrib.Reason, rationale)
			return Decision{Candidate: c, Approved: false, Reason: contrib.Reason, Rationale: rationale}
		}

		switch layer.Name() {
		case "heuristic":
			rationale.HeuristicScore = contrib.Score
		case "utility":
			rationale.UtilityPrediction = contrib.Score
		case "classifier":
			rationale.ClassifierProb = contrib.Score
		case "constraint":
			rationale.ConstraintScore = contrib.Score
		}

		w := e.weights[layer.Name()]
		weighted += contrib.Score * w
		totalWeight += w
		rationale.Confidence += contrib.Confidence * w
		e.recordAlgorithmUsage(ctx, c, layer.Name(), contrib)
	}
	if totalWeight > 0 {
		weighted /= totalWeight
		rationale.Confidence /= totalWeight
	}
	rationale.Confidence *= 1 + confidenceAdj

	approved := weighted >= required
	reason := ""
	if !approved {
		reason = "combined score below required benefit threshold"
	}
	return Decision{Candidate: c, Approved: approved, Reason: reason, Rationale: rationale}
}

// classifyWorkload buckets a write ratio into read-heavy/write-heavy/
// balanced.
func classifyWorkload(writeRatio float64) WorkloadClass {
	switch {
	case writeRatio <= 0.2:
		return WorkloadReadHeavy
	case writeRatio >= 0.6:
		return WorkloadWriteHeavy
	default:
		return WorkloadBalanced
	}
}

// modulateThresholds scales the required-benefit bar by workload: 0.8x
// for read-heavy (lower bar, +15% confidence), 1.3x for write-heavy
// (higher bar, -10% confidence); balanced leaves the bar at 1.0x.
func modulateThresholds(workload WorkloadClass, cfg config.DecisionConfig) (required float64, confidenceAdj float64) {
	base := cfg.MinImprovementPct
	switch workload {
	case WorkloadReadHeavy:
		return base * 0.8, 0.15
	case WorkloadWriteHeavy:
		return base * 1.3, -0.10
	default:
		return base, 0
	}
}

func (e *Engine) recordSkip(ctx context.Context, c IndexCandidate, check, reason string) {
	if e.lineage == nil {
		return
	}
	_ = e.lineage.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
		Algorithm: "skip:" + check,
		Scope:     c.Scope(),
		Output:    map[string]any{"reason": reason},
	})
}

// recordRejection appends a "rejected" MutationEvent for a candidate the
// engine declined before (or instead of) handing it to the executor, so
// the timeline carries every verdict on a scope, not just the ones that
// led to a mutation.
func (e *Engine) recordRejection(ctx context.Context, c IndexCandidate, reason string, r Rationale) {
	if e.lineage == nil {
		return
	}
	_ = e.lineage.RecordMutation(ctx, lineage.MutationEvent{
		Scope: c.Scope(), Actor: "engine", Kind: "rejected", Status: "rejected",
		Explanation: reason,
		Rationale: map[string]any{
			"spike":             r.Spike,
			"constraint_vetoed": r.ConstraintVetoed,
			"workload":          string(r.Workload),
		},
	})
}

func (e *Engine) recordAlgorithmUsage(ctx context.Context, c IndexCandidate, layer string, contrib Contribution) {
	if e.lineage == nil {
		return
	}
	_ = e.lineage.RecordAlgorithmUsage(ctx, lineage.AlgorithmUsageEntry{
		Algorithm: layer,
		Scope:     c.Scope(),
		Output:    map[string]any{"score": contrib.Score, "confidence": contrib.Confidence, "veto": contrib.Veto},
	})
}
