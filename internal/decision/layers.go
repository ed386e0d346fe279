// Layers implement a capability-set strategy pattern: each scoring
// algorithm is a value-typed strategy over a small capability set
// {name, predict, optionally train}, avoiding a deep polymorphism
// hierarchy across algorithm classes.
package decision

import (
	"math"
	"sync"
)

// Contribution is one layer's scored opinion on a candidate.
type Contribution struct {
	Score      float64 // in [0,1]; HeuristicLayer squashes its net benefit through a sigmoid
	Confidence float64
	Veto       bool
	Reason     string
}

// Layer is the small capability set every algorithm implements.
type Layer interface {
	Name() string
	Score(f Features) Contribution
}

// Trainable is implemented by layers that can be fit on lineage history.
type Trainable interface {
	Train(history []TrainingExample)
}

// Features is the engineered feature vector passed to every layer:
// query shape, field selectivity, write ratio, table size, and pattern
// sustainment.
type Features struct {
	Candidate        IndexCandidate
	CostFactorSeqScan float64
	CostFactorIndex   float64
	WriteOverheadFactor float64
	BuildCostPerRow   float64
	HorizonQueries    float64
	SmallWorkload     bool // small-workload fast-path
}

// TrainingExample is one historical MutationEvent reduced to the
// features/outcome pair the Utility and Classifier layers train on.
type TrainingExample struct {
	Features    Features
	Improvement float64 // observed, in [-1,1]
	Kept        bool    // true unless later rolled back
}

// HeuristicLayer is a straightforward cost/benefit arithmetic model.
type HeuristicLayer struct{}

func (HeuristicLayer) Name() string { return "heuristic" }

func (HeuristicLayer) Score(f Features) Contribution {
	c := f.Candidate
	benefitPerQuery := c.EstimatedRowsWithoutIndex * (f.CostFactorSeqScan - f.CostFactorIndex) * c.Selectivity
	totalBenefit := benefitPerQuery * f.HorizonQueries
	maintenanceCost := c.WriteFrequency * f.WriteOverheadFactor
	buildCost := tableSizeRows(c.TableSizeBucket) * f.BuildCostPerRow

	net := totalBenefit - buildCost - maintenanceCost
	// Normalize to [0,1] via a saturating curve so it composes with the
	// other layers' probability-like outputs.
	score := sigmoid(net / (buildCost + maintenanceCost + 1))
	return Contribution{Score: score, Confidence: 0.6}
}

func tableSizeRows(b SizeBucket) float64 {
	switch b {
	case SizeSmall:
		return 10000
	case SizeMedium:
		return 1000000
	default:
		return 50000000
	}
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// UtilityLayer is a regression-style predictor trained on past
// MutationEvents. Coefficients are a simple linear model over four
// engineered inputs; Train refits them from history via gradient
// descent on a tiny closed-form (no external ML runtime — see
// DESIGN.md for why stdlib math suffices here).
type UtilityLayer struct {
	weights [4]float64 // selectivity, writeRatio, sustained, spike
	bias    float64
}

// NewUtilityLayer returns a layer with sensible persisted-coefficient
// defaults, to be refined by Train once lineage history accumulates.
func NewUtilityLayer() *UtilityLayer {
	return &UtilityLayer{weights: [4]float64{0.6, -0.3, 0.2, -0.4}, bias: 0.3}
}

func (l *UtilityLayer) Name() string { return "utility" }

func (l *UtilityLayer) Score(f Features) Contribution {
	c := f.Candidate
	sustained := 0.0
	if c.Sustained {
		sustained = 1
	}
	spike := 0.0
	if c.Spike {
		spike = 1
	}
	x := [4]float64{c.Selectivity, c.WriteRatio, sustained, spike}
	var z float64
	for i, w := range l.weights {
		z += w * x[i]
	}
	z += l.bias
	return Contribution{Score: clamp01(sigmoid(z)), Confidence: 0.5}
}

// Train refits weights with a small fixed-step gradient descent over the
// provided history — deliberately simple, since the engine's own scope
// is "a regression-style model", not a general ML library.
func (l *UtilityLayer) Train(history []TrainingExample) {
	if len(history) == 0 {
		return
	}
	const lr = 0.01
	for epoch := 0; epoch < 50; epoch++ {
		var gradW [4]float64
		var gradB float64
		for _, ex := range history {
			c := ex.Features.Candidate
			sustained := 0.0
			if c.Sustained {
				sustained = 1
			}
			spike := 0.0
			if c.Spike {
				spike = 1
			}
			x := [4]float64{c.Selectivity, c.WriteRatio, sustained, spike}
			var z float64
			for i, w := range l.weights {
				z += w * x[i]
			}
			z += l.bias
			pred := sigmoid(z)
			err := pred - clamp01((ex.Improvement+1)/2)
			for i := range gradW {
				gradW[i] += err * x[i]
			}
			gradB += err
		}
		n := float64(len(history))
		for i := range l.weights {
			l.weights[i] -= lr * gradW[i] / n
		}
		l.bias -= lr * gradB / n
	}
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

// decisionStump is one weak learner in the ClassifierLayer's ensemble: a
// threshold on a single engineered feature.
type decisionStump struct {
	feature   func(Features) float64
	threshold float64
	weight    float64
	positive  bool // true => feature > threshold votes "kept"
}

// ClassifierLayer is a small ensemble of weighted decision stumps over
// engineered features, standing in for a gradient-boosted classifier
// without pulling in a heavyweight ML runtime — see DESIGN.md for the
// stdlib-only justification. It keeps the engine dependency-free:
// narrow, inspectable, and good enough for the probability estimate it
// is asked to produce.
type ClassifierLayer struct {
	stumps []decisionStump
}

// NewClassifierLayer returns an ensemble seeded with stumps over four
// features: query shape (via sustained proxy), selectivity, write
// ratio, table size.
func NewClassifierLayer() *ClassifierLayer {
	return &ClassifierLayer{
		stumps: []decisionStump{
			{feature: func(f Features) float64 { return f.Candidate.Selectivity }, threshold: 0.7, weight: 0.35, positive: true},
			{feature: func(f Features) float64 { return f.Candidate.WriteRatio }, threshold: 0.5, weight: 0.25, positive: false},
			{feature: func(f Features) float64 {
				if f.Candidate.Sustained {
					return 1
				}
				return 0
			}, threshold: 0.5, weight: 0.25, positive: true},
			{feature: func(f Features) float64 { return tableSizeRows(f.Candidate.TableSizeBucket) }, threshold: 1000000, weight: 0.15, positive: false},
		},
	}
}

func (l *ClassifierLayer) Name() string { return "classifier" }

func (l *ClassifierLayer) Score(f Features) Contribution {
	var score, totalWeight float64
	for _, s := range l.stumps {
		v := s.feature(f)
		vote := v > s.threshold
		if vote == s.positive {
			score += s.weight
		}
		totalWeight += s.weight
	}
	if totalWeight == 0 {
		return Contribution{Score: 0.5, Confidence: 0.3}
	}
	return Contribution{Score: score / totalWeight, Confidence: 0.55}
}

// ConstraintLimits mirrors the hard caps the decision engine enforces.
type ConstraintLimits struct {
	MaxStoragePerTenantMB int
	MaxIndexesPerTable    int
	MaxWriteOverheadPct   float64
	MinImprovementFloor   float64
}

// ConstraintLayer is the multi-objective hard-veto check: storage cap,
// per-table index cap, write-overhead cap. Per the design decision
// recorded in DESIGN.md, its veto dominates every other layer's opinion.
type ConstraintLayer struct {
	limits ConstraintLimits

	mu                sync.RWMutex
	currentIndexCount map[string]int // scope -> count
	currentStorageMB  map[string]int // tenant -> MB
}

// NewConstraintLayer builds a layer over the given limits and current
// catalog state. The engine itself never refreshes it; the lifecycle
// ConstraintRefreshJob calls Refresh on each light tick and once when the
// supervisor starts.
func NewConstraintLayer(limits ConstraintLimits, indexCount map[string]int, storageMB map[string]int) *ConstraintLayer {
	return &ConstraintLayer{limits: limits, currentIndexCount: indexCount, currentStorageMB: storageMB}
}

func (l *ConstraintLayer) Name() string { return "constraint" }

// Refresh replaces the layer's view of current per-table index counts
// and per-tenant storage usage, so Score vetoes against the catalog
// snapshot taken by the most recent ConstraintRefreshJob run rather than
// the state at process start.
func (l *ConstraintLayer) Refresh(indexCount map[string]int, storageMB map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.currentIndexCount = indexCount
	l.currentStorageMB = storageMB
}

func (l *ConstraintLayer) Score(f Features) Contribution {
	c := f.Candidate
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.limits.MaxIndexesPerTable > 0 && l.currentIndexCount[c.Scope()] >= l.limits.MaxIndexesPerTable {
		return Contribution{Veto: true, Reason: "per-table index count cap reached"}
	}
	if l.limits.MaxStoragePerTenantMB > 0 && l.currentStorageMB[c.Tenant] >= l.limits.MaxStoragePerTenantMB {
		return Contribution{Veto: true, Reason: "per-tenant storage budget exceeded"}
	}
	if l.limits.MaxWriteOverheadPct > 0 && c.WriteFrequency > 0 {
		overheadPct := writeOverheadEstimate(c)
		if overheadPct > l.limits.MaxWriteOverheadPct {
			return Contribution{Veto: true, Reason: "predicted write overhead exceeds cap"}
		}
	}
	return Contribution{Score: 0.7, Confidence: 0.8}
}

func writeOverheadEstimate(c IndexCandidate) float64 {
	base := 0.02
	switch c.Kind {
	case KindGIN:
		base = 0.08
	case KindCovering:
		base = 0.05
	case KindHash:
		base = 0.015
	}
	return base * (1 + c.WriteRatio)
}
