package decision

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/analyzer"
	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/lineage"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func TestHeuristicLayerScoresHighBenefitHigher(t *testing.T) {
	low := Features{
		Candidate:         IndexCandidate{Selectivity: 0.1, EstimatedRowsWithoutIndex: 1000, TableSizeBucket: SizeLarge},
		CostFactorSeqScan: 1.0, CostFactorIndex: 0.02, BuildCostPerRow: 0.001, HorizonQueries: 1000,
	}
	high := Features{
		Candidate:         IndexCandidate{Selectivity: 0.95, EstimatedRowsWithoutIndex: 1_000_000, TableSizeBucket: SizeSmall},
		CostFactorSeqScan: 1.0, CostFactorIndex: 0.02, BuildCostPerRow: 0.001, HorizonQueries: 1000,
	}
	var h HeuristicLayer
	lowScore := h.Score(low).Score
	highScore := h.Score(high).Score
	assert.Greater(t, highScore, lowScore)
}

func TestClassifierLayerVotesOnSelectivity(t *testing.T) {
	l := NewClassifierLayer()
	selective := Features{Candidate: IndexCandidate{Selectivity: 0.9, WriteRatio: 0.1, Sustained: true, TableSizeBucket: SizeSmall}}
	unselective := Features{Candidate: IndexCandidate{Selectivity: 0.1, WriteRatio: 0.9, Sustained: false, TableSizeBucket: SizeLarge}}
	assert.Greater(t, l.Score(selective).Score, l.Score(unselective).Score)
}

func TestConstraintLayerVetoesOverCap(t *testing.T) {
	limits := ConstraintLimits{MaxIndexesPerTable: 2, MaxStoragePerTenantMB: 1000, MaxWriteOverheadPct: 0.5}
	l := NewConstraintLayer(limits, map[string]int{"acme:orders": 2}, map[string]int{"acme": 10})

	contrib := l.Score(Features{Candidate: IndexCandidate{Tenant: "acme", Table: "orders"}})
	assert.True(t, contrib.Veto)
	assert.Contains(t, contrib.Reason, "index count")
}

func TestConstraintLayerRefreshIsThreadSafe(t *testing.T) {
	l := NewConstraintLayer(ConstraintLimits{MaxIndexesPerTable: 5}, map[string]int{}, map[string]int{})
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Refresh(map[string]int{"acme:orders": i}, map[string]int{"acme": i})
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		l.Score(Features{Candidate: IndexCandidate{Tenant: "acme", Table: "orders"}})
	}
	<-done
}

func TestConstraintLayerAllowsUnderCap(t *testing.T) {
	limits := ConstraintLimits{MaxIndexesPerTable: 5, MaxStoragePerTenantMB: 1000}
	l := NewConstraintLayer(limits, map[string]int{"acme:orders": 1}, map[string]int{"acme": 10})
	contrib := l.Score(Features{Candidate: IndexCandidate{Tenant: "acme", Table: "orders"}})
	assert.False(t, contrib.Veto)
}

func decisionTestConfig() config.DecisionConfig {
	return config.DecisionConfig{
		MinImprovementPct:     0.1,
		WeightHeuristic:       0.25,
		WeightUtility:         0.25,
		WeightClassifier:      0.25,
		WeightConstraint:      0.25,
		SmallWorkloadReduction: 0.5,
	}
}

func TestEngineEvaluateSkipsOnActiveEquivalent(t *testing.T) {
	constraints := NewConstraintLayer(ConstraintLimits{}, map[string]int{}, map[string]int{})
	skips := []SkipCheck{
		{Name: "active-equivalent-exists", Check: func(ctx context.Context, c IndexCandidate) string {
			if c.ActiveEquivalentExists {
				return "an equivalent active index already covers this scope"
			}
			return ""
		}},
	}
	e := New(decisionTestConfig(), constraints, skips, nil)

	d := e.Evaluate(context.Background(), Features{Candidate: IndexCandidate{ActiveEquivalentExists: true}})
	assert.False(t, d.Approved)
	assert.Contains(t, d.Reason, "equivalent active index")
}

func TestEngineEvaluateRecordsRejectedMutationOnSpikeSkip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	lg := lineage.New(gw)

	mock.ExpectExec("INSERT INTO scope_sequence").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM scope_sequence").WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE scope_sequence SET next_seq").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mutation_event").WithArgs(
		nil, "acme:orders", int64(1), "engine", "rejected", "rejected",
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "spike",
	).WillReturnResult(sqlmock.NewResult(1, 1))

	constraints := NewConstraintLayer(ConstraintLimits{}, map[string]int{}, map[string]int{})
	skips := []SkipCheck{
		{Name: "spike-only-pattern", Check: func(ctx context.Context, c IndexCandidate) string {
			if c.Spike && !c.Sustained {
				return "spike"
			}
			return ""
		}},
	}
	e := New(decisionTestConfig(), constraints, skips, lg)

	d := e.Evaluate(context.Background(), Features{Candidate: IndexCandidate{Tenant: "acme", Table: "orders", Spike: true, Sustained: false}})
	assert.False(t, d.Approved)
	assert.Equal(t, "spike", d.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineEvaluateApprovesStrongCandidate(t *testing.T) {
	constraints := NewConstraintLayer(ConstraintLimits{}, map[string]int{}, map[string]int{})
	e := New(decisionTestConfig(), constraints, nil, nil)

	c := IndexCandidate{
		Tenant: "acme", Table: "orders", Columns: []string{"customer_id"},
		Selectivity: 0.95, Sustained: true, WriteRatio: 0.05,
		TableSizeBucket: SizeLarge, EstimatedRowsWithoutIndex: 5_000_000, WriteFrequency: 1,
	}
	d := e.Evaluate(context.Background(), DefaultFeatures(c, false))
	require.NotNil(t, d)
	assert.True(t, d.Approved)
	assert.Equal(t, WorkloadReadHeavy, d.Rationale.Workload)
}

func TestEngineConstraintsAccessorFindsLayer(t *testing.T) {
	constraints := NewConstraintLayer(ConstraintLimits{MaxIndexesPerTable: 3}, map[string]int{}, map[string]int{})
	e := New(decisionTestConfig(), constraints, nil, nil)
	assert.Same(t, constraints, e.Constraints())
}

func TestEngineUtilityAccessorFindsLayer(t *testing.T) {
	constraints := NewConstraintLayer(ConstraintLimits{}, map[string]int{}, map[string]int{})
	e := New(decisionTestConfig(), constraints, nil, nil)
	require.NotNil(t, e.Utility())
}

func TestClassifyWorkload(t *testing.T) {
	assert.Equal(t, WorkloadReadHeavy, classifyWorkload(0.1))
	assert.Equal(t, WorkloadWriteHeavy, classifyWorkload(0.8))
	assert.Equal(t, WorkloadBalanced, classifyWorkload(0.4))
}

func TestBuildCandidatesSkipsTablesWithNoStats(t *testing.T) {
	aggs := []analyzer.FieldUsageAggregate{
		{Tenant: "acme", Table: "orders", Field: "customer_id", Shape: "equality", Count: 500},
		{Tenant: "acme", Table: "unknown_table", Field: "x", Shape: "equality", Count: 500},
	}
	stats := map[string]tableStatRow{
		"orders": {Table: "orders", Reads: 900, Writes: 100, SeqScans: 3, EstRows: 50_000, UptimeSecs: 3600},
	}
	always := func(tenant, table string, columns []string) bool { return false }
	sel := func(ctx context.Context, table, field string) (float64, error) { return 0.5, nil }

	candidates := BuildCandidates(context.Background(), aggs, nil, nil, stats, always, sel, "tenant_id")
	require.Len(t, candidates, 1)
	assert.Equal(t, "orders", candidates[0].Table)
	assert.Equal(t, []string{"tenant_id", "customer_id"}, candidates[0].Columns)
	assert.InDelta(t, 0.1, candidates[0].WriteRatio, 0.01)
	assert.True(t, candidates[0].PlanSeqScan)
}

func TestBuildCandidatesMarksActiveEquivalent(t *testing.T) {
	aggs := []analyzer.FieldUsageAggregate{{Tenant: "acme", Table: "orders", Field: "customer_id", Shape: "equality"}}
	stats := map[string]tableStatRow{"orders": {Table: "orders", Reads: 10, Writes: 1, UptimeSecs: 60}}
	yes := func(tenant, table string, columns []string) bool { return true }
	sel := func(ctx context.Context, table, field string) (float64, error) { return 0.5, nil }

	candidates := BuildCandidates(context.Background(), aggs, nil, nil, stats, yes, sel, "tenant_id")
	require.Len(t, candidates, 1)
	assert.True(t, candidates[0].ActiveEquivalentExists)
}

func TestKindForShape(t *testing.T) {
	assert.Equal(t, KindGIN, kindForShape("jsonb"))
	assert.Equal(t, KindPartial, kindForShape("predicate"))
	assert.Equal(t, KindExpression, kindForShape("expression"))
	assert.Equal(t, KindBTree, kindForShape("equality"))
}

func TestSizeBucket(t *testing.T) {
	assert.Equal(t, SizeSmall, sizeBucket(100))
	assert.Equal(t, SizeMedium, sizeBucket(100_000))
	assert.Equal(t, SizeLarge, sizeBucket(10_000_000))
}
