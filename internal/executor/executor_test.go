package executor

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/decision"
	"github.com/indexwarden/indexwarden/internal/lineage"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/planner"
	"github.com/indexwarden/indexwarden/internal/resilience"
	"github.com/indexwarden/indexwarden/internal/safety"
)

func TestBuildCreateDDLPlainBTree(t *testing.T) {
	c := decision.IndexCandidate{Table: "orders", Columns: []string{"customer_id"}, Kind: decision.KindBTree}
	ddl := buildCreateDDL("idx_orders_customer_id", c)
	assert.Equal(t, `CREATE INDEX CONCURRENTLY IF NOT EXISTS "idx_orders_customer_id" ON "orders" USING btree ("customer_id")`, ddl)
}

func TestBuildCreateDDLIncludesPredicateAndIncludeCols(t *testing.T) {
	c := decision.IndexCandidate{
		Table: "orders", Columns: []string{"status"}, Kind: decision.KindGIN,
		IncludeCols: []string{"total_cents"}, Predicate: "status = 'pending'",
	}
	ddl := buildCreateDDL("idx_orders_status", c)
	assert.Contains(t, ddl, `USING gin ("status")`)
	assert.Contains(t, ddl, `INCLUDE ("total_cents")`)
	assert.Contains(t, ddl, `WHERE status = 'pending'`)
}

func TestIndexNameIncludesTenantWhenPresent(t *testing.T) {
	withTenant := decision.IndexCandidate{Tenant: "acme", Table: "orders", Columns: []string{"customer_id"}}
	withoutTenant := decision.IndexCandidate{Table: "orders", Columns: []string{"customer_id"}}
	assert.Equal(t, "idx_acme_orders_customer_id", indexName(withTenant))
	assert.Equal(t, "idx_orders_customer_id", indexName(withoutTenant))
}

func TestClampBoundsToRange(t *testing.T) {
	assert.Equal(t, 1.0, clamp(5, -1, 1))
	assert.Equal(t, -1.0, clamp(-5, -1, 1))
	assert.Equal(t, 0.25, clamp(0.25, -1, 1))
}

func TestSummaryMapCarriesPlanFields(t *testing.T) {
	p := planner.PlanSummary{EstimatedCost: 12.5, EstimatedRows: 100, SeqScanTables: []string{"orders"}, ChosenIndexes: []string{"idx_x"}}
	m := summaryMap(p)
	assert.Equal(t, 12.5, m["estimated_cost"])
	assert.Equal(t, []string{"orders"}, m["seq_scan_tables"])
}

func TestRationaleMapCarriesCandidateFeatures(t *testing.T) {
	d := decision.Decision{
		Candidate: decision.IndexCandidate{Selectivity: 0.9, WriteRatio: 0.1, Sustained: true},
		Rationale: decision.Rationale{Workload: decision.WorkloadReadHeavy, HeuristicScore: 0.8},
	}
	m := rationaleMap(d)
	assert.Equal(t, 0.9, m["selectivity"])
	assert.Equal(t, "read-heavy", m["workload"])
	assert.Equal(t, true, m["sustained"])
}

func newTestExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	store := NewStore(gw)
	lg := lineage.New(gw)
	lockAdv := safety.NewLockAdvisor("", 0)
	breakers := safety.NewCircuitBreakerGate(func(string) resilience.CircuitBreakerConfig { return resilience.CircuitBreakerConfig{} }, nil)
	writeLat := safety.NewWriteLatencyMonitor(1000, 50)
	log := logging.New(logging.Config{Level: "error"})
	mx := metrics.New()
	exec := New(gw, store, nil, lg, log, mx, lockAdv, breakers, writeLat, nil,
		config.SafetyConfig{MaxConcurrentDDL: 1}, config.DecisionConfig{MinImprovementPct: 0.05}, config.LifecycleConfig{}, true)
	return exec, mock
}

func expectLineageRecordMutation(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO scope_sequence").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM scope_sequence").WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(1)))
	mock.ExpectExec("UPDATE scope_sequence SET next_seq").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mutation_event").WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestExecutorRollbackDropsIndexAndTransitionsRecord(t *testing.T) {
	exec, mock := newTestExecutor(t)
	mock.ExpectExec("DROP INDEX CONCURRENTLY").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE index_record SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	expectLineageRecordMutation(mock)

	rec := IndexRecord{ID: 7, ScopeTenant: "acme", ScopeTable: "orders", Name: "idx_acme_orders_customer_id", Status: StatusActive}
	err := exec.Rollback(context.Background(), rec)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
