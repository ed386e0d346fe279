package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/decision"
	"github.com/indexwarden/indexwarden/internal/executor"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

type fakeJob struct {
	name string
	err  error
	ran  bool
}

func (j *fakeJob) Name() string { return j.name }
func (j *fakeJob) Run(ctx context.Context) error {
	j.ran = true
	return j.err
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: "error"})
}

func TestSchedulerRunNowRunsEveryJobDespiteOneFailing(t *testing.T) {
	s := New(testLogger(), metrics.New())
	ok := &fakeJob{name: "ok"}
	failing := &fakeJob{name: "failing", err: errors.New("boom")}

	err := s.RunNow(context.Background(), "light", []Job{ok, failing})
	require.Error(t, err)
	assert.True(t, ok.ran)
	assert.True(t, failing.ran)
	assert.Contains(t, err.Error(), "boom")
}

func TestSchedulerRunNowNoErrorWhenAllSucceed(t *testing.T) {
	s := New(testLogger(), metrics.New())
	a := &fakeJob{name: "a"}
	b := &fakeJob{name: "b"}

	err := s.RunNow(context.Background(), "light", []Job{a, b})
	assert.NoError(t, err)
}

func newTestGatewayStore(t *testing.T) (*executor.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	return executor.NewStore(gw), mock
}

func TestConstraintRefreshJobPopulatesConstraintLayer(t *testing.T) {
	store, mock := newTestGatewayStore(t)
	mock.ExpectQuery("SELECT scope_tenant, scope_table, count").WillReturnRows(
		sqlmock.NewRows([]string{"scope_tenant", "scope_table", "count"}).AddRow("acme", "orders", 2))
	mock.ExpectQuery("SELECT r.scope_tenant, COALESCE").WillReturnRows(
		sqlmock.NewRows([]string{"scope_tenant", "mb"}).AddRow("acme", 500))

	constraints := decision.NewConstraintLayer(decision.ConstraintLimits{MaxIndexesPerTable: 2, MaxStoragePerTenantMB: 1000}, map[string]int{}, map[string]int{})
	engine := decision.New(testDecisionConfig(), constraints, nil, nil)

	job := NewConstraintRefreshJob(store, engine)
	assert.Equal(t, "constraint-refresh", job.Name())
	require.NoError(t, job.Run(context.Background()))

	contrib := constraints.Score(decision.Features{Candidate: decision.IndexCandidate{Tenant: "acme", Table: "orders"}})
	assert.True(t, contrib.Veto)
}

func TestConstraintRefreshJobNoOpWhenEngineHasNoConstraintLayer(t *testing.T) {
	store, _ := newTestGatewayStore(t)
	engine := decision.New(testDecisionConfig(), nil, nil, nil)
	job := NewConstraintRefreshJob(store, engine)
	assert.NoError(t, job.Run(context.Background()))
}

func testDecisionConfig() config.DecisionConfig {
	return config.DecisionConfig{
		MinImprovementPct: 0.1,
		WeightHeuristic:   0.25,
		WeightUtility:     0.25,
		WeightClassifier:  0.25,
		WeightConstraint:  0.25,
	}
}
