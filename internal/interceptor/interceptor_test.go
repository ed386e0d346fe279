package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/planner"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func TestInterceptAlwaysAdmitsWhenDisabled(t *testing.T) {
	i := New(nil, metrics.New(), config.InterceptorConfig{Enabled: false})
	v, err := i.Intercept(context.Background(), "SELECT * FROM orders")
	require.NoError(t, err)
	assert.True(t, v.Admit)
	assert.Equal(t, "interceptor disabled", v.Reason)
}

func newTestPlanner(t *testing.T) (*planner.Planner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	return planner.New(gw, metrics.New(), config.PlannerConfig{CacheSize: 16, CacheTTL: time.Minute, RetryAttempts: 1}), mock
}

func TestInterceptAdmitsOnPlanUnavailable(t *testing.T) {
	pl, mock := newTestPlanner(t)
	mock.ExpectQuery("EXPLAIN \\(FORMAT JSON\\)").WillReturnError(assertErr{})

	i := New(pl, metrics.New(), config.InterceptorConfig{Enabled: true, BlockOnMatch: true, RiskThreshold: 0.5})
	v, err := i.Intercept(context.Background(), "SELECT * FROM orders")
	require.NoError(t, err)
	assert.True(t, v.Admit)
	assert.Equal(t, "plan unavailable, fail open", v.Reason)
}

func TestInterceptBlocksHighRiskPlan(t *testing.T) {
	pl, mock := newTestPlanner(t)
	planJSON := `[{"Plan":{"Node Type":"Seq Scan","Relation Name":"orders","Total Cost":50000,"Plan Rows":1000000}}]`
	mock.ExpectQuery("EXPLAIN \\(FORMAT JSON\\)").WillReturnRows(sqlmock.NewRows([]string{"plan"}).AddRow(planJSON))

	i := New(pl, metrics.New(), config.InterceptorConfig{
		Enabled: true, BlockOnMatch: true, CostCeiling: 1000, RiskThreshold: 0.3, AllowListSize: 10, BlockListSize: 10, EntryTTL: time.Minute,
	})
	v, err := i.Intercept(context.Background(), "SELECT * FROM orders WHERE status LIKE '%x%'")
	require.Error(t, err)
	assert.False(t, v.Admit)
	assert.Equal(t, "risk-score", v.Reason)
	assert.Greater(t, v.RiskScore, 0.3)
}

func TestInterceptObserveOnlyNeverBlocks(t *testing.T) {
	pl, mock := newTestPlanner(t)
	planJSON := `[{"Plan":{"Node Type":"Seq Scan","Relation Name":"orders","Total Cost":50000,"Plan Rows":1000000}}]`
	mock.ExpectQuery("EXPLAIN \\(FORMAT JSON\\)").WillReturnRows(sqlmock.NewRows([]string{"plan"}).AddRow(planJSON))

	i := New(pl, metrics.New(), config.InterceptorConfig{
		Enabled: true, BlockOnMatch: false, CostCeiling: 1000, RiskThreshold: 0.1, AllowListSize: 10, BlockListSize: 10, EntryTTL: time.Minute,
	})
	v, err := i.Intercept(context.Background(), "SELECT * FROM orders")
	require.NoError(t, err)
	assert.True(t, v.Admit, "observe-only mode never rejects, even above threshold")
}

func TestFeedbackSlowReinforcesBlockList(t *testing.T) {
	pl, mock := newTestPlanner(t)
	i := New(pl, metrics.New(), config.InterceptorConfig{Enabled: true, BlockOnMatch: true, AllowListSize: 10, BlockListSize: 10, EntryTTL: time.Minute})
	sql := "SELECT * FROM orders"

	i.Feedback(sql, true, "measured slow")
	v, err := i.Intercept(context.Background(), sql)
	require.Error(t, err)
	assert.False(t, v.Admit)
	assert.Contains(t, v.Reason, "block-listed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFeedbackFastReinforcesAllowList(t *testing.T) {
	pl, _ := newTestPlanner(t)
	i := New(pl, metrics.New(), config.InterceptorConfig{Enabled: true, BlockOnMatch: true, AllowListSize: 10, BlockListSize: 10, EntryTTL: time.Minute})
	sql := "SELECT * FROM orders"

	i.Feedback(sql, false, "")
	v, err := i.Intercept(context.Background(), sql)
	require.NoError(t, err)
	assert.True(t, v.Admit)
	assert.Equal(t, "allow-listed", v.Reason)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
