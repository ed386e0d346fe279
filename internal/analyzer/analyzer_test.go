package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 10.0, percentile(sorted, 1))
	assert.Equal(t, 1.0, percentile(sorted, 0))
	assert.Equal(t, 0.0, percentile(nil, 0.5))
}

func TestIsSpikeRequiresMinimumVolume(t *testing.T) {
	a := &Analyzer{spikeFraction: 0.5}
	win := Window{Start: time.Unix(0, 0), End: time.Unix(600, 0)}
	samples := make([]rawSample, 10)
	for i := range samples {
		samples[i] = rawSample{Ts: win.Start}
	}
	assert.False(t, a.isSpike(samples, win), "below sustainedMinCount should never be flagged a spike")
}

func TestIsSpikeDetectsConcentratedBurst(t *testing.T) {
	a := &Analyzer{spikeFraction: 0.5}
	win := Window{Start: time.Unix(0, 0), End: time.Unix(600, 0)}
	samples := make([]rawSample, 60)
	for i := range samples {
		samples[i] = rawSample{Ts: win.Start} // every sample lands in bucket 0
	}
	assert.True(t, a.isSpike(samples, win))
}

func TestIsSpikeFalseWhenSpreadEvenly(t *testing.T) {
	a := &Analyzer{spikeFraction: 0.5}
	win := Window{Start: time.Unix(0, 0), End: time.Unix(600, 0)}
	samples := make([]rawSample, 60)
	for i := range samples {
		samples[i] = rawSample{Ts: win.Start.Add(time.Duration(i) * 10 * time.Second)}
	}
	assert.False(t, a.isSpike(samples, win))
}

func TestDetectCompositeRequiresSameShapeAndMinCoOccurrence(t *testing.T) {
	aggs := []FieldUsageAggregate{
		{Tenant: "acme", Table: "orders", Field: "status", Shape: "equality", Count: 100},
		{Tenant: "acme", Table: "orders", Field: "customer_id", Shape: "equality", Count: 80},
		{Tenant: "acme", Table: "orders", Field: "created_at", Shape: "range", Count: 90},
	}
	opps := DetectComposite(aggs, 50)
	require.Len(t, opps, 1)
	assert.ElementsMatch(t, []string{"status", "customer_id"}, opps[0].Fields)
	assert.Equal(t, 80.0, opps[0].Score)
}

func TestDetectCompositeFiltersBelowThreshold(t *testing.T) {
	aggs := []FieldUsageAggregate{
		{Tenant: "acme", Table: "orders", Field: "a", Shape: "equality", Count: 10},
		{Tenant: "acme", Table: "orders", Field: "b", Shape: "equality", Count: 10},
	}
	assert.Empty(t, DetectComposite(aggs, 50))
}

func TestDetectCoveringPicksDominantFieldAsKey(t *testing.T) {
	aggs := []FieldUsageAggregate{
		{Tenant: "acme", Table: "orders", Field: "customer_id", Shape: "equality", Count: 500},
		{Tenant: "acme", Table: "orders", Field: "status", Shape: "equality", Count: 60},
		{Tenant: "acme", Table: "orders", Field: "rarely_read", Shape: "equality", Count: 5},
	}
	opps := DetectCovering(aggs, 50)
	require.Len(t, opps, 1)
	assert.Equal(t, []string{"customer_id"}, opps[0].Key)
	assert.Equal(t, []string{"status"}, opps[0].IncludeCols)
}

func TestDetectCoveringSkipsSingleFieldShapes(t *testing.T) {
	aggs := []FieldUsageAggregate{{Tenant: "acme", Table: "orders", Field: "customer_id", Shape: "equality", Count: 500}}
	assert.Empty(t, DetectCovering(aggs, 50))
}

func newTestAnalyzer(t *testing.T) (*Analyzer, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	return New(gw, nil, 1000), mock
}

func TestAggregateGroupsByTenantTableFieldShape(t *testing.T) {
	a, mock := newTestAnalyzer(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"tenant", "table_name", "field", "shape", "ts", "duration_ms"}).
		AddRow("acme", "orders", "customer_id", "equality", now, 5.0).
		AddRow("acme", "orders", "customer_id", "equality", now, 15.0).
		AddRow("acme", "customers", "email", "equality", now, 3.0)
	mock.ExpectQuery("SELECT COALESCE\\(tenant").WillReturnRows(rows)

	aggs, win, err := a.Aggregate(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), win.Total)
	require.Len(t, aggs, 2)
	assert.Equal(t, int64(2), aggs[0].Count)
	assert.InDelta(t, 10.0, aggs[0].AvgDuration, 0.001)
}

func TestSelectivityFallsBackOnError(t *testing.T) {
	a, mock := newTestAnalyzer(t)
	mock.ExpectQuery("SELECT count\\(DISTINCT").WillReturnError(assertErr{})

	sel, err := a.Selectivity(context.Background(), "orders", "customer_id")
	require.NoError(t, err)
	assert.Equal(t, 0.5, sel)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
