package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func testLogger() *logging.Logger { return logging.New(logging.Config{Level: "error"}) }

func TestObserveDropsWhenBufferFull(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	mx := metrics.New()

	in := New(gw, testLogger(), mx, config.IngestionConfig{BufferSize: 1, FlushBatchSize: 10, FlushInterval: time.Hour})
	in.Observe(Sample{Table: "orders"})
	in.Observe(Sample{Table: "orders"}) // buffer full, dropped

	assert.Equal(t, int64(1), in.Dropped())
}

func TestStartFlushesBatchOnSizeThreshold(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	mx := metrics.New()

	mock.ExpectExec("INSERT INTO query_stats").WillReturnResult(sqlmock.NewResult(0, 2))

	in := New(gw, testLogger(), mx, config.IngestionConfig{BufferSize: 10, FlushBatchSize: 2, FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	in.Start(ctx, 1)

	in.Observe(Sample{Table: "orders", Field: "customer_id", Shape: ShapePointLookup, Ts: time.Now()})
	in.Observe(Sample{Table: "orders", Field: "customer_id", Shape: ShapePointLookup, Ts: time.Now()})

	require.Eventually(t, func() bool { return in.Flushed() == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, in.Ready())

	cancel()
	in.Stop()
}

func TestStopDrainsPendingSamplesBeforeExit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	mx := metrics.New()

	mock.ExpectExec("INSERT INTO query_stats").WillReturnResult(sqlmock.NewResult(0, 1))

	in := New(gw, testLogger(), mx, config.IngestionConfig{BufferSize: 10, FlushBatchSize: 100, FlushInterval: time.Hour})
	ctx := context.Background()
	in.Start(ctx, 1)

	in.Observe(Sample{Table: "orders", Ts: time.Now()})
	in.Stop()

	assert.Equal(t, int64(1), in.Flushed())
}
