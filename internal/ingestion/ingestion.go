// Package ingestion is the query-statistics ingestion pipeline (C3):
// observe(sample) is non-blocking and safe from many producers; a small
// pool of flushers drains a bounded buffer in batched inserts. C3
// exclusively owns this buffer.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
)

// Shape enumerates the kinds of query access pattern the analyzer
// distinguishes when aggregating usage.
type Shape string

const (
	ShapePointLookup Shape = "point-lookup"
	ShapeRange       Shape = "range"
	ShapeJoinProbe   Shape = "join-probe"
	ShapeAggregate   Shape = "aggregate"
	ShapeFullScan    Shape = "full-scan"
	ShapeUnknown     Shape = "unknown"
)

// Sample is one observed query execution.
type Sample struct {
	Ts           time.Time
	Tenant       string // "" when not multi-tenant
	Table        string
	Field        string
	Shape        Shape
	DurationMs   float64
	RowsEstimate int64
	Fingerprint  string
}

// Ingestion is the C3 component.
type Ingestion struct {
	gw   *dbgateway.Gateway
	log  *logging.Logger
	mx   *metrics.Metrics

	buf     chan Sample
	batch   int
	interval time.Duration

	dropped atomic.Int64
	flushed atomic.Int64

	wg     sync.WaitGroup
	stopCh chan struct{}
	stopped atomic.Bool

	firstFlushOK atomic.Bool
}

// New constructs an Ingestion pipeline per cfg, unstarted.
func New(gw *dbgateway.Gateway, log *logging.Logger, mx *metrics.Metrics, cfg config.IngestionConfig) *Ingestion {
	return &Ingestion{
		gw:       gw,
		log:      log,
		mx:       mx,
		buf:      make(chan Sample, cfg.BufferSize),
		batch:    cfg.FlushBatchSize,
		interval: cfg.FlushInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches n flusher goroutines (cfg.Flushers).
func (in *Ingestion) Start(ctx context.Context, flushers int) {
	if flushers < 1 {
		flushers = 1
	}
	for i := 0; i < flushers; i++ {
		in.wg.Add(1)
		go in.flushLoop(ctx)
	}
}

// Stop signals flushers to drain remaining samples and exit, then waits.
func (in *Ingestion) Stop() {
	if in.stopped.CompareAndSwap(false, true) {
		close(in.stopCh)
	}
	in.wg.Wait()
}

// Observe enqueues sample without blocking. Under buffer saturation it
// drops the sample and increments the dropped counter instead of
// blocking the caller.
func (in *Ingestion) Observe(sample Sample) {
	select {
	case in.buf <- sample:
	default:
		in.dropped.Add(1)
		in.mx.IngestionDropped.Inc()
	}
}

// Dropped returns the total number of samples dropped for buffer
// saturation since startup.
func (in *Ingestion) Dropped() int64 { return in.dropped.Load() }

// Flushed returns the total number of samples successfully flushed.
func (in *Ingestion) Flushed() int64 { return in.flushed.Load() }

// Ready reports whether at least one flush has succeeded (C13 readiness
// contributor).
func (in *Ingestion) Ready() bool { return in.firstFlushOK.Load() }

func (in *Ingestion) flushLoop(ctx context.Context) {
	defer in.wg.Done()
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	pending := make([]Sample, 0, in.batch)

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := in.flush(ctx, pending); err != nil {
			in.log.WithComponent("ingestion").WithContext(ctx).WithError(err).Warn("flush failed")
		} else {
			in.flushed.Add(int64(len(pending)))
			in.mx.IngestionFlushed.Add(float64(len(pending)))
			in.firstFlushOK.Store(true)
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			in.drain(ctx, &pending, flush)
			return
		case <-in.stopCh:
			in.drain(ctx, &pending, flush)
			return
		case s := <-in.buf:
			pending = append(pending, s)
			if len(pending) >= in.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drain empties whatever remains in the channel (best-effort, bounded)
// before a final flush on shutdown.
func (in *Ingestion) drain(ctx context.Context, pending *[]Sample, flush func()) {
	for {
		select {
		case s := <-in.buf:
			*pending = append(*pending, s)
			if len(*pending) >= in.batch {
				flush()
			}
		default:
			flush()
			return
		}
	}
}

// flush performs one batched INSERT. Never wrapped in a transaction that
// also issues DDL.
func (in *Ingestion) flush(ctx context.Context, samples []Sample) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO query_stats (ts, tenant, table_name, field, shape, duration_ms, rows_estimate, fingerprint) VALUES ")

	args := make([]any, 0, len(samples)*8)
	for i, s := range samples {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		var tenant any
		if s.Tenant != "" {
			tenant = s.Tenant
		}
		var fp any
		if s.Fingerprint != "" {
			fp = s.Fingerprint
		}
		args = append(args, s.Ts, tenant, s.Table, s.Field, string(s.Shape), s.DurationMs, s.RowsEstimate, fp)
	}

	_, err := in.gw.Exec(ctx, sb.String(), args...)
	return err
}
