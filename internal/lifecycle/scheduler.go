// Package lifecycle is the periodic maintenance scheduler (C9). It runs
// the configured maintenance tasks on their cron schedules as independent
// steps: each logs but never aborts the others. Ticks do not consult the
// maintenance window; they fire whenever their schedule does. The
// scheduler itself is grounded on
// aristath-sentinel/trader-go/internal/scheduler/scheduler.go's
// cron.New(cron.WithSeconds()) + Job{Name/Run} idiom.
package lifecycle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
)

// Job is one maintenance task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler dispatches a set of Jobs on cron schedules, never letting a
// slow tick stack on top of a running one: consecutive ticks never
// overlap.
type Scheduler struct {
	cron *cron.Cron
	log  *logging.Logger
	mx   *metrics.Metrics

	running atomic.Bool
}

// New builds a Scheduler.
func New(log *logging.Logger, mx *metrics.Metrics) *Scheduler {
	return &Scheduler{cron: cron.New(cron.WithSeconds()), log: log, mx: mx}
}

// Start begins dispatching registered entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop drains in-flight jobs and halts dispatch, honoring ctx's
// deadline for the drain.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// AddTick registers jobs to run together as one tick on the given cron
// schedule (standard 6-field, seconds-enabled). A running-flag guards
// against overlap: the flag is shared by every entry on this scheduler, so
// if any tick is still running, the new firing is skipped rather than
// stacked.
func (s *Scheduler) AddTick(schedule string, name string, jobs []Job) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if !s.running.CompareAndSwap(false, true) {
			s.log.WithComponent("lifecycle").Warnf("tick %s skipped: previous tick still running", name)
			return
		}
		defer s.running.Store(false)
		s.runTick(context.Background(), name, jobs)
	})
	return err
}

// RunNow executes jobs immediately, outside the cron schedule — used by
// the `lifecycle {light|standard|heavy|weekly|monthly}` CLI subcommand.
// There is no per-tenant variant.
func (s *Scheduler) RunNow(ctx context.Context, name string, jobs []Job) error {
	return s.runTick(ctx, name, jobs)
}

func (s *Scheduler) runTick(ctx context.Context, name string, jobs []Job) error {
	var errs error
	for _, j := range jobs {
		start := time.Now()
		err := j.Run(ctx)
		s.mx.LifecycleTaskDuration.WithLabelValues(j.Name()).Observe(time.Since(start).Seconds())
		if err != nil {
			s.log.WithComponent("lifecycle").WithContext(ctx).WithError(err).Errorf("task %s failed during tick %s", j.Name(), name)
			errs = multierr.Append(errs, err)
			continue // a failing task never aborts the others
		}
		s.log.WithComponent("lifecycle").WithContext(ctx).Debugf("task %s completed during tick %s", j.Name(), name)
	}
	return errs
}
