package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/indexwarden/indexwarden/internal/lifecycle"
)

// mlRetrainBudget bounds how long the optional retrain task may run per
// tick.
const mlRetrainBudget = 30 * time.Second

const (
	minCoOccurrenceDefault = 50
	minIncludeCountDefault = 50
)

// WireLifecycle builds the light/standard/heavy job groups and
// registers them on the scheduler built in New, using the intervals
// from cfg.Lifecycle. Call once after New, before Start.
func (s *Supervisor) WireLifecycle() error {
	cfg := s.cfg.Lifecycle
	s.buildTickGroups()

	if err := s.Scheduler.AddTick("@every "+cfg.LightInterval.String(), "light", s.tickGroups["light"]); err != nil {
		return err
	}
	if err := s.Scheduler.AddTick("@every "+cfg.StandardInterval.String(), "standard", s.tickGroups["standard"]); err != nil {
		return err
	}
	return s.Scheduler.AddTick("@every "+cfg.HeavyInterval.String(), "heavy", s.tickGroups["heavy"])
}

// buildTickGroups constructs the fixed light/standard/heavy job lists
// once, shared by WireLifecycle's cron registration and RunLifecycleNow's
// ad-hoc invocation.
func (s *Supervisor) buildTickGroups() {
	if s.tickGroups != nil {
		return
	}
	cfg := s.cfg.Lifecycle

	light := []lifecycle.Job{
		lifecycle.NewIntegrityCheckJob(s.Gateway),
		lifecycle.NewExpireStaleLocksJob(s.LockAdvisor),
		lifecycle.NewSafeguardMetricsSnapshotJob(s.Executor, s.Lineage, s.mx),
		lifecycle.NewConstraintRefreshJob(s.Executor, s.Engine),
	}

	standard := []lifecycle.Job{
		lifecycle.NewReapUnusedIndexesJob(s.Gateway, s.Executor, s.Lineage, s.LockAdvisor, s.log, cfg.AutoCleanup),
		lifecycle.NewReapInvalidIndexesJob(s.Gateway, s.Lineage),
		lifecycle.NewBloatDetectionJob(s.Gateway, s.Lineage, s.log, cfg.BloatThresholdPct, cfg.AutoReindex),
		lifecycle.NewStatisticsRefreshJob(s.Gateway, 24*time.Hour),
		lifecycle.NewWorkloadAnalysisJob(s.Analyzer, s.Lineage, cfg.StandardInterval, minCoOccurrenceDefault),
		lifecycle.NewPredictiveMaintenanceJob(s.Lineage, 30*24*time.Hour, cfg.HeavyInterval, cfg.BloatThresholdPct),
	}
	if utility := s.Engine.Utility(); utility != nil {
		standard = append(standard, lifecycle.NewMLRetrainJob(s.Lineage, utility, 30*24*time.Hour, mlRetrainBudget))
	}

	var heavy []lifecycle.Job
	if cfg.ConsolidationEnabled {
		heavy = append(heavy,
			lifecycle.NewRedundantIndexJob(s.Gateway, s.Lineage, s.log),
			lifecycle.NewConsolidationJob(s.Gateway, s.Lineage, s.log),
		)
	}
	if cfg.CoveringAnalysis {
		heavy = append(heavy, lifecycle.NewCoveringOpportunityJob(s.Analyzer, s.Lineage, cfg.HeavyInterval, minIncludeCountDefault))
	}
	heavy = append(heavy, lifecycle.NewForeignKeySuggestionJob(s.Gateway, s.Lineage, s.Analyzer, cfg.HeavyInterval))

	s.tickGroups = map[string][]lifecycle.Job{"light": light, "standard": standard, "heavy": heavy}
}

// RunLifecycleNow executes the named tick (light|standard|heavy)
// immediately, outside its cron schedule — the `lifecycle
// {weekly|monthly}` CLI path; "weekly" and "monthly" are operator-facing
// aliases for the heavy and standard ticks respectively.
func (s *Supervisor) RunLifecycleNow(ctx context.Context, name string) error {
	s.buildTickGroups()
	switch name {
	case "weekly":
		name = "heavy"
	case "monthly":
		name = "standard"
	}
	jobs, ok := s.tickGroups[name]
	if !ok {
		return fmt.Errorf("unknown lifecycle tick %q", name)
	}
	return s.Scheduler.RunNow(ctx, name, jobs)
}
