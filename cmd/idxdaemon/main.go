// Command idxdaemon is indexwarden's operator entrypoint: it boots the
// composition root and exposes the operational surface (bootstrap, run,
// analyze, apply, rollback, lifecycle, verify) as subcommands, mirroring
// slctl's flag.NewFlagSet/switch dispatch idiom but driving an
// in-process Supervisor rather than an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/indexwarden/indexwarden/internal/analyzer"
	"github.com/indexwarden/indexwarden/internal/catalog"
	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/decision"
	"github.com/indexwarden/indexwarden/internal/lineage"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/metrics"
	"github.com/indexwarden/indexwarden/internal/migrations"
	"github.com/indexwarden/indexwarden/internal/resilience"
	"github.com/indexwarden/indexwarden/internal/safety"
	"github.com/indexwarden/indexwarden/internal/supervisor"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("idxdaemon", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	switch remaining[0] {
	case "bootstrap":
		return handleBootstrap(ctx, remaining[1:])
	case "run":
		return handleRun(ctx, remaining[1:])
	case "analyze":
		return handleAnalyze(ctx, remaining[1:], false)
	case "apply":
		return handleAnalyze(ctx, remaining[1:], true)
	case "rollback":
		return handleRollback(ctx, remaining[1:])
	case "lifecycle":
		return handleLifecycle(ctx, remaining[1:])
	case "verify":
		return handleVerify(ctx, remaining[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printRootUsage()
	return err
}

func printRootUsage() {
	fmt.Println(`indexwarden daemon (idxdaemon)

Usage:
  idxdaemon <command> [flags]

Commands:
  bootstrap   Apply migrations and seed the canonical field catalog
  run         Start the daemon: ingestion, lifecycle ticks, HTTP surface
  analyze     Dry-run a candidate round and print decisions (no mutation)
  apply       Run a candidate round and apply approved decisions
  rollback    Roll back a named index to its prior state
  lifecycle   Run a lifecycle tick immediately (light|standard|heavy|weekly|monthly)
  verify      Check liveness/readiness against the configured database
  help        Show this message`)
}

// loadConfigAndLogger builds config and a logger from the environment,
// shared by every subcommand.
func loadConfigAndLogger() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validate config: %w", err)
	}
	log := logging.New(logging.Config{Level: cfg.Observability.LogLevel, Format: cfg.Observability.LogFormat})
	return cfg, log, nil
}

func handleBootstrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	gw, err := dbgateway.Open(ctx, cfg.Database, resilience.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close()

	if err := migrations.Apply(gw.DB().DB); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	cat := catalog.New(gw, log, cfg.Catalog)
	if err := cat.Bootstrap(ctx, cfg.Catalog); err != nil {
		return fmt.Errorf("bootstrap catalog: %w", err)
	}
	fmt.Println("bootstrap complete")
	return nil
}

func handleRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	mx := metrics.New()
	sup, err := supervisor.New(ctx, cfg, log, mx)
	if err != nil {
		return fmt.Errorf("wire supervisor: %w", err)
	}
	if err := sup.WireLifecycle(); err != nil {
		return fmt.Errorf("wire lifecycle: %w", err)
	}
	return sup.Run(ctx)
}

func handleVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, _, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	gw, err := dbgateway.Open(ctx, cfg.Database, resilience.DefaultRetryConfig())
	if err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	defer gw.Close()

	if err := gw.Ping(ctx); err != nil {
		return fmt.Errorf("liveness check failed: %w", err)
	}
	fmt.Println("ok: database reachable")
	return nil
}

func handleLifecycle(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError(errors.New("lifecycle requires a tick name: light|standard|heavy|weekly|monthly"))
	}
	tick := args[0]

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	mx := metrics.New()
	sup, err := supervisor.New(ctx, cfg, log, mx)
	if err != nil {
		return fmt.Errorf("wire supervisor: %w", err)
	}
	if err := sup.RunLifecycleNow(ctx, tick); err != nil {
		return fmt.Errorf("run lifecycle tick %q: %w", tick, err)
	}
	fmt.Printf("lifecycle tick %q complete\n", tick)
	return nil
}

func handleRollback(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() == 0 {
		return usageError(errors.New("rollback requires an index name"))
	}
	name := fs.Arg(0)

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	mx := metrics.New()
	sup, err := supervisor.New(ctx, cfg, log, mx)
	if err != nil {
		return fmt.Errorf("wire supervisor: %w", err)
	}
	defer sup.Gateway.Close()

	rec, err := sup.Executor.FindByName(ctx, name)
	if err != nil {
		return fmt.Errorf("find index %q: %w", name, err)
	}
	if err := sup.ExecutorRun.Rollback(ctx, rec); err != nil {
		return fmt.Errorf("rollback %q: %w", name, err)
	}
	fmt.Printf("rolled back %q\n", name)
	return nil
}

func handleAnalyze(ctx context.Context, args []string, doApply bool) error {
	name := "analyze"
	if doApply {
		name = "apply"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	since := fs.Duration("since", 24*time.Hour, "lookback window for query_stats aggregation")
	minCoOcc := fs.Int64("min-co-occurrence", 50, "minimum co-occurrence count for a composite candidate")
	minInclude := fs.Int64("min-include-count", 50, "minimum occurrence count for a covering candidate")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	mx := metrics.New()
	sup, err := supervisor.New(ctx, cfg, log, mx)
	if err != nil {
		return fmt.Errorf("wire supervisor: %w", err)
	}
	defer sup.Gateway.Close()

	aggs, win, err := sup.Analyzer.Aggregate(ctx, *since)
	if err != nil {
		return fmt.Errorf("aggregate usage: %w", err)
	}
	composites := analyzer.DetectComposite(aggs, *minCoOcc)
	coverings := analyzer.DetectCovering(aggs, *minInclude)

	tables := uniqueTables(aggs, composites, coverings)
	stats, err := decision.TableStats(ctx, sup.Gateway, tables)
	if err != nil {
		return fmt.Errorf("load table stats: %w", err)
	}

	activeEquivalent := func(tenant, table string, columns []string) bool {
		active, err := sup.Executor.ActiveByScope(ctx, tenant, table)
		if err != nil {
			return false
		}
		for _, rec := range active {
			if reflect.DeepEqual(rec.Columns, columns) {
				return true
			}
		}
		return false
	}

	candidates := decision.BuildCandidates(ctx, aggs, composites, coverings, stats, activeEquivalent, sup.Analyzer.Selectivity, cfg.Catalog.TenantColumn)
	if len(candidates) == 0 {
		fmt.Println("no candidates produced for this window")
		return nil
	}

	approvedCount := 0
	for _, c := range candidates {
		features := decision.DefaultFeatures(c, win.Small)
		d := sup.Engine.Evaluate(ctx, features)
		printDecision(d)
		if !d.Approved {
			continue
		}
		approvedCount++
		if doApply {
			if err := applyOneDecision(ctx, sup, d); err != nil {
				fmt.Printf("  apply failed: %v\n", err)
			}
		}
	}
	fmt.Printf("%d/%d candidates approved\n", approvedCount, len(candidates))
	return nil
}

// applyOneDecision runs an approved candidate through the safety gate
// chain before handing it to the executor. A gate denial is not an
// error: it's recorded as a skipped mutation and the candidate is left
// for a later round once the gate admits it.
func applyOneDecision(ctx context.Context, sup *supervisor.Supervisor, d decision.Decision) error {
	c := d.Candidate
	req := safety.Request{Tenant: c.Tenant, Table: c.Table, OperationKind: "create-index"}
	admitted, deniedBy, reason := sup.SafetyChain.Admit(ctx, req)
	if !admitted {
		fmt.Printf("  denied by gate %s: %s\n", deniedBy, reason)
		return sup.Lineage.RecordMutation(ctx, lineage.MutationEvent{
			Scope: c.Scope(), Actor: "engine", Kind: "skipped", Status: "skipped",
			Explanation: fmt.Sprintf("denied by gate %s: %s", deniedBy, reason),
			Rationale:   map[string]any{"gate": deniedBy, "reason": reason},
		})
	}
	// The lock_advisor gate took the scope lock on admission; release it so
	// Apply can take it again for the build itself.
	_ = sup.LockAdvisor.Release(ctx, c.Scope())
	return sup.ExecutorRun.Apply(ctx, d, nil)
}

func printDecision(d decision.Decision) {
	c := d.Candidate
	status := "rejected"
	if d.Approved {
		status = "approved"
	}
	fmt.Printf("[%s] %s on %s(%s): %s\n", status, c.Kind, c.Scope(), strings.Join(c.Columns, ","), orDash(d.Reason))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func uniqueTables(aggs []analyzer.FieldUsageAggregate, composites []analyzer.CompositeOpportunity, coverings []analyzer.CoveringOpportunity) []string {
	seen := make(map[string]struct{})
	for _, a := range aggs {
		seen[a.Table] = struct{}{}
	}
	for _, c := range composites {
		seen[c.Table] = struct{}{}
	}
	for _, c := range coverings {
		seen[c.Table] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
