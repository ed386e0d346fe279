// Package lineage is the append-only lineage store (C11): MutationEvent
// and AlgorithmUsage. C11 exclusively owns writes to both. Per-scope
// ordering ties are broken by a monotonic SELECT ... FOR UPDATE counter.
package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/indexwarden/indexwarden/internal/dbgateway"
)

// MutationEvent is an append-only record of one actor's action against
// an IndexRecord. Never mutated.
type MutationEvent struct {
	ID             int64
	IndexRef       *int64
	Scope          string
	Ts             time.Time
	Seq            int64
	Actor          string // "engine" | "maintainer" | "operator"
	Kind           string // "create" | "drop" | "rollback" | "promote" | "rejected" | "skipped" | "failed"
	Status         string
	Rationale      map[string]any
	BeforeSummary  map[string]any
	AfterSummary   map[string]any
	Improvement    *float64
	Explanation    string
}

// AlgorithmUsageEntry tags one decision-layer invocation for audit and
// retraining.
type AlgorithmUsageEntry struct {
	Algorithm string
	Scope     string
	InputHash string
	Output    map[string]any
}

// Store is the C11 component.
type Store struct {
	gw *dbgateway.Gateway
}

// New builds a Store bound to gw.
func New(gw *dbgateway.Gateway) *Store { return &Store{gw: gw} }

// nextSeq assigns the next per-scope sequence number using
// SELECT ... FOR UPDATE on scope_sequence, so concurrent writers on
// different scopes don't contend and same-scope writers are totally
// ordered.
func (s *Store) nextSeq(ctx context.Context, scope string) (int64, error) {
	var seq int64
	// scope_sequence is seeded lazily; ON CONFLICT keeps bootstrap
	// idempotent the same way catalog upserts are.
	_, err := s.gw.Exec(ctx, `
		INSERT INTO scope_sequence (scope, next_seq) VALUES ($1, 1)
		ON CONFLICT (scope) DO NOTHING
	`, scope)
	if err != nil {
		return 0, err
	}

	row := struct {
		NextSeq int64 `db:"next_seq"`
	}{}
	err = s.gw.Get(ctx, &row, `
		SELECT next_seq FROM scope_sequence WHERE scope = $1 FOR UPDATE
	`, scope)
	if err != nil {
		return 0, err
	}
	seq = row.NextSeq

	_, err = s.gw.Exec(ctx, `UPDATE scope_sequence SET next_seq = next_seq + 1 WHERE scope = $1`, scope)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// RecordMutation writes an append-only MutationEvent, assigning its
// per-scope seq.
func (s *Store) RecordMutation(ctx context.Context, ev MutationEvent) error {
	seq, err := s.nextSeq(ctx, ev.Scope)
	if err != nil {
		return fmt.Errorf("assign seq for scope %s: %w", ev.Scope, err)
	}
	ev.Seq = seq

	rationaleJSON, err := json.Marshal(ev.Rationale)
	if err != nil {
		return err
	}
	beforeJSON, err := marshalOptional(ev.BeforeSummary)
	if err != nil {
		return err
	}
	afterJSON, err := marshalOptional(ev.AfterSummary)
	if err != nil {
		return err
	}

	_, err = s.gw.Exec(ctx, `
		INSERT INTO mutation_event
			(index_ref, scope, seq, actor, kind, status, rationale_json, before_summary, after_summary, improvement, explanation)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, ev.IndexRef, ev.Scope, ev.Seq, ev.Actor, ev.Kind, ev.Status, rationaleJSON, beforeJSON, afterJSON, ev.Improvement, ev.Explanation)
	return err
}

func marshalOptional(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// RecordAlgorithmUsage appends one algorithm-usage ledger entry.
func (s *Store) RecordAlgorithmUsage(ctx context.Context, e AlgorithmUsageEntry) error {
	outputJSON, err := json.Marshal(e.Output)
	if err != nil {
		return err
	}
	_, err = s.gw.Exec(ctx, `
		INSERT INTO algorithm_usage (algorithm, scope, input_hash, output_json)
		VALUES ($1,$2,$3,$4)
	`, e.Algorithm, e.Scope, e.InputHash, outputJSON)
	return err
}

// timelineRow mirrors mutation_event for Timeline's typed scan.
type timelineRow struct {
	ID            int64      `db:"id"`
	IndexRef      *int64     `db:"index_ref"`
	Scope         string     `db:"scope"`
	Ts            time.Time  `db:"ts"`
	Seq           int64      `db:"seq"`
	Actor         string     `db:"actor"`
	Kind          string     `db:"kind"`
	Status        string     `db:"status"`
	RationaleJSON []byte     `db:"rationale_json"`
	BeforeSummary []byte     `db:"before_summary"`
	AfterSummary  []byte     `db:"after_summary"`
	Improvement   *float64   `db:"improvement"`
	Explanation   string     `db:"explanation"`
}

// Timeline returns every MutationEvent for indexID, ordered by seq.
func (s *Store) Timeline(ctx context.Context, indexID int64) ([]MutationEvent, error) {
	var rows []timelineRow
	err := s.gw.Select(ctx, &rows, `
		SELECT id, index_ref, scope, ts, seq, actor, kind, status, rationale_json, before_summary, after_summary, improvement, explanation
		FROM mutation_event WHERE index_ref = $1 ORDER BY seq ASC
	`, indexID)
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// Explain returns the single MutationEvent identified by mutationID with
// its rationale decoded, for the explain-a-decision query.
func (s *Store) Explain(ctx context.Context, mutationID int64) (MutationEvent, error) {
	var row timelineRow
	err := s.gw.Get(ctx, &row, `
		SELECT id, index_ref, scope, ts, seq, actor, kind, status, rationale_json, before_summary, after_summary, improvement, explanation
		FROM mutation_event WHERE id = $1
	`, mutationID)
	if err != nil {
		return MutationEvent{}, err
	}
	decoded, err := decodeRows([]timelineRow{row})
	if err != nil {
		return MutationEvent{}, err
	}
	return decoded[0], nil
}

func decodeRows(rows []timelineRow) ([]MutationEvent, error) {
	out := make([]MutationEvent, 0, len(rows))
	for _, r := range rows {
		ev := MutationEvent{
			ID: r.ID, IndexRef: r.IndexRef, Scope: r.Scope, Ts: r.Ts, Seq: r.Seq,
			Actor: r.Actor, Kind: r.Kind, Status: r.Status, Improvement: r.Improvement, Explanation: r.Explanation,
		}
		if len(r.RationaleJSON) > 0 {
			if err := json.Unmarshal(r.RationaleJSON, &ev.Rationale); err != nil {
				return nil, err
			}
		}
		if len(r.BeforeSummary) > 0 {
			if err := json.Unmarshal(r.BeforeSummary, &ev.BeforeSummary); err != nil {
				return nil, err
			}
		}
		if len(r.AfterSummary) > 0 {
			if err := json.Unmarshal(r.AfterSummary, &ev.AfterSummary); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

// CountsByAlgorithm reports algorithm_usage row counts per algorithm.
func (s *Store) CountsByAlgorithm(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "algorithm_usage", "algorithm")
}

// CountsByActor reports mutation_event row counts per actor.
func (s *Store) CountsByActor(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "mutation_event", "actor")
}

// CountsByOutcome reports mutation_event row counts per status.
func (s *Store) CountsByOutcome(ctx context.Context) (map[string]int64, error) {
	return s.countBy(ctx, "mutation_event", "status")
}

// algoRow mirrors algorithm_usage for the history queries below.
type algoRow struct {
	Algorithm  string    `db:"algorithm"`
	Scope      string    `db:"scope"`
	Ts         time.Time `db:"ts"`
	OutputJSON []byte    `db:"output_json"`
}

// RecentAlgorithmUsage returns algorithm_usage entries for algorithm
// recorded since the cutoff, ordered oldest-first — the trend-fit input
// for predictive maintenance.
func (s *Store) RecentAlgorithmUsage(ctx context.Context, algorithm string, since time.Duration) ([]AlgorithmUsageEntry, []time.Time, error) {
	var rows []algoRow
	err := s.gw.Select(ctx, &rows, `
		SELECT algorithm, scope, ts, output_json FROM algorithm_usage
		WHERE algorithm = $1 AND ts >= now() - ($2 * interval '1 second')
		ORDER BY ts ASC
	`, algorithm, since.Seconds())
	if err != nil {
		return nil, nil, err
	}
	entries := make([]AlgorithmUsageEntry, 0, len(rows))
	tss := make([]time.Time, 0, len(rows))
	for _, r := range rows {
		var out map[string]any
		if len(r.OutputJSON) > 0 {
			if err := json.Unmarshal(r.OutputJSON, &out); err != nil {
				return nil, nil, err
			}
		}
		entries = append(entries, AlgorithmUsageEntry{Algorithm: r.Algorithm, Scope: r.Scope, Output: out})
		tss = append(tss, r.Ts)
	}
	return entries, tss, nil
}

// RecentMutations returns every MutationEvent recorded since the cutoff,
// ordered oldest-first — the training-example source for the lifecycle
// ML retrain job, which refits C6's UtilityLayer.
func (s *Store) RecentMutations(ctx context.Context, since time.Duration) ([]MutationEvent, error) {
	var rows []timelineRow
	err := s.gw.Select(ctx, &rows, `
		SELECT id, index_ref, scope, ts, seq, actor, kind, status, rationale_json, before_summary, after_summary, improvement, explanation
		FROM mutation_event WHERE ts >= now() - ($1 * interval '1 second') ORDER BY ts ASC
	`, since.Seconds())
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

func (s *Store) countBy(ctx context.Context, table, column string) (map[string]int64, error) {
	var rows []struct {
		Key   string `db:"key"`
		Count int64  `db:"count"`
	}
	query := fmt.Sprintf(`SELECT %s AS key, count(*) AS count FROM %s GROUP BY %s`,
		dbgateway.QuoteIdent(column), dbgateway.QuoteIdent(table), dbgateway.QuoteIdent(column))
	if err := s.gw.Select(ctx, &rows, query); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out, nil
}
