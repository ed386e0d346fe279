package executor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/indexwarden/indexwarden/internal/dbgateway"
)

// recordRow is the typed scan shape for index_record.
type recordRow struct {
	ID          int64          `db:"id"`
	ScopeTenant string         `db:"scope_tenant"`
	ScopeTable  string         `db:"scope_table"`
	Name        string         `db:"name"`
	Kind        string         `db:"kind"`
	Columns     pq.StringArray `db:"columns"`
	Predicate   sql.NullString `db:"predicate"`
	IncludeCols pq.StringArray `db:"include_cols"`
	Status      string         `db:"status"`
	Version     int            `db:"version"`
	Improvement sql.NullFloat64 `db:"improvement"`
}

func (r recordRow) toRecord() IndexRecord {
	rec := IndexRecord{
		ID: r.ID, ScopeTenant: r.ScopeTenant, ScopeTable: r.ScopeTable, Name: r.Name, Kind: r.Kind,
		Columns: []string(r.Columns), IncludeCols: []string(r.IncludeCols), Status: Status(r.Status), Version: r.Version,
	}
	if r.Predicate.Valid {
		rec.Predicate = r.Predicate.String
	}
	if r.Improvement.Valid {
		v := r.Improvement.Float64
		rec.Improvement = &v
	}
	return rec
}

// Store persists IndexRecord. Only internal/executor is permitted to
// call its write methods.
type Store struct {
	gw *dbgateway.Gateway
}

// NewStore builds a Store bound to gw.
func NewStore(gw *dbgateway.Gateway) *Store { return &Store{gw: gw} }

// Insert writes a new proposed IndexRecord, returning its id.
func (s *Store) Insert(ctx context.Context, r IndexRecord) (int64, error) {
	var id int64
	row := struct {
		ID int64 `db:"id"`
	}{}
	err := s.gw.Get(ctx, &row, `
		INSERT INTO index_record (scope_tenant, scope_table, name, kind, columns, predicate, include_cols, status, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, r.ScopeTenant, r.ScopeTable, r.Name, r.Kind, pq.Array(r.Columns), nullableString(r.Predicate), pq.Array(r.IncludeCols), string(r.Status), r.Version)
	if err != nil {
		return 0, err
	}
	id = row.ID
	return id, nil
}

// TransitionStatus moves id to newStatus after validating the move is
// legal, the only way index_record.status ever changes.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to Status) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	res, err := s.gw.Exec(ctx, `
		UPDATE index_record SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("transition %s -> %s for record %d: no row matched expected prior status", from, to, id)
	}
	return nil
}

// RecordImprovement stores the measured improvement for id.
func (s *Store) RecordImprovement(ctx context.Context, id int64, improvement float64) error {
	_, err := s.gw.Exec(ctx, `UPDATE index_record SET improvement = $1, updated_at = now() WHERE id = $2`, improvement, id)
	return err
}

// ActiveByScope returns every active IndexRecord for scope, used for the
// "active equivalent already exists" early-exit check and to enforce
// that a scope never carries two duplicate active definitions.
func (s *Store) ActiveByScope(ctx context.Context, scopeTenant, scopeTable string) ([]IndexRecord, error) {
	var rows []recordRow
	err := s.gw.Select(ctx, &rows, `
		SELECT id, scope_tenant, scope_table, name, kind, columns, predicate, include_cols, status, version, improvement
		FROM index_record WHERE scope_tenant = $1 AND scope_table = $2 AND status = 'active'
	`, scopeTenant, scopeTable)
	if err != nil {
		return nil, err
	}
	out := make([]IndexRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// AllActive returns every IndexRecord currently in status=active, used
// by the lifecycle maintainer (C9) to drive reaping, bloat detection,
// and redundancy checks over the fleet.
func (s *Store) AllActive(ctx context.Context) ([]IndexRecord, error) {
	var rows []recordRow
	err := s.gw.Select(ctx, &rows, `
		SELECT id, scope_tenant, scope_table, name, kind, columns, predicate, include_cols, status, version, improvement
		FROM index_record WHERE status = 'active'
	`)
	if err != nil {
		return nil, err
	}
	out := make([]IndexRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toRecord())
	}
	return out, nil
}

// FindByName looks up the current IndexRecord for name, used by the
// `rollback <index>` CLI path which identifies a target by its canonical
// name rather than its numeric id.
func (s *Store) FindByName(ctx context.Context, name string) (IndexRecord, error) {
	var row recordRow
	err := s.gw.Get(ctx, &row, `
		SELECT id, scope_tenant, scope_table, name, kind, columns, predicate, include_cols, status, version, improvement
		FROM index_record WHERE name = $1 ORDER BY version DESC LIMIT 1
	`, name)
	if err != nil {
		return IndexRecord{}, err
	}
	return row.toRecord(), nil
}

// CountActiveByTable reports the current active index count per
// (tenant, table) scope, feeding the constraint layer's per-table cap.
func (s *Store) CountActiveByTable(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		ScopeTenant string `db:"scope_tenant"`
		ScopeTable  string `db:"scope_table"`
		Count       int    `db:"count"`
	}
	err := s.gw.Select(ctx, &rows, `
		SELECT scope_tenant, scope_table, count(*) AS count
		FROM index_record WHERE status = 'active'
		GROUP BY scope_tenant, scope_table
	`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		scope := r.ScopeTable
		if r.ScopeTenant != "" {
			scope = r.ScopeTenant + ":" + r.ScopeTable
		}
		out[scope] = r.Count
	}
	return out, nil
}

// StorageMBByTenant reports on-disk size in MB of every active index,
// summed per tenant, feeding the constraint layer's per-tenant storage
// cap. Indexes with no tenant scope (scope_tenant = '') are excluded —
// the cap is defined per tenant, and fleet-wide indexes have no owner
// to charge it against.
func (s *Store) StorageMBByTenant(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		ScopeTenant string `db:"scope_tenant"`
		MB          int    `db:"mb"`
	}
	err := s.gw.Select(ctx, &rows, `
		SELECT r.scope_tenant, COALESCE(sum(pg_relation_size(quote_ident(r.name)::regclass)), 0)::bigint / (1024*1024) AS mb
		FROM index_record r WHERE r.status = 'active' AND r.scope_tenant <> ''
		GROUP BY r.scope_tenant
	`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.ScopeTenant] = r.MB
	}
	return out, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
