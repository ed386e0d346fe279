package executor

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	return NewStore(gw), mock
}

func TestStoreInsertReturnsID(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("INSERT INTO index_record").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := s.Insert(context.Background(), IndexRecord{
		ScopeTenant: "acme", ScopeTable: "orders", Name: "idx_orders_customer_id", Kind: "btree",
		Columns: []string{"customer_id"}, Status: StatusProposed, Version: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestStoreTransitionStatusNoRowMatched(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE index_record SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.TransitionStatus(context.Background(), 1, StatusProposed, StatusBuilding)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no row matched expected prior status")
}

func TestStoreTransitionStatusRejectsIllegalMove(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.TransitionStatus(context.Background(), 1, StatusRolledBack, StatusActive)
	require.Error(t, err)
}

func TestStoreCountActiveByTableKeysByTenantTable(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"scope_tenant", "scope_table", "count"}).
		AddRow("acme", "orders", 3).
		AddRow("", "global_settings", 1)
	mock.ExpectQuery("SELECT scope_tenant, scope_table, count").WillReturnRows(rows)

	out, err := s.CountActiveByTable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out["acme:orders"])
	assert.Equal(t, 1, out["global_settings"])
}

func TestStoreStorageMBByTenantExcludesUntenantedRows(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"scope_tenant", "mb"}).AddRow("acme", 128)
	mock.ExpectQuery("SELECT r.scope_tenant, COALESCE").WillReturnRows(rows)

	out, err := s.StorageMBByTenant(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 128, out["acme"])
	assert.Len(t, out, 1)
}

func TestStoreFindByNameReturnsLatestVersion(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"id", "scope_tenant", "scope_table", "name", "kind", "columns", "predicate", "include_cols", "status", "version", "improvement"}).
		AddRow(7, "acme", "orders", "idx_orders_customer_id", "btree", "{customer_id}", nil, "{}", "active", 2, nil)
	mock.ExpectQuery("SELECT id, scope_tenant").WillReturnRows(rows)

	rec, err := s.FindByName(context.Background(), "idx_orders_customer_id")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ID)
	assert.Equal(t, 2, rec.Version)
}
