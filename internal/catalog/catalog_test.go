package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/indexwarden/indexwarden/internal/config"
	"github.com/indexwarden/indexwarden/internal/dbgateway"
	"github.com/indexwarden/indexwarden/internal/logging"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func newTestCatalog(t *testing.T) (*Catalog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gw := dbgateway.NewForTest(db, resilience.DefaultRetryConfig())
	log := logging.New(logging.Config{Level: "error"})
	return New(gw, log, config.CatalogConfig{TenantColumn: "tenant_id"}), mock
}

func TestBootstrapIntrospectLiveUpsertsEachColumn(t *testing.T) {
	c, mock := newTestCatalog(t)
	rows := sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}).
		AddRow("orders", "tenant_id", "uuid").
		AddRow("orders", "payload", "json")
	mock.ExpectQuery("SELECT table_name, column_name, data_type").WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO canonical_field").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO canonical_field").WillReturnResult(sqlmock.NewResult(2, 1))

	err := c.Bootstrap(context.Background(), config.CatalogConfig{BootstrapSource: "introspect-live"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBootstrapUnknownSourceErrors(t *testing.T) {
	c, _ := newTestCatalog(t)
	err := c.Bootstrap(context.Background(), config.CatalogConfig{BootstrapSource: "nonsense"})
	assert.Error(t, err)
}

func TestBootstrapLoadFileDecodesYAMLSnapshot(t *testing.T) {
	c, mock := newTestCatalog(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")
	writeTestFile(t, path, `
fields:
  - table: orders
    name: customer_id
    type: uuid
    indexable: true
    tags:
      is_tenant_column: false
`)
	mock.ExpectExec("INSERT INTO canonical_field").WillReturnResult(sqlmock.NewResult(1, 1))

	err := c.Bootstrap(context.Background(), config.CatalogConfig{BootstrapSource: "load-file", SnapshotPath: path})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBootstrapLoadFileRejectsUnknownKeys(t *testing.T) {
	c, _ := newTestCatalog(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.yaml")
	writeTestFile(t, path, `
fields:
  - table: orders
    name: customer_id
    bogus_key: true
`)
	err := c.Bootstrap(context.Background(), config.CatalogConfig{BootstrapSource: "load-file", SnapshotPath: path})
	assert.Error(t, err)
}

func TestIsIndexableTypeExcludesJSONAndXML(t *testing.T) {
	assert.False(t, isIndexableType("json"))
	assert.False(t, isIndexableType("xml"))
	assert.True(t, isIndexableType("uuid"))
	assert.True(t, isIndexableType("integer"))
}

func TestActivateInsertsOnConflictDoNothing(t *testing.T) {
	c, mock := newTestCatalog(t)
	mock.ExpectExec("INSERT INTO tenant_activation").WithArgs("acme", int64(1)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO tenant_activation").WithArgs("acme", int64(2)).WillReturnResult(sqlmock.NewResult(2, 1))

	err := c.Activate(context.Background(), "acme", []int64{1, 2})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivateDeletesActivationRows(t *testing.T) {
	c, mock := newTestCatalog(t)
	mock.ExpectExec("DELETE FROM tenant_activation").WithArgs("acme", int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.Deactivate(context.Background(), "acme", []int64{1})
	require.NoError(t, err)
}

func TestActiveFieldsJoinsTenantActivation(t *testing.T) {
	c, mock := newTestCatalog(t)
	rows := sqlmock.NewRows([]string{"id", "table_name", "name", "type", "indexable", "tags", "created_at"}).
		AddRow(1, "orders", "customer_id", "uuid", true, []byte("{}"), time.Now())
	mock.ExpectQuery("SELECT cf.id, cf.table_name").WithArgs("acme").WillReturnRows(rows)

	fields, err := c.ActiveFields(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "customer_id", fields[0].Name)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}
