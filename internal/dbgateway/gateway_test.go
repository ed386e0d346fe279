package dbgateway

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	idxerrors "github.com/indexwarden/indexwarden/internal/errors"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

func newTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewForTest(db, resilience.DefaultRetryConfig()), mock
}

func TestGatewayPing(t *testing.T) {
	gw, mock := newTestGateway(t)
	mock.ExpectPing()
	assert.NoError(t, gw.Ping(context.Background()))
}

func TestGatewayExecClassifiesFatalError(t *testing.T) {
	gw, mock := newTestGateway(t)
	mock.ExpectExec("DROP TABLE").WillReturnError(&pq.Error{Code: "42P01", Message: "undefined_table"})

	_, err := gw.Exec(context.Background(), "DROP TABLE missing")
	require.Error(t, err)
	var fatal *idxerrors.FatalDbError
	assert.True(t, stderrors.As(err, &fatal))
}

func TestGatewaySelectScansRows(t *testing.T) {
	gw, mock := newTestGateway(t)
	rows := sqlmock.NewRows([]string{"name"}).AddRow("orders").AddRow("customers")
	mock.ExpectQuery("SELECT name FROM tables").WillReturnRows(rows)

	var out []struct {
		Name string `db:"name"`
	}
	require.NoError(t, gw.Select(context.Background(), &out, "SELECT name FROM tables"))
	assert.Len(t, out, 2)
	assert.Equal(t, "orders", out[0].Name)
}

func TestGatewayGetNoRowsIsNotFatal(t *testing.T) {
	gw, mock := newTestGateway(t)
	mock.ExpectQuery(`SELECT name FROM tables WHERE id = \$1`).WillReturnRows(sqlmock.NewRows([]string{"name"}))

	var out struct {
		Name string `db:"name"`
	}
	err := gw.Get(context.Background(), &out, "SELECT name FROM tables WHERE id = $1", 1)
	require.Error(t, err)
	var fatal *idxerrors.FatalDbError
	assert.False(t, stderrors.As(err, &fatal), "sql.ErrNoRows should not be classified as a fatal driver error")
}

func TestGatewayRunAutocommitUsesBareConnection(t *testing.T) {
	gw, mock := newTestGateway(t)
	mock.ExpectExec("CREATE INDEX CONCURRENTLY").WillReturnResult(sqlmock.NewResult(0, 0))

	err := gw.RunAutocommit(context.Background(), "CREATE INDEX CONCURRENTLY idx_orders_customer_id ON orders (customer_id)")
	assert.NoError(t, err)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"orders"`, QuoteIdent("orders"))
}
