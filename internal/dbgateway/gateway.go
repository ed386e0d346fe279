// Package dbgateway is indexwarden's connection pool and typed database
// gateway (C1): it owns the only *sql.DB in the process, classifies
// driver errors into the taxonomy in internal/errors, and never returns
// duck-typed rows — every query result is scanned into a typed struct
// via sqlx.
package dbgateway

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/indexwarden/indexwarden/internal/config"
	idxerrors "github.com/indexwarden/indexwarden/internal/errors"
	"github.com/indexwarden/indexwarden/internal/resilience"
)

// Gateway wraps a pooled *sqlx.DB with parameter-bound access and a
// dedicated autocommit path for CONCURRENTLY-class DDL.
type Gateway struct {
	db          *sqlx.DB
	retry       resilience.RetryConfig
	shuttingDown func() bool
}

// Open connects and configures pool sizing per cfg, mirroring
// services/indexer/storage.go's SetMaxOpenConns/SetMaxIdleConns/
// SetConnMaxLifetime pattern.
func Open(ctx context.Context, cfg config.DatabaseConfig, retry resilience.RetryConfig) (*Gateway, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, &idxerrors.FatalDbError{Op: "open", Err: err}
	}

	sqlDB.SetMaxOpenConns(cfg.PoolMax)
	sqlDB.SetMaxIdleConns(cfg.PoolMin)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		return nil, classify("open", err)
	}

	return &Gateway{
		db:    sqlx.NewDb(sqlDB, "postgres"),
		retry: retry,
	}, nil
}

// NewForTest wraps an already-open *sql.DB (typically a go-sqlmock
// connection) in a Gateway, bypassing Open's real-network dial. Exported
// for other packages' tests that need a Gateway over a mocked driver.
func NewForTest(db *sql.DB, retry resilience.RetryConfig) *Gateway {
	return &Gateway{db: sqlx.NewDb(db, "postgres"), retry: retry}
}

// SetShutdownCheck lets the supervisor mark the gateway as draining, so
// connection-closed errors downgrade to ShutdownInProgress instead of
// FatalDbError.
func (g *Gateway) SetShutdownCheck(fn func() bool) { g.shuttingDown = fn }

// Ping checks liveness within the given deadline (C13 liveness probe).
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the pool.
func (g *Gateway) Close() error { return g.db.Close() }

// DB exposes the underlying *sqlx.DB for packages (catalog, lineage)
// that need sqlx's NamedExec/struct-scan helpers directly.
func (g *Gateway) DB() *sqlx.DB { return g.db }

// QuoteIdent quotes a Postgres identifier, the only sanctioned path for
// table/column names that cannot be parameter-bound. Never use this for
// values.
func QuoteIdent(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// Exec runs a parameter-bound statement with retry-on-transient.
func (g *Gateway) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		res, err := g.db.ExecContext(ctx, query, args...)
		if err != nil {
			return classify("exec", err)
		}
		result = res
		return nil
	})
	return result, g.downgradeShutdown(err)
}

// Select scans multiple rows into dest (a pointer to a slice of structs).
func (g *Gateway) Select(ctx context.Context, dest any, query string, args ...any) error {
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		if err := g.db.SelectContext(ctx, dest, query, args...); err != nil {
			return classify("select", err)
		}
		return nil
	})
	return g.downgradeShutdown(err)
}

// Get scans a single row into dest (a pointer to a struct).
func (g *Gateway) Get(ctx context.Context, dest any, query string, args ...any) error {
	err := resilience.Retry(ctx, g.retry, func(ctx context.Context) error {
		if err := g.db.GetContext(ctx, dest, query, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return backoffPermanentNoRows(err)
			}
			return classify("get", err)
		}
		return nil
	})
	return g.downgradeShutdown(err)
}

// backoffPermanentNoRows keeps sql.ErrNoRows from being misclassified as
// transient — it is neither; callers check errors.Is(err, sql.ErrNoRows)
// directly.
func backoffPermanentNoRows(err error) error { return err }

// RunAutocommit issues sql on a single bare connection with no
// transaction wrapper, the only way Postgres accepts CREATE/DROP/REINDEX
// INDEX CONCURRENTLY.
func (g *Gateway) RunAutocommit(ctx context.Context, sql string) error {
	conn, err := g.db.Connx(ctx)
	if err != nil {
		return g.downgradeShutdown(classify("autocommit-conn", err))
	}
	defer conn.Close()

	_, err = conn.ExecContext(ctx, sql)
	if err != nil {
		return g.downgradeShutdown(classify("autocommit-exec", err))
	}
	return nil
}

// transientCodes are pq.Error.Code values treated as retryable.
var transientCodes = map[string]bool{
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57014": true, // query_canceled
	"53300": true, // too_many_connections
}

// fatalCodes are pq.Error.Code values never worth retrying.
var fatalCodes = map[string]bool{
	"42501": true, // insufficient_privilege
	"3D000": true, // invalid_catalog_name
	"42P01": true, // undefined_table
	"42703": true, // undefined_column
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if transientCodes[code] {
			return &idxerrors.TransientDbError{Op: op, Err: err}
		}
		if fatalCodes[code] {
			return &idxerrors.FatalDbError{Op: op, Err: err}
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") || errors.Is(err, context.DeadlineExceeded) {
		return &idxerrors.TransientDbError{Op: op, Err: err}
	}
	return &idxerrors.FatalDbError{Op: op, Err: err}
}

func (g *Gateway) downgradeShutdown(err error) error {
	if err == nil {
		return nil
	}
	if g.shuttingDown != nil && g.shuttingDown() &&
		(errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrConnDone)) {
		return idxerrors.ErrShutdownInProgress
	}
	return err
}

// QueryStatsRow is a typed row for the query_stats table.
type QueryStatsRow struct {
	ID            int64     `db:"id"`
	Ts            time.Time `db:"ts"`
	Tenant        sql.NullString `db:"tenant"`
	TableName     string    `db:"table_name"`
	Field         string    `db:"field"`
	Shape         string    `db:"shape"`
	DurationMs    float64   `db:"duration_ms"`
	RowsEstimate  int64     `db:"rows_estimate"`
	Fingerprint   sql.NullString `db:"fingerprint"`
}
