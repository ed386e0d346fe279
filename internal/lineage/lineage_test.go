package lineage

import (
	"context"
	"testing"
	"time"

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
	return New(gw), mock
}

func TestRecordMutationAssignsSeqAndInserts(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO scope_sequence").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT next_seq FROM scope_sequence").WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE scope_sequence SET next_seq").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO mutation_event").WithArgs(
		nil, "acme:orders", int64(3), "engine", "create", "active",
		sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "built it",
	).WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordMutation(context.Background(), MutationEvent{
		Scope: "acme:orders", Actor: "engine", Kind: "create", Status: "active", Explanation: "built it",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAlgorithmUsageMarshalsOutput(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO algorithm_usage").WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordAlgorithmUsage(context.Background(), AlgorithmUsageEntry{
		Algorithm: "heuristic", Scope: "acme:orders", InputHash: "abc", Output: map[string]any{"score": 0.9},
	})
	require.NoError(t, err)
}

func TestTimelineOrdersBySeq(t *testing.T) {
	s, mock := newTestStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "index_ref", "scope", "ts", "seq", "actor", "kind", "status", "rationale_json", "before_summary", "after_summary", "improvement", "explanation"}).
		AddRow(1, int64(7), "acme:orders", now, 1, "engine", "create", "active", []byte("{}"), nil, nil, nil, "built").
		AddRow(2, int64(7), "acme:orders", now, 2, "operator", "rollback", "rolled-back", []byte("{}"), nil, nil, nil, "manual rollback")
	mock.ExpectQuery("SELECT id, index_ref, scope, ts, seq").WithArgs(int64(7)).WillReturnRows(rows)

	events, err := s.Timeline(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, "rollback", events[1].Kind)
}

func TestExplainDecodesRationale(t *testing.T) {
	s, mock := newTestStore(t)
	rows := sqlmock.NewRows([]string{"id", "index_ref", "scope", "ts", "seq", "actor", "kind", "status", "rationale_json", "before_summary", "after_summary", "improvement", "explanation"}).
		AddRow(5, int64(7), "acme:orders", time.Now(), 1, "engine", "create", "active", []byte(`{"heuristic_score":0.8}`), nil, nil, nil, "built")
	mock.ExpectQuery("SELECT id, index_ref, scope, ts, seq").WithArgs(int64(5)).WillReturnRows(rows)

	ev, err := s.Explain(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 0.8, ev.Rationale["heuristic_score"])
}
