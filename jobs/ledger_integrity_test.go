package jobs

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	count int
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.count
	return nil
}

type fakeQuerier struct {
	queries []string
	counts  map[string]int
	err     error
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	q.queries = append(q.queries, sql)
	if q.err != nil {
		return fakeRow{err: q.err}
	}
	for fragment, count := range q.counts {
		if strings.Contains(sql, fragment) {
			return fakeRow{count: count}
		}
	}
	return fakeRow{}
}

func TestLedgerIntegrityRunsAllChecks(t *testing.T) {
	querier := &fakeQuerier{}
	job := &LedgerIntegrity{db: querier, logger: slog.Default()}

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, nil))
	require.NoError(t, err)
	require.Len(t, querier.queries, 5)

	var pieceScan bool
	for _, q := range querier.queries {
		if strings.Contains(q, "GROUP BY tenant_id, period_id, piece_number") {
			pieceScan = true
		}
	}
	require.True(t, pieceScan, "per-piece debit/credit balance scan missing")
}

func TestLedgerIntegrityReportsUnbalancedPieces(t *testing.T) {
	querier := &fakeQuerier{counts: map[string]int{"GROUP BY tenant_id, period_id, piece_number": 2}}
	job := &LedgerIntegrity{db: querier, logger: slog.Default()}

	// Anomalies are logged and counted, never turned into task failures.
	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, nil))
	require.NoError(t, err)
}

func TestLedgerIntegrityPropagatesQueryFailure(t *testing.T) {
	boom := errors.New("connection reset")
	querier := &fakeQuerier{err: boom}
	job := &LedgerIntegrity{db: querier, logger: slog.Default()}

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerIntegrity, nil))
	require.ErrorIs(t, err, boom)
}
