package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/fiducia-app/fiducia/internal/jobs"
)

// rowQuerier is the slice of the pool the integrity scan needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// LedgerIntegrity scans for inconsistencies the write path should make
// impossible: dangling reversal links, pieces whose debit and credit totals
// diverge, budget buckets gone negative or over-consumed lines, and expenses
// paid beyond their amount. Findings are logged and counted, never repaired
// automatically.
type LedgerIntegrity struct {
	db      rowQuerier
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLedgerIntegrity constructs the integrity scan handler.
func NewLedgerIntegrity(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrity {
	return &LedgerIntegrity{db: pool, logger: logger, metrics: metrics}
}

// Handle processes TaskLedgerIntegrity tasks.
func (j *LedgerIntegrity) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("ledger_integrity")
	checks := []struct {
		name  string
		query string
	}{
		{
			name:  "dangling_reversal",
			query: `SELECT COUNT(*) FROM journal_entries e WHERE e.reversal_of IS NOT NULL AND NOT EXISTS (SELECT 1 FROM journal_entries o WHERE o.id = e.reversal_of)`,
		},
		{
			// Each entry carries both legs, so these sums only diverge
			// through manual edits. Empty or nonpositive pieces count too.
			name: "unbalanced_piece",
			query: `SELECT COUNT(*) FROM (
SELECT tenant_id, period_id, piece_number
FROM (
	SELECT tenant_id, period_id, piece_number, amount AS debit, 0::numeric AS credit FROM journal_entries
	UNION ALL
	SELECT tenant_id, period_id, piece_number, 0::numeric AS debit, amount AS credit FROM journal_entries
) legs
GROUP BY tenant_id, period_id, piece_number
HAVING COALESCE(SUM(debit), 0) <> COALESCE(SUM(credit), 0) OR COALESCE(SUM(debit), 0) <= 0
) unbalanced`,
		},
		{
			name:  "negative_bucket",
			query: `SELECT COUNT(*) FROM budget_lines WHERE reserved < 0 OR engaged < 0 OR paid < 0`,
		},
		{
			name:  "overconsumed_line",
			query: `SELECT COUNT(*) FROM budget_lines WHERE modified - reserved - engaged < 0`,
		},
		{
			name:  "overpaid_expense",
			query: `SELECT COUNT(*) FROM expenses WHERE amount_paid > amount`,
		},
	}

	total := 0
	for _, check := range checks {
		var count int
		if err := j.db.QueryRow(ctx, check.query).Scan(&count); err != nil {
			return tracker.End(fmt.Errorf("jobs: integrity check %s: %w", check.name, err))
		}
		if count > 0 {
			j.logger.Error("ledger integrity violation",
				slog.String("check", check.name),
				slog.Int("count", count))
			j.metrics.AddAnomalies(check.name, count)
			total += count
		}
	}
	if total == 0 {
		j.logger.Info("ledger integrity check passed")
	}
	return tracker.End(nil)
}
