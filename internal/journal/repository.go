package journal

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository serves read access to the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListByPiece returns the lines of one piece in line order.
func (r *Repository) ListByPiece(ctx context.Context, tenantID, periodID, pieceNumber int64) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE tenant_id=$1 AND period_id=$2 AND piece_number=$3 ORDER BY line_number`, tenantID, periodID, pieceNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListBySource returns every entry referencing a source document,
// compensating entries included.
func (r *Repository) ListBySource(ctx context.Context, tenantID int64, sourceRef uuid.UUID) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE tenant_id=$1 AND source_ref=$2 ORDER BY id`, tenantID, sourceRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListRecent returns the latest entries of a period, newest first.
func (r *Repository) ListRecent(ctx context.Context, tenantID, periodID int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE tenant_id=$1 AND period_id=$2 ORDER BY piece_number DESC, line_number DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.PeriodID, &e.PieceNumber, &e.LineNumber, &e.Date, &e.OperationType, &e.SourceRef,
			&e.DebitAccountID, &e.CreditAccountID, &e.Amount, &e.Label, &e.RuleID, &e.ReversalOf, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
