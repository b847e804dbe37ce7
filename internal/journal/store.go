package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/shared"
)

// piecePrefix keys the per tenant+period piece counter in the sequences
// table. Pieces are plain integers, not formatted document numbers.
const piecePrefix = "PCE"

// Store appends entries inside the caller's transaction.
type Store struct{}

// NewStore constructs the store.
func NewStore() *Store {
	return &Store{}
}

const entryColumns = `id, tenant_id, period_id, piece_number, line_number, entry_date, operation_type, source_ref, debit_account_id, credit_account_id, amount, label, rule_id, reversal_of, created_at`

// Post allocates the next piece number for the tenant and period and
// appends one balanced entry as its first line. A duplicate posting for
// the same (operationType, sourceRef) is rejected. Only original lines
// count as duplicates; compensating lines written by Reverse carry the
// same pair and must stay insertable.
func (s *Store) Post(ctx context.Context, q db.Queryer, in PostingInput) (Entry, error) {
	if err := in.Validate(); err != nil {
		return Entry{}, err
	}
	var posted bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM journal_entries
WHERE tenant_id=$1 AND operation_type=$2 AND source_ref=$3 AND reversal_of IS NULL)`,
		in.TenantID, in.OperationType, in.SourceRef).Scan(&posted)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: posted check: %w", err)
	}
	if posted {
		return Entry{}, ErrAlreadyPosted
	}
	piece, err := s.nextPiece(ctx, q, in.TenantID, in.PeriodID)
	if err != nil {
		return Entry{}, err
	}
	return s.insert(ctx, q, Entry{
		TenantID:        in.TenantID,
		PeriodID:        in.PeriodID,
		PieceNumber:     piece,
		Date:            in.Date,
		OperationType:   in.OperationType,
		SourceRef:       in.SourceRef,
		DebitAccountID:  in.DebitAccountID,
		CreditAccountID: in.CreditAccountID,
		Amount:          in.Amount,
		Label:           in.Label,
		RuleID:          in.RuleID,
	})
}

// Reverse appends compensating entries for every line previously posted
// for (operationType, sourceRef), in the same piece with swapped accounts.
// Cancelled operations keep their original postings untouched.
func (s *Store) Reverse(ctx context.Context, q db.Queryer, tenantID int64, operationType string, sourceRef uuid.UUID, reason string, date time.Time) ([]Entry, error) {
	if reason == "" {
		return nil, shared.NewValidationError("reason", "required")
	}
	originals, err := s.listSource(ctx, q, tenantID, operationType, sourceRef)
	if err != nil {
		return nil, err
	}
	if len(originals) == 0 {
		return nil, fmt.Errorf("journal source %s: %w", sourceRef, shared.ErrNotFound)
	}
	for _, entry := range originals {
		if entry.ReversalOf != nil {
			return nil, ErrAlreadyReversed
		}
	}
	var out []Entry
	for _, original := range originals {
		label := fmt.Sprintf("Annulation %s: %s", original.Label, reason)
		inserted, err := s.insert(ctx, q, compensating(original, label, date))
		if err != nil {
			return nil, err
		}
		out = append(out, inserted)
	}
	return out, nil
}

func (s *Store) insert(ctx context.Context, q db.Queryer, e Entry) (Entry, error) {
	row := q.QueryRow(ctx, `INSERT INTO journal_entries
(tenant_id, period_id, piece_number, line_number, entry_date, operation_type, source_ref, debit_account_id, credit_account_id, amount, label, rule_id, reversal_of)
VALUES ($1, $2, $3,
	(SELECT COALESCE(MAX(line_number), 0) + 1 FROM journal_entries WHERE tenant_id=$1 AND period_id=$2 AND piece_number=$3),
	$4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id, line_number, created_at`,
		e.TenantID, e.PeriodID, e.PieceNumber, e.Date, e.OperationType, e.SourceRef,
		e.DebitAccountID, e.CreditAccountID, toNumeric(e.Amount), e.Label, e.RuleID, e.ReversalOf)
	if err := row.Scan(&e.ID, &e.LineNumber, &e.CreatedAt); err != nil {
		// Partial unique index on (tenant_id, operation_type, source_ref)
		// WHERE reversal_of IS NULL backs the in-tx guard against races.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, ErrAlreadyPosted
		}
		return Entry{}, err
	}
	return e, nil
}

func (s *Store) nextPiece(ctx context.Context, q db.Queryer, tenantID, periodID int64) (int64, error) {
	var piece int64
	err := q.QueryRow(ctx, `INSERT INTO sequences (tenant_id, period_id, prefix, next_value)
VALUES ($1, $2, $3, 2)
ON CONFLICT (tenant_id, period_id, prefix)
DO UPDATE SET next_value = sequences.next_value + 1
RETURNING next_value - 1`, tenantID, periodID, piecePrefix).Scan(&piece)
	if err != nil {
		return 0, fmt.Errorf("journal: next piece: %w", err)
	}
	return piece, nil
}

func (s *Store) listSource(ctx context.Context, q db.Queryer, tenantID int64, operationType string, sourceRef uuid.UUID) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE tenant_id=$1 AND operation_type=$2 AND source_ref=$3 ORDER BY id`, tenantID, operationType, sourceRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func toNumeric(v float64) any {
	return fmt.Sprintf("%.2f", v)
}
