package treasury

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/shared"
)

// Tracker applies atomic balance mutations on treasury accounts. Methods
// run on the caller's Queryer so the mutation commits with the stage
// transition that caused it.
type Tracker struct {
	logger *slog.Logger
}

// NewTracker constructs the tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logger}
}

const accountColumns = `id, tenant_id, code, name, balance, created_at, updated_at`

// Debit decreases the account balance for an outgoing payment. Overdraft is
// a policy decision, not a model constraint; it is allowed and logged.
func (t *Tracker) Debit(ctx context.Context, q db.Queryer, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error {
	return t.apply(ctx, q, tenantID, accountID, amount, DirectionDebit, operationType, sourceRef)
}

// Credit increases the account balance for a receipt or a cancelled payment.
func (t *Tracker) Credit(ctx context.Context, q db.Queryer, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error {
	return t.apply(ctx, q, tenantID, accountID, amount, DirectionCredit, operationType, sourceRef)
}

func (t *Tracker) apply(ctx context.Context, q db.Queryer, tenantID, accountID int64, amount float64, direction Direction, operationType string, sourceRef uuid.UUID) error {
	if amount <= 0 {
		return shared.NewValidationError("amount", "must be positive")
	}
	if operationType == "" || sourceRef == uuid.Nil {
		return shared.NewValidationError("source", "operation type and source reference required")
	}
	account, err := t.lockAccount(ctx, q, tenantID, accountID)
	if err != nil {
		return err
	}
	delta := amount
	if direction == DirectionDebit {
		delta = -amount
	}
	if account.Balance+delta < 0 && t.logger != nil {
		t.logger.Warn("treasury account overdrawn",
			slog.Int64("account_id", accountID),
			slog.Float64("balance", account.Balance+delta))
	}
	if _, err := q.Exec(ctx, `UPDATE treasury_accounts SET balance = balance + $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, accountID, toNumeric(delta)); err != nil {
		return err
	}
	_, err = q.Exec(ctx, `INSERT INTO treasury_operations (tenant_id, account_id, direction, amount, operation_type, source_ref)
VALUES ($1,$2,$3,$4,$5,$6)`, tenantID, accountID, direction, toNumeric(amount), operationType, sourceRef)
	return err
}

func (t *Tracker) lockAccount(ctx context.Context, q db.Queryer, tenantID, accountID int64) (Account, error) {
	row := q.QueryRow(ctx, `SELECT `+accountColumns+` FROM treasury_accounts WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, accountID)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("treasury account %d: %w", accountID, shared.ErrNotFound)
		}
		return Account{}, err
	}
	return account, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func toNumeric(v float64) any {
	return fmt.Sprintf("%.2f", v)
}
