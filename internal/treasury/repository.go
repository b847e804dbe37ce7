package treasury

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// Repository serves reads and reconciliation metadata updates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get loads one treasury account.
func (r *Repository) Get(ctx context.Context, tenantID, accountID int64) (Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM treasury_accounts WHERE tenant_id=$1 AND id=$2`, tenantID, accountID)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, shared.ErrNotFound
		}
		return Account{}, err
	}
	return account, nil
}

// List returns the tenant's treasury accounts ordered by code.
func (r *Repository) List(ctx context.Context, tenantID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM treasury_accounts WHERE tenant_id=$1 ORDER BY code`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// ListOperations returns the operations of one account, newest first.
func (r *Repository) ListOperations(ctx context.Context, tenantID, accountID int64, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT id, tenant_id, account_id, direction, amount, operation_type, source_ref, reconciled, reconciled_at, created_at
FROM treasury_operations WHERE tenant_id=$1 AND account_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ops []Operation
	for rows.Next() {
		var op Operation
		if err := rows.Scan(&op.ID, &op.TenantID, &op.AccountID, &op.Direction, &op.Amount, &op.OperationType, &op.SourceRef, &op.Reconciled, &op.ReconciledAt, &op.CreatedAt); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Reconcile marks a batch of operations as matched against a bank
// statement. Metadata only; balances are untouched.
func (r *Repository) Reconcile(ctx context.Context, tenantID int64, operationIDs []int64) error {
	if len(operationIDs) == 0 {
		return shared.NewValidationError("operation_ids", "at least one required")
	}
	cmd, err := r.pool.Exec(ctx, `UPDATE treasury_operations SET reconciled = TRUE, reconciled_at = NOW()
WHERE tenant_id=$1 AND id = ANY($2) AND reconciled = FALSE`, tenantID, operationIDs)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}
