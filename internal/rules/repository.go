package rules

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// Repository persists accounting rules.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const ruleColumns = `id, tenant_id, operation_type, ordre, active, debit_account_id, credit_account_id, conditions, created_at, updated_at`

// ListActive returns the active rules for an operation type in evaluation
// order. Resolution is read-only, so this runs on the pool outside any
// stage-transition lock.
func (r *Repository) ListActive(ctx context.Context, tenantID int64, operationType string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM accounting_rules
WHERE tenant_id=$1 AND operation_type=$2 AND active ORDER BY ordre, id`, tenantID, operationType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// List returns all rules of a tenant, optionally filtered by operation type.
func (r *Repository) List(ctx context.Context, tenantID int64, operationType string) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM accounting_rules WHERE tenant_id=$1 ORDER BY operation_type, ordre, id`
	args := []any{tenantID}
	if operationType != "" {
		query = `SELECT ` + ruleColumns + ` FROM accounting_rules WHERE tenant_id=$1 AND operation_type=$2 ORDER BY ordre, id`
		args = append(args, operationType)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRules(rows)
}

// Create inserts a validated rule at the end of its operation type order.
func (r *Repository) Create(ctx context.Context, rule Rule) (Rule, error) {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return Rule{}, err
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO accounting_rules (tenant_id, operation_type, ordre, active, debit_account_id, credit_account_id, conditions)
VALUES ($1, $2, COALESCE((SELECT MAX(ordre)+1 FROM accounting_rules WHERE tenant_id=$1 AND operation_type=$2), 1), $3, $4, $5, $6)
RETURNING id, ordre, created_at, updated_at`,
		rule.TenantID, rule.OperationType, rule.Active, rule.DebitAccountID, rule.CreditAccountID, conditions)
	if err := row.Scan(&rule.ID, &rule.Ordre, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

// Update rewrites an existing rule's accounts, conditions and active flag.
func (r *Repository) Update(ctx context.Context, rule Rule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	cmd, err := r.pool.Exec(ctx, `UPDATE accounting_rules SET active=$3, debit_account_id=$4, credit_account_id=$5, conditions=$6, updated_at=NOW()
WHERE tenant_id=$1 AND id=$2`, rule.TenantID, rule.ID, rule.Active, rule.DebitAccountID, rule.CreditAccountID, conditions)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Deactivate flips a rule out of the active evaluation set.
func (r *Repository) Deactivate(ctx context.Context, tenantID, id int64) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE accounting_rules SET active=FALSE, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Reorder rewrites the ordre column for an operation type in one
// transaction. Partial application is not acceptable: the id list must
// cover exactly the tenant's rules for that operation type.
func (r *Repository) Reorder(ctx context.Context, tenantID int64, operationType string, orderedIDs []int64) error {
	if len(orderedIDs) == 0 {
		return shared.NewValidationError("rule_ids", "at least one required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounting_rules WHERE tenant_id=$1 AND operation_type=$2`, tenantID, operationType).Scan(&count); err != nil {
		return err
	}
	if count != len(orderedIDs) {
		return shared.NewValidationError("rule_ids", fmt.Sprintf("expected %d ids, got %d", count, len(orderedIDs)))
	}
	for idx, id := range orderedIDs {
		cmd, err := tx.Exec(ctx, `UPDATE accounting_rules SET ordre=$4, updated_at=NOW() WHERE tenant_id=$1 AND operation_type=$2 AND id=$3`,
			tenantID, operationType, id, idx+1)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return fmt.Errorf("rule %d: %w", id, shared.ErrNotFound)
		}
	}
	return tx.Commit(ctx)
}

func collectRules(rows pgx.Rows) ([]Rule, error) {
	var out []Rule
	for rows.Next() {
		var rule Rule
		var conditions []byte
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.OperationType, &rule.Ordre, &rule.Active,
			&rule.DebitAccountID, &rule.CreditAccountID, &conditions, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
				return nil, fmt.Errorf("rule %d: decode conditions: %w", rule.ID, err)
			}
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
