package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiducia-app/fiducia/internal/budget"
	"github.com/fiducia-app/fiducia/internal/journal"
	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/shared"
	"github.com/fiducia-app/fiducia/internal/treasury"
)

// Repository is the PostgreSQL implementation of RepositoryPort. Stage
// transitions run through WithTx, which hands the service a txRepo bound to
// one Serializable transaction.
type Repository struct {
	pool     *pgxpool.Pool
	budget   *budget.Tracker
	treasury *treasury.Tracker
	journal  *journal.Store
}

// NewRepository wires the repository with the trackers and the ledger store.
func NewRepository(pool *pgxpool.Pool, budgetTracker *budget.Tracker, treasuryTracker *treasury.Tracker, journalStore *journal.Store) *Repository {
	return &Repository{pool: pool, budget: budgetTracker, treasury: treasuryTracker, journal: journalStore}
}

// WithTx runs fn inside a Serializable transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, repo: r})
	})
}

const reservationColumns = `id, tenant_id, period_id, ref, number, budget_line_id, amount, label, notes, status, expires_at, cancel_reason, created_at, updated_at`
const engagementColumns = `id, tenant_id, period_id, ref, number, budget_line_id, reservation_id, amount, label, notes, status, cancel_reason, created_at, updated_at`
const orderColumns = `id, tenant_id, period_id, ref, number, engagement_id, amount, label, status, received_at, cancel_reason, created_at, updated_at`
const invoiceColumns = `id, tenant_id, period_id, ref, number, order_id, engagement_id, amount_excl_tax, amount_tax, amount_incl, amount_paid, label, status, cancel_reason, created_at, updated_at`
const expenseColumns = `id, tenant_id, period_id, ref, number, engagement_id, reservation_id, budget_line_id, amount, amount_paid, label, status, cancel_reason, created_at, updated_at`
const paymentColumns = `id, tenant_id, period_id, ref, number, expense_id, treasury_account_id, mode, amount, status, cancel_reason, created_at, updated_at`
const receiptColumns = `id, tenant_id, period_id, ref, number, treasury_account_id, amount, label, status, cancel_reason, created_at, updated_at`

func scanReservation(row pgx.Row) (Reservation, error) {
	var v Reservation
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.BudgetLineID, &v.Amount, &v.Label, &v.Notes, &v.Status, &v.ExpiresAt, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func scanEngagement(row pgx.Row) (Engagement, error) {
	var v Engagement
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.BudgetLineID, &v.ReservationID, &v.Amount, &v.Label, &v.Notes, &v.Status, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func scanOrder(row pgx.Row) (Order, error) {
	var v Order
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.EngagementID, &v.Amount, &v.Label, &v.Status, &v.ReceivedAt, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func scanInvoice(row pgx.Row) (Invoice, error) {
	var v Invoice
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.OrderID, &v.EngagementID, &v.AmountExclTax, &v.AmountTax, &v.AmountIncl, &v.AmountPaid, &v.Label, &v.Status, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func scanExpense(row pgx.Row) (Expense, error) {
	var v Expense
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.EngagementID, &v.ReservationID, &v.BudgetLineID, &v.Amount, &v.AmountPaid, &v.Label, &v.Status, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func scanPayment(row pgx.Row) (Payment, error) {
	var v Payment
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.ExpenseID, &v.TreasuryAccountID, &v.Mode, &v.Amount, &v.Status, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func scanReceipt(row pgx.Row) (Receipt, error) {
	var v Receipt
	err := row.Scan(&v.ID, &v.TenantID, &v.PeriodID, &v.Ref, &v.Number, &v.TreasuryAccountID, &v.Amount, &v.Label, &v.Status, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	return v, err
}

func notFound(entity string, id int64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", entity, id, shared.ErrNotFound)
	}
	return err
}

// GetReservation loads one reservation.
func (r *Repository) GetReservation(ctx context.Context, tenantID, id int64) (Reservation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanReservation(row)
	if err != nil {
		return Reservation{}, notFound("reservation", id, err)
	}
	return v, nil
}

// GetEngagement loads one engagement.
func (r *Repository) GetEngagement(ctx context.Context, tenantID, id int64) (Engagement, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanEngagement(row)
	if err != nil {
		return Engagement{}, notFound("engagement", id, err)
	}
	return v, nil
}

// GetOrder loads one purchase order.
func (r *Repository) GetOrder(ctx context.Context, tenantID, id int64) (Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanOrder(row)
	if err != nil {
		return Order{}, notFound("purchase order", id, err)
	}
	return v, nil
}

// GetInvoice loads one invoice.
func (r *Repository) GetInvoice(ctx context.Context, tenantID, id int64) (Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanInvoice(row)
	if err != nil {
		return Invoice{}, notFound("invoice", id, err)
	}
	return v, nil
}

// GetExpense loads one expense.
func (r *Repository) GetExpense(ctx context.Context, tenantID, id int64) (Expense, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanExpense(row)
	if err != nil {
		return Expense{}, notFound("expense", id, err)
	}
	return v, nil
}

// GetPayment loads one payment.
func (r *Repository) GetPayment(ctx context.Context, tenantID, id int64) (Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanPayment(row)
	if err != nil {
		return Payment{}, notFound("payment", id, err)
	}
	return v, nil
}

// GetReceipt loads one receipt.
func (r *Repository) GetReceipt(ctx context.Context, tenantID, id int64) (Receipt, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	v, err := scanReceipt(row)
	if err != nil {
		return Receipt{}, notFound("receipt", id, err)
	}
	return v, nil
}

// ListReservations returns recent reservations for the period.
func (r *Repository) ListReservations(ctx context.Context, tenantID, periodID int64, limit int) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanReservation)
}

// ListEngagements returns recent engagements for the period.
func (r *Repository) ListEngagements(ctx context.Context, tenantID, periodID int64, limit int) ([]Engagement, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanEngagement)
}

// ListOrders returns recent purchase orders for the period.
func (r *Repository) ListOrders(ctx context.Context, tenantID, periodID int64, limit int) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanOrder)
}

// ListInvoices returns recent invoices for the period.
func (r *Repository) ListInvoices(ctx context.Context, tenantID, periodID int64, limit int) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanInvoice)
}

// ListExpenses returns recent expenses for the period.
func (r *Repository) ListExpenses(ctx context.Context, tenantID, periodID int64, limit int) ([]Expense, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanExpense)
}

// ListPayments returns recent payments for the period.
func (r *Repository) ListPayments(ctx context.Context, tenantID, periodID int64, limit int) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanPayment)
}

// ListReceipts returns recent receipts for the period.
func (r *Repository) ListReceipts(ctx context.Context, tenantID, periodID int64, limit int) ([]Receipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=$1 AND period_id=$2 ORDER BY id DESC LIMIT $3`, tenantID, periodID, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanReceipt)
}

// ExpiredReservations lists active reservations whose expiry passed, across
// all tenants. The sweep job expires each one in its own transaction.
func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE status=$1 AND expires_at IS NOT NULL AND expires_at < $2 ORDER BY expires_at LIMIT $3`,
		ReservationActive, now, limit)
	if err != nil {
		return nil, err
	}
	return collectRows(rows, scanReservation)
}

// LineStats aggregates non-cancelled documents per stage on one line.
func (r *Repository) LineStats(ctx context.Context, tenantID, lineID int64) (LineStats, error) {
	stats := LineStats{BudgetLineID: lineID}
	err := r.pool.QueryRow(ctx, `SELECT
 (SELECT COUNT(*) FROM credit_reservations WHERE tenant_id=$1 AND budget_line_id=$2 AND status NOT IN ('CANCELLED','EXPIRED')),
 (SELECT COALESCE(SUM(amount),0) FROM credit_reservations WHERE tenant_id=$1 AND budget_line_id=$2 AND status NOT IN ('CANCELLED','EXPIRED')),
 (SELECT COUNT(*) FROM engagements WHERE tenant_id=$1 AND budget_line_id=$2 AND status <> 'CANCELLED'),
 (SELECT COALESCE(SUM(amount),0) FROM engagements WHERE tenant_id=$1 AND budget_line_id=$2 AND status <> 'CANCELLED'),
 (SELECT COUNT(*) FROM expenses WHERE tenant_id=$1 AND budget_line_id=$2 AND status <> 'CANCELLED'),
 (SELECT COALESCE(SUM(amount),0) FROM expenses WHERE tenant_id=$1 AND budget_line_id=$2 AND status <> 'CANCELLED'),
 (SELECT COUNT(*) FROM payments p JOIN expenses e ON e.id = p.expense_id AND e.tenant_id = p.tenant_id WHERE p.tenant_id=$1 AND e.budget_line_id=$2 AND p.status <> 'CANCELLED'),
 (SELECT COALESCE(SUM(p.amount),0) FROM payments p JOIN expenses e ON e.id = p.expense_id AND e.tenant_id = p.tenant_id WHERE p.tenant_id=$1 AND e.budget_line_id=$2 AND p.status <> 'CANCELLED')`,
		tenantID, lineID).Scan(
		&stats.Reservations.Count, &stats.Reservations.Total,
		&stats.Engagements.Count, &stats.Engagements.Total,
		&stats.Expenses.Count, &stats.Expenses.Total,
		&stats.Payments.Count, &stats.Payments.Total,
	)
	if err != nil {
		return LineStats{}, err
	}
	return stats, nil
}

func collectRows[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
