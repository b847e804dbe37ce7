package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fiducia-app/fiducia/internal/journal"
	"github.com/fiducia-app/fiducia/internal/sequence"
)

// txRepo implements TxRepository on one pgx transaction, delegating budget,
// treasury and ledger work to the shared trackers and store.
type txRepo struct {
	tx   pgx.Tx
	repo *Repository
}

func (t *txRepo) NextNumber(ctx context.Context, tenantID, periodID int64, prefix string) (string, error) {
	return sequence.Next(ctx, t.tx, tenantID, periodID, prefix)
}

func (t *txRepo) InsertReservation(ctx context.Context, r Reservation) (Reservation, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO credit_reservations (tenant_id, period_id, ref, number, budget_line_id, amount, label, notes, status, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id, created_at, updated_at`,
		r.TenantID, r.PeriodID, r.Ref, r.Number, r.BudgetLineID, toNumeric(r.Amount), r.Label, r.Notes, r.Status, r.ExpiresAt).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (t *txRepo) ReservationForUpdate(ctx context.Context, tenantID, id int64) (Reservation, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM credit_reservations WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanReservation(row)
	if err != nil {
		return Reservation{}, notFound("reservation", id, err)
	}
	return v, nil
}

func (t *txRepo) SetReservationStatus(ctx context.Context, tenantID, id int64, status ReservationStatus, reason *string) error {
	return t.setStatus(ctx, "credit_reservations", tenantID, id, string(status), reason)
}

func (t *txRepo) InsertEngagement(ctx context.Context, e Engagement) (Engagement, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO engagements (tenant_id, period_id, ref, number, budget_line_id, reservation_id, amount, label, notes, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id, created_at, updated_at`,
		e.TenantID, e.PeriodID, e.Ref, e.Number, e.BudgetLineID, e.ReservationID, toNumeric(e.Amount), e.Label, e.Notes, e.Status).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (t *txRepo) EngagementForUpdate(ctx context.Context, tenantID, id int64) (Engagement, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+engagementColumns+` FROM engagements WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanEngagement(row)
	if err != nil {
		return Engagement{}, notFound("engagement", id, err)
	}
	return v, nil
}

func (t *txRepo) SetEngagementStatus(ctx context.Context, tenantID, id int64, status EngagementStatus, reason *string) error {
	return t.setStatus(ctx, "engagements", tenantID, id, string(status), reason)
}

func (t *txRepo) SumEngagementExpenses(ctx context.Context, tenantID, engagementID int64) (float64, error) {
	var sum float64
	err := t.tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount),0) FROM expenses WHERE tenant_id=$1 AND engagement_id=$2 AND status <> $3`,
		tenantID, engagementID, ExpenseCancelled).Scan(&sum)
	return sum, err
}

func (t *txRepo) InsertOrder(ctx context.Context, o Order) (Order, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO purchase_orders (tenant_id, period_id, ref, number, engagement_id, amount, label, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`,
		o.TenantID, o.PeriodID, o.Ref, o.Number, o.EngagementID, toNumeric(o.Amount), o.Label, o.Status).
		Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (t *txRepo) OrderForUpdate(ctx context.Context, tenantID, id int64) (Order, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM purchase_orders WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanOrder(row)
	if err != nil {
		return Order{}, notFound("purchase order", id, err)
	}
	return v, nil
}

func (t *txRepo) SetOrderStatus(ctx context.Context, tenantID, id int64, status OrderStatus, reason *string) error {
	return t.setStatus(ctx, "purchase_orders", tenantID, id, string(status), reason)
}

func (t *txRepo) MarkOrderReceived(ctx context.Context, tenantID, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE purchase_orders SET status=$3, received_at=$4, updated_at=NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, OrderReceived, at)
	return err
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO invoices (tenant_id, period_id, ref, number, order_id, engagement_id, amount_excl_tax, amount_tax, amount_incl, amount_paid, label, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11) RETURNING id, created_at, updated_at`,
		inv.TenantID, inv.PeriodID, inv.Ref, inv.Number, inv.OrderID, inv.EngagementID, toNumeric(inv.AmountExclTax), toNumeric(inv.AmountTax), toNumeric(inv.AmountIncl), inv.Label, inv.Status).
		Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	return inv, err
}

func (t *txRepo) InvoiceForUpdate(ctx context.Context, tenantID, id int64) (Invoice, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanInvoice(row)
	if err != nil {
		return Invoice{}, notFound("invoice", id, err)
	}
	return v, nil
}

func (t *txRepo) SetInvoiceStatus(ctx context.Context, tenantID, id int64, status InvoiceStatus, reason *string) error {
	return t.setStatus(ctx, "invoices", tenantID, id, string(status), reason)
}

func (t *txRepo) InsertExpense(ctx context.Context, e Expense) (Expense, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO expenses (tenant_id, period_id, ref, number, engagement_id, reservation_id, budget_line_id, amount, amount_paid, label, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10) RETURNING id, created_at, updated_at`,
		e.TenantID, e.PeriodID, e.Ref, e.Number, e.EngagementID, e.ReservationID, e.BudgetLineID, toNumeric(e.Amount), e.Label, e.Status).
		Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func (t *txRepo) ExpenseForUpdate(ctx context.Context, tenantID, id int64) (Expense, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanExpense(row)
	if err != nil {
		return Expense{}, notFound("expense", id, err)
	}
	return v, nil
}

func (t *txRepo) SetExpenseStatus(ctx context.Context, tenantID, id int64, status ExpenseStatus, reason *string) error {
	return t.setStatus(ctx, "expenses", tenantID, id, string(status), reason)
}

func (t *txRepo) AddExpensePaid(ctx context.Context, tenantID, id int64, delta float64) error {
	_, err := t.tx.Exec(ctx, `UPDATE expenses SET amount_paid = amount_paid + $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, toNumeric(delta))
	return err
}

func (t *txRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO payments (tenant_id, period_id, ref, number, expense_id, treasury_account_id, mode, amount, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id, created_at, updated_at`,
		p.TenantID, p.PeriodID, p.Ref, p.Number, p.ExpenseID, p.TreasuryAccountID, p.Mode, toNumeric(p.Amount), p.Status).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (t *txRepo) PaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanPayment(row)
	if err != nil {
		return Payment{}, notFound("payment", id, err)
	}
	return v, nil
}

func (t *txRepo) SetPaymentStatus(ctx context.Context, tenantID, id int64, status PaymentStatus, reason *string) error {
	return t.setStatus(ctx, "payments", tenantID, id, string(status), reason)
}

func (t *txRepo) InsertReceipt(ctx context.Context, r Receipt) (Receipt, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO receipts (tenant_id, period_id, ref, number, treasury_account_id, amount, label, status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`,
		r.TenantID, r.PeriodID, r.Ref, r.Number, r.TreasuryAccountID, toNumeric(r.Amount), r.Label, r.Status).
		Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (t *txRepo) ReceiptForUpdate(ctx context.Context, tenantID, id int64) (Receipt, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, id)
	v, err := scanReceipt(row)
	if err != nil {
		return Receipt{}, notFound("receipt", id, err)
	}
	return v, nil
}

func (t *txRepo) SetReceiptStatus(ctx context.Context, tenantID, id int64, status ReceiptStatus, reason *string) error {
	return t.setStatus(ctx, "receipts", tenantID, id, string(status), reason)
}

// setStatus flips a document status; the cancel reason is only written when
// provided, so forward transitions keep the column untouched.
func (t *txRepo) setStatus(ctx context.Context, table string, tenantID, id int64, status string, reason *string) error {
	_, err := t.tx.Exec(ctx, `UPDATE `+table+` SET status=$3, cancel_reason=COALESCE($4, cancel_reason), updated_at=NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, status, reason)
	return err
}

func (t *txRepo) ReserveBudget(ctx context.Context, tenantID, lineID int64, amount float64) error {
	return t.repo.budget.Reserve(ctx, t.tx, tenantID, lineID, amount)
}

func (t *txRepo) EngageBudget(ctx context.Context, tenantID, lineID int64, amount, freedReserved float64) error {
	return t.repo.budget.Engage(ctx, t.tx, tenantID, lineID, amount, freedReserved)
}

func (t *txRepo) ReleaseReserved(ctx context.Context, tenantID, lineID int64, amount float64) error {
	return t.repo.budget.ReleaseReserved(ctx, t.tx, tenantID, lineID, amount)
}

func (t *txRepo) ReleaseEngaged(ctx context.Context, tenantID, lineID int64, amount float64) error {
	return t.repo.budget.ReleaseEngaged(ctx, t.tx, tenantID, lineID, amount)
}

func (t *txRepo) PayBudget(ctx context.Context, tenantID, lineID int64, amount float64) error {
	return t.repo.budget.Pay(ctx, t.tx, tenantID, lineID, amount)
}

func (t *txRepo) UnpayBudget(ctx context.Context, tenantID, lineID int64, amount float64) error {
	return t.repo.budget.UnPay(ctx, t.tx, tenantID, lineID, amount)
}

func (t *txRepo) DebitTreasury(ctx context.Context, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error {
	return t.repo.treasury.Debit(ctx, t.tx, tenantID, accountID, amount, operationType, sourceRef)
}

func (t *txRepo) CreditTreasury(ctx context.Context, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error {
	return t.repo.treasury.Credit(ctx, t.tx, tenantID, accountID, amount, operationType, sourceRef)
}

func (t *txRepo) PostEntry(ctx context.Context, in journal.PostingInput) (journal.Entry, error) {
	return t.repo.journal.Post(ctx, t.tx, in)
}

func (t *txRepo) ReverseEntries(ctx context.Context, tenantID int64, operationType string, sourceRef uuid.UUID, reason string, date time.Time) ([]journal.Entry, error) {
	return t.repo.journal.Reverse(ctx, t.tx, tenantID, operationType, sourceRef, reason, date)
}

func toNumeric(v float64) any {
	return fmt.Sprintf("%.2f", v)
}
