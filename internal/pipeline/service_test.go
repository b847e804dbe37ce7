package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fiducia-app/fiducia/internal/journal"
	"github.com/fiducia-app/fiducia/internal/rules"
	"github.com/fiducia-app/fiducia/internal/shared"
)

type fakeLine struct {
	modified float64
	reserved float64
	engaged  float64
	paid     float64
}

func (l *fakeLine) available() float64 { return l.modified - l.reserved - l.engaged }

// memoryRepo is an in-memory double for RepositoryPort and TxRepository. It
// mirrors the guard semantics of the real trackers so the service can be
// exercised without a database.
type memoryRepo struct {
	lines    map[int64]*fakeLine
	balances map[int64]float64

	reservations map[int64]*Reservation
	engagements  map[int64]*Engagement
	orders       map[int64]*Order
	invoices     map[int64]*Invoice
	expenses     map[int64]*Expense
	payments     map[int64]*Payment
	receipts     map[int64]*Receipt

	entries []journal.Entry
	seq     map[string]int64
	nextID  int64

	// mu serializes WithTx calls the way serializable transactions do
	// against PostgreSQL; it is shared across snapshots.
	mu *sync.Mutex
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lines:        map[int64]*fakeLine{},
		balances:     map[int64]float64{},
		reservations: map[int64]*Reservation{},
		engagements:  map[int64]*Engagement{},
		orders:       map[int64]*Order{},
		invoices:     map[int64]*Invoice{},
		expenses:     map[int64]*Expense{},
		payments:     map[int64]*Payment{},
		receipts:     map[int64]*Receipt{},
		seq:          map[string]int64{},
		mu:           &sync.Mutex{},
	}
}

// WithTx snapshots the state and restores it when fn fails, mirroring the
// rollback the real repository gets from PostgreSQL.
func (m *memoryRepo) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.clone()
	if err := fn(ctx, m); err != nil {
		*m = *snap
		return err
	}
	return nil
}

func (m *memoryRepo) clone() *memoryRepo {
	c := newMemoryRepo()
	c.mu = m.mu
	c.nextID = m.nextID
	for k, v := range m.lines {
		line := *v
		c.lines[k] = &line
	}
	for k, v := range m.balances {
		c.balances[k] = v
	}
	for k, v := range m.reservations {
		r := *v
		c.reservations[k] = &r
	}
	for k, v := range m.engagements {
		e := *v
		c.engagements[k] = &e
	}
	for k, v := range m.orders {
		o := *v
		c.orders[k] = &o
	}
	for k, v := range m.invoices {
		i := *v
		c.invoices[k] = &i
	}
	for k, v := range m.expenses {
		e := *v
		c.expenses[k] = &e
	}
	for k, v := range m.payments {
		p := *v
		c.payments[k] = &p
	}
	for k, v := range m.receipts {
		r := *v
		c.receipts[k] = &r
	}
	c.entries = append(c.entries, m.entries...)
	for k, v := range m.seq {
		c.seq[k] = v
	}
	return c
}

func (m *memoryRepo) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryRepo) NextNumber(ctx context.Context, tenantID, periodID int64, prefix string) (string, error) {
	key := fmt.Sprintf("%d:%d:%s", tenantID, periodID, prefix)
	m.seq[key]++
	return fmt.Sprintf("%s-%05d", prefix, m.seq[key]), nil
}

func (m *memoryRepo) InsertReservation(ctx context.Context, r Reservation) (Reservation, error) {
	r.ID = m.id()
	m.reservations[r.ID] = &r
	return r, nil
}

func (m *memoryRepo) ReservationForUpdate(ctx context.Context, tenantID, id int64) (Reservation, error) {
	v, ok := m.reservations[id]
	if !ok {
		return Reservation{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetReservationStatus(ctx context.Context, tenantID, id int64, status ReservationStatus, reason *string) error {
	m.reservations[id].Status = status
	if reason != nil {
		m.reservations[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) InsertEngagement(ctx context.Context, e Engagement) (Engagement, error) {
	e.ID = m.id()
	m.engagements[e.ID] = &e
	return e, nil
}

func (m *memoryRepo) EngagementForUpdate(ctx context.Context, tenantID, id int64) (Engagement, error) {
	v, ok := m.engagements[id]
	if !ok {
		return Engagement{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetEngagementStatus(ctx context.Context, tenantID, id int64, status EngagementStatus, reason *string) error {
	m.engagements[id].Status = status
	if reason != nil {
		m.engagements[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) SumEngagementExpenses(ctx context.Context, tenantID, engagementID int64) (float64, error) {
	var sum float64
	for _, e := range m.expenses {
		if e.EngagementID != nil && *e.EngagementID == engagementID && e.Status != ExpenseCancelled {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (m *memoryRepo) InsertOrder(ctx context.Context, o Order) (Order, error) {
	o.ID = m.id()
	m.orders[o.ID] = &o
	return o, nil
}

func (m *memoryRepo) OrderForUpdate(ctx context.Context, tenantID, id int64) (Order, error) {
	v, ok := m.orders[id]
	if !ok {
		return Order{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetOrderStatus(ctx context.Context, tenantID, id int64, status OrderStatus, reason *string) error {
	m.orders[id].Status = status
	if reason != nil {
		m.orders[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) MarkOrderReceived(ctx context.Context, tenantID, id int64, at time.Time) error {
	o, ok := m.orders[id]
	if !ok {
		return shared.ErrNotFound
	}
	o.Status = OrderReceived
	received := at
	o.ReceivedAt = &received
	return nil
}

func (m *memoryRepo) InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error) {
	inv.ID = m.id()
	m.invoices[inv.ID] = &inv
	return inv, nil
}

func (m *memoryRepo) InvoiceForUpdate(ctx context.Context, tenantID, id int64) (Invoice, error) {
	v, ok := m.invoices[id]
	if !ok {
		return Invoice{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetInvoiceStatus(ctx context.Context, tenantID, id int64, status InvoiceStatus, reason *string) error {
	m.invoices[id].Status = status
	if reason != nil {
		m.invoices[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) InsertExpense(ctx context.Context, e Expense) (Expense, error) {
	e.ID = m.id()
	m.expenses[e.ID] = &e
	return e, nil
}

func (m *memoryRepo) ExpenseForUpdate(ctx context.Context, tenantID, id int64) (Expense, error) {
	v, ok := m.expenses[id]
	if !ok {
		return Expense{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetExpenseStatus(ctx context.Context, tenantID, id int64, status ExpenseStatus, reason *string) error {
	m.expenses[id].Status = status
	if reason != nil {
		m.expenses[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) AddExpensePaid(ctx context.Context, tenantID, id int64, delta float64) error {
	m.expenses[id].AmountPaid += delta
	return nil
}

func (m *memoryRepo) InsertPayment(ctx context.Context, p Payment) (Payment, error) {
	p.ID = m.id()
	m.payments[p.ID] = &p
	return p, nil
}

func (m *memoryRepo) PaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error) {
	v, ok := m.payments[id]
	if !ok {
		return Payment{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetPaymentStatus(ctx context.Context, tenantID, id int64, status PaymentStatus, reason *string) error {
	m.payments[id].Status = status
	if reason != nil {
		m.payments[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) InsertReceipt(ctx context.Context, r Receipt) (Receipt, error) {
	r.ID = m.id()
	m.receipts[r.ID] = &r
	return r, nil
}

func (m *memoryRepo) ReceiptForUpdate(ctx context.Context, tenantID, id int64) (Receipt, error) {
	v, ok := m.receipts[id]
	if !ok {
		return Receipt{}, shared.ErrNotFound
	}
	return *v, nil
}

func (m *memoryRepo) SetReceiptStatus(ctx context.Context, tenantID, id int64, status ReceiptStatus, reason *string) error {
	m.receipts[id].Status = status
	if reason != nil {
		m.receipts[id].CancelReason = reason
	}
	return nil
}

func (m *memoryRepo) ReserveBudget(ctx context.Context, tenantID, lineID int64, amount float64) error {
	l, ok := m.lines[lineID]
	if !ok {
		return shared.ErrNotFound
	}
	if amount > l.available() {
		return &shared.InsufficientBudgetError{LineID: lineID, Requested: amount, Available: l.available()}
	}
	l.reserved += amount
	return nil
}

func (m *memoryRepo) EngageBudget(ctx context.Context, tenantID, lineID int64, amount, freedReserved float64) error {
	l, ok := m.lines[lineID]
	if !ok {
		return shared.ErrNotFound
	}
	if freedReserved < 0 || freedReserved > l.reserved {
		return shared.NewValidationError("reservation", "released amount exceeds outstanding reservations")
	}
	if amount > l.available()+freedReserved {
		return &shared.InsufficientBudgetError{LineID: lineID, Requested: amount, Available: l.available()}
	}
	l.engaged += amount
	l.reserved -= freedReserved
	return nil
}

func (m *memoryRepo) ReleaseReserved(ctx context.Context, tenantID, lineID int64, amount float64) error {
	m.lines[lineID].reserved -= amount
	return nil
}

func (m *memoryRepo) ReleaseEngaged(ctx context.Context, tenantID, lineID int64, amount float64) error {
	m.lines[lineID].engaged -= amount
	return nil
}

func (m *memoryRepo) PayBudget(ctx context.Context, tenantID, lineID int64, amount float64) error {
	m.lines[lineID].paid += amount
	return nil
}

func (m *memoryRepo) UnpayBudget(ctx context.Context, tenantID, lineID int64, amount float64) error {
	m.lines[lineID].paid -= amount
	return nil
}

func (m *memoryRepo) DebitTreasury(ctx context.Context, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error {
	m.balances[accountID] -= amount
	return nil
}

func (m *memoryRepo) CreditTreasury(ctx context.Context, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error {
	m.balances[accountID] += amount
	return nil
}

func (m *memoryRepo) PostEntry(ctx context.Context, in journal.PostingInput) (journal.Entry, error) {
	for _, e := range m.entries {
		if e.OperationType == in.OperationType && e.SourceRef == in.SourceRef && e.ReversalOf == nil {
			return journal.Entry{}, journal.ErrAlreadyPosted
		}
	}
	e := journal.Entry{
		ID:              m.id(),
		TenantID:        in.TenantID,
		PeriodID:        in.PeriodID,
		PieceNumber:     int64(len(m.entries) + 1),
		LineNumber:      1,
		Date:            in.Date,
		OperationType:   in.OperationType,
		SourceRef:       in.SourceRef,
		DebitAccountID:  in.DebitAccountID,
		CreditAccountID: in.CreditAccountID,
		Amount:          in.Amount,
		Label:           in.Label,
		RuleID:          in.RuleID,
	}
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *memoryRepo) ReverseEntries(ctx context.Context, tenantID int64, operationType string, sourceRef uuid.UUID, reason string, date time.Time) ([]journal.Entry, error) {
	var originals []journal.Entry
	for _, e := range m.entries {
		if e.OperationType == operationType && e.SourceRef == sourceRef {
			if e.ReversalOf != nil {
				return nil, journal.ErrAlreadyReversed
			}
			originals = append(originals, e)
		}
	}
	if len(originals) == 0 {
		return nil, shared.ErrNotFound
	}
	var out []journal.Entry
	for _, o := range originals {
		id := o.ID
		rev := o
		rev.ID = m.id()
		rev.DebitAccountID = o.CreditAccountID
		rev.CreditAccountID = o.DebitAccountID
		rev.Date = date
		rev.ReversalOf = &id
		m.entries = append(m.entries, rev)
		out = append(out, rev)
	}
	return out, nil
}

func (m *memoryRepo) GetReservation(ctx context.Context, tenantID, id int64) (Reservation, error) {
	return m.ReservationForUpdate(ctx, tenantID, id)
}
func (m *memoryRepo) GetEngagement(ctx context.Context, tenantID, id int64) (Engagement, error) {
	return m.EngagementForUpdate(ctx, tenantID, id)
}
func (m *memoryRepo) GetOrder(ctx context.Context, tenantID, id int64) (Order, error) {
	return m.OrderForUpdate(ctx, tenantID, id)
}
func (m *memoryRepo) GetInvoice(ctx context.Context, tenantID, id int64) (Invoice, error) {
	return m.InvoiceForUpdate(ctx, tenantID, id)
}
func (m *memoryRepo) GetExpense(ctx context.Context, tenantID, id int64) (Expense, error) {
	return m.ExpenseForUpdate(ctx, tenantID, id)
}
func (m *memoryRepo) GetPayment(ctx context.Context, tenantID, id int64) (Payment, error) {
	return m.PaymentForUpdate(ctx, tenantID, id)
}
func (m *memoryRepo) GetReceipt(ctx context.Context, tenantID, id int64) (Receipt, error) {
	return m.ReceiptForUpdate(ctx, tenantID, id)
}

func (m *memoryRepo) ListReservations(ctx context.Context, tenantID, periodID int64, limit int) ([]Reservation, error) {
	return nil, nil
}
func (m *memoryRepo) ListEngagements(ctx context.Context, tenantID, periodID int64, limit int) ([]Engagement, error) {
	return nil, nil
}
func (m *memoryRepo) ListOrders(ctx context.Context, tenantID, periodID int64, limit int) ([]Order, error) {
	return nil, nil
}
func (m *memoryRepo) ListInvoices(ctx context.Context, tenantID, periodID int64, limit int) ([]Invoice, error) {
	return nil, nil
}
func (m *memoryRepo) ListExpenses(ctx context.Context, tenantID, periodID int64, limit int) ([]Expense, error) {
	return nil, nil
}
func (m *memoryRepo) ListPayments(ctx context.Context, tenantID, periodID int64, limit int) ([]Payment, error) {
	return nil, nil
}
func (m *memoryRepo) ListReceipts(ctx context.Context, tenantID, periodID int64, limit int) ([]Receipt, error) {
	return nil, nil
}

func (m *memoryRepo) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	var out []Reservation
	for _, r := range m.reservations {
		if r.Status == ReservationActive && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memoryRepo) LineStats(ctx context.Context, tenantID, lineID int64) (LineStats, error) {
	stats := LineStats{BudgetLineID: lineID}
	for _, r := range m.reservations {
		if r.BudgetLineID == lineID && r.Status != ReservationCancelled && r.Status != ReservationExpired {
			stats.Reservations.Count++
			stats.Reservations.Total += r.Amount
		}
	}
	for _, e := range m.engagements {
		if e.BudgetLineID == lineID && e.Status != EngagementCancelled {
			stats.Engagements.Count++
			stats.Engagements.Total += e.Amount
		}
	}
	return stats, nil
}

type fakeRules struct {
	fail map[string]bool
}

func (f *fakeRules) Resolve(ctx context.Context, tenantID int64, operationType string, snap rules.Snapshot) (rules.Match, error) {
	if f.fail[operationType] {
		return rules.Match{}, &shared.RuleMatchError{OperationType: operationType}
	}
	return rules.Match{RuleID: 1, DebitAccountID: 601, CreditAccountID: 401}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeAudit) Record(ctx context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, log.Action)
	return nil
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *fakeAudit) {
	t.Helper()
	repo := newMemoryRepo()
	repo.lines[1] = &fakeLine{modified: 1_000_000}
	repo.balances[10] = 500_000
	audit := &fakeAudit{}
	svc := NewService(slog.Default(), repo, &fakeRules{}, audit)
	return svc, repo, audit
}

const tenant = int64(1)

func TestCreateReservationConsumesAvailable(t *testing.T) {
	svc, repo, _ := newTestService(t)

	res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Marché de voirie",
	})
	require.NoError(t, err)
	require.Equal(t, "RES-00001", res.Number)
	require.Equal(t, ReservationActive, res.Status)

	require.Equal(t, 300_000.0, repo.lines[1].reserved)
	require.Equal(t, 700_000.0, repo.lines[1].available())
	require.Len(t, repo.entries, 1)
	require.Equal(t, res.Ref, repo.entries[0].SourceRef)
}

func TestEngagementFromReservationKeepsAvailable(t *testing.T) {
	svc, repo, _ := newTestService(t)

	res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Marché de voirie",
	})
	require.NoError(t, err)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, ReservationID: &res.ID, Amount: 300_000, Label: "Engagement voirie",
	})
	require.NoError(t, err)
	require.Equal(t, EngagementCommitted, eng.Status)
	require.Equal(t, int64(1), eng.BudgetLineID)

	require.Equal(t, 0.0, repo.lines[1].reserved)
	require.Equal(t, 300_000.0, repo.lines[1].engaged)
	require.Equal(t, 700_000.0, repo.lines[1].available())
	require.Equal(t, ReservationUsed, repo.reservations[res.ID].Status)
}

func TestDirectEngagementOverrunFails(t *testing.T) {
	svc, repo, _ := newTestService(t)

	_, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Premier engagement",
	})
	require.NoError(t, err)

	_, err = svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 800_000, Label: "Trop cher",
	})
	var budgetErr *shared.InsufficientBudgetError
	require.ErrorAs(t, err, &budgetErr)
	require.Equal(t, 700_000.0, budgetErr.Available)

	require.Equal(t, 300_000.0, repo.lines[1].engaged)
	require.Len(t, repo.entries, 1)
}

func TestCancelEngagementRestoresBudget(t *testing.T) {
	svc, repo, _ := newTestService(t)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Engagement voirie",
	})
	require.NoError(t, err)

	err = svc.CancelEngagement(context.Background(), tenant, eng.ID, "erreur de saisie")
	require.NoError(t, err)

	require.Equal(t, 0.0, repo.lines[1].engaged)
	require.Equal(t, 1_000_000.0, repo.lines[1].available())
	require.Equal(t, EngagementCancelled, repo.engagements[eng.ID].Status)
	require.Equal(t, "erreur de saisie", *repo.engagements[eng.ID].CancelReason)

	require.Len(t, repo.entries, 2)
	rev := repo.entries[1]
	require.NotNil(t, rev.ReversalOf)
	require.Equal(t, repo.entries[0].CreditAccountID, rev.DebitAccountID)
	require.Equal(t, repo.entries[0].DebitAccountID, rev.CreditAccountID)
}

func TestCancelWithoutReasonRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 100_000, Label: "Engagement",
	})
	require.NoError(t, err)

	err = svc.CancelEngagement(context.Background(), tenant, eng.ID, "")
	var vErr *shared.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestCancelEngagementWithExpensesRejected(t *testing.T) {
	svc, _, _ := newTestService(t)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Engagement",
	})
	require.NoError(t, err)

	_, err = svc.CreateExpense(context.Background(), tenant, ExpenseInput{
		PeriodID: 1, EngagementID: &eng.ID, Amount: 100_000, Label: "Facture partielle",
	})
	require.NoError(t, err)

	err = svc.CancelEngagement(context.Background(), tenant, eng.ID, "changement de projet")
	var vErr *shared.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestExpensePaymentFlow(t *testing.T) {
	svc, repo, _ := newTestService(t)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Engagement voirie",
	})
	require.NoError(t, err)

	exp, err := svc.CreateExpense(context.Background(), tenant, ExpenseInput{
		PeriodID: 1, EngagementID: &eng.ID, Amount: 300_000, Label: "Décompte final",
	})
	require.NoError(t, err)
	require.Equal(t, EngagementLiquidated, repo.engagements[eng.ID].Status)
	require.Equal(t, int64(1), exp.BudgetLineID)

	require.NoError(t, svc.OrderExpense(context.Background(), tenant, exp.ID))

	pay, err := svc.CreatePayment(context.Background(), tenant, PaymentInput{
		PeriodID: 1, ExpenseID: exp.ID, TreasuryAccountID: 10, Mode: "VIREMENT", Amount: 300_000,
	})
	require.NoError(t, err)
	require.Equal(t, "PAI-00001", pay.Number)

	require.Equal(t, 200_000.0, repo.balances[10])
	require.Equal(t, 300_000.0, repo.lines[1].paid)
	require.Equal(t, 700_000.0, repo.lines[1].available())
	require.Equal(t, ExpensePaid, repo.expenses[exp.ID].Status)
}

func TestPaymentRequiresOrderedExpense(t *testing.T) {
	svc, _, _ := newTestService(t)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 100_000, Label: "Engagement",
	})
	require.NoError(t, err)
	exp, err := svc.CreateExpense(context.Background(), tenant, ExpenseInput{
		PeriodID: 1, EngagementID: &eng.ID, Amount: 100_000, Label: "Dépense",
	})
	require.NoError(t, err)

	_, err = svc.CreatePayment(context.Background(), tenant, PaymentInput{
		PeriodID: 1, ExpenseID: exp.ID, TreasuryAccountID: 10, Mode: "VIREMENT", Amount: 100_000,
	})
	var vErr *shared.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestCancelPaymentRestoresEverything(t *testing.T) {
	svc, repo, _ := newTestService(t)

	eng, err := svc.CreateEngagement(context.Background(), tenant, EngagementInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 200_000, Label: "Engagement",
	})
	require.NoError(t, err)
	exp, err := svc.CreateExpense(context.Background(), tenant, ExpenseInput{
		PeriodID: 1, EngagementID: &eng.ID, Amount: 200_000, Label: "Dépense",
	})
	require.NoError(t, err)
	require.NoError(t, svc.OrderExpense(context.Background(), tenant, exp.ID))
	pay, err := svc.CreatePayment(context.Background(), tenant, PaymentInput{
		PeriodID: 1, ExpenseID: exp.ID, TreasuryAccountID: 10, Mode: "CHEQUE", Amount: 200_000,
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelPayment(context.Background(), tenant, pay.ID, "rejet bancaire"))

	require.Equal(t, 500_000.0, repo.balances[10])
	require.Equal(t, 0.0, repo.lines[1].paid)
	require.Equal(t, ExpenseOrdered, repo.expenses[exp.ID].Status)
	require.Equal(t, 0.0, repo.expenses[exp.ID].AmountPaid)
	require.Equal(t, PaymentCancelled, repo.payments[pay.ID].Status)
}

func TestExpenseRequiresImputation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateExpense(context.Background(), tenant, ExpenseInput{
		PeriodID: 1, Amount: 50_000, Label: "Sans imputation",
	})
	var vErr *shared.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestNumbersAreDistinctAndSequential(t *testing.T) {
	svc, _, _ := newTestService(t)

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
			PeriodID: 1, BudgetLineID: 1, Amount: 10_000, Label: fmt.Sprintf("Réservation %d", i),
		})
		require.NoError(t, err)
		require.False(t, seen[res.Number])
		seen[res.Number] = true
	}
	require.True(t, seen["RES-00005"])
}

func TestExpireDueReservations(t *testing.T) {
	svc, repo, _ := newTestService(t)

	past := time.Now().Add(-time.Hour)
	res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 300_000, Label: "Réservation périmée", ExpiresAt: &past,
	})
	require.NoError(t, err)

	n, err := svc.ExpireDueReservations(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.Equal(t, ReservationExpired, repo.reservations[res.ID].Status)
	require.Equal(t, 0.0, repo.lines[1].reserved)
	require.Len(t, repo.entries, 2)
	require.NotNil(t, repo.entries[1].ReversalOf)
}

func TestRuleMismatchBlocksCreation(t *testing.T) {
	repo := newMemoryRepo()
	repo.lines[1] = &fakeLine{modified: 1_000_000}
	svc := NewService(slog.Default(), repo, &fakeRules{fail: map[string]bool{OpReservation: true}}, &fakeAudit{})

	_, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 10_000, Label: "Sans règle",
	})
	var ruleErr *shared.RuleMatchError
	require.ErrorAs(t, err, &ruleErr)
	require.Equal(t, 0.0, repo.lines[1].reserved)
	require.Empty(t, repo.entries)
}

func TestReceiptLifecycle(t *testing.T) {
	svc, repo, audit := newTestService(t)

	rec, err := svc.CreateReceipt(context.Background(), tenant, ReceiptInput{
		PeriodID: 1, TreasuryAccountID: 10, Amount: 50_000, Label: "Subvention",
	})
	require.NoError(t, err)
	require.Equal(t, "REC-00001", rec.Number)
	require.Equal(t, 550_000.0, repo.balances[10])

	require.NoError(t, svc.CancelReceipt(context.Background(), tenant, rec.ID, "doublon"))
	require.Equal(t, 500_000.0, repo.balances[10])
	require.Equal(t, ReceiptCancelled, repo.receipts[rec.ID].Status)
	require.Contains(t, audit.actions, "receipt.create")
	require.Contains(t, audit.actions, "receipt.cancel")
}

func TestCompensatingEntriesReuseSourceWithoutConflict(t *testing.T) {
	svc, repo, _ := newTestService(t)

	res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 200_000, Label: "Réservation travaux",
	})
	require.NoError(t, err)
	require.Len(t, repo.entries, 1)

	_, err = repo.PostEntry(context.Background(), journal.PostingInput{
		TenantID: tenant, PeriodID: 1, OperationType: OpReservation, SourceRef: res.Ref,
		DebitAccountID: 601, CreditAccountID: 401, Amount: 200_000, Label: "doublon",
	})
	require.ErrorIs(t, err, journal.ErrAlreadyPosted)

	require.NoError(t, svc.CancelReservation(context.Background(), tenant, res.ID, "erreur de saisie"))

	require.Len(t, repo.entries, 2)
	original, rev := repo.entries[0], repo.entries[1]
	require.Equal(t, original.OperationType, rev.OperationType)
	require.Equal(t, original.SourceRef, rev.SourceRef)
	require.NotNil(t, rev.ReversalOf)
	require.Equal(t, original.ID, *rev.ReversalOf)
}

func TestConcurrentCreationsYieldDistinctSequentialNumbers(t *testing.T) {
	svc, _, _ := newTestService(t)

	const n = 16
	results := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
				PeriodID:     1,
				BudgetLineID: 1,
				Amount:       1_000,
				Label:        fmt.Sprintf("Lot %d", i),
			})
			if err != nil {
				errs[i] = err
				return
			}
			results[i] = res.Number
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		_, dup := seen[results[i]]
		require.False(t, dup, "number %s allocated twice", results[i])
		seen[results[i]] = struct{}{}
	}
	for i := 1; i <= n; i++ {
		require.Contains(t, seen, fmt.Sprintf("RES-%05d", i))
	}
}

func TestReservationTTLAppliesDefaultExpiry(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.WithReservationTTL(720 * time.Hour)
	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	res, err := svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 10_000, Label: "Réservation standard",
	})
	require.NoError(t, err)
	require.NotNil(t, res.ExpiresAt)
	require.True(t, res.ExpiresAt.Equal(base.Add(720*time.Hour)))

	// An explicit expiry wins over the default.
	explicit := base.Add(48 * time.Hour)
	res, err = svc.CreateReservation(context.Background(), tenant, ReservationInput{
		PeriodID: 1, BudgetLineID: 1, Amount: 10_000, Label: "Réservation courte", ExpiresAt: &explicit,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ExpiresAt)
	require.True(t, res.ExpiresAt.Equal(explicit))
}

func TestCancelInvoiceRestoresOrderPriorStatus(t *testing.T) {
	svc, repo, _ := newTestService(t)

	// Invoiced straight from VALIDATED: cancelling must not promote the
	// order to RECEIVED.
	ord, err := svc.CreateOrder(context.Background(), tenant, OrderInput{
		PeriodID: 1, Amount: 50_000, Label: "Commande fournitures",
	})
	require.NoError(t, err)
	inv, err := svc.CreateInvoice(context.Background(), tenant, InvoiceInput{
		PeriodID: 1, OrderID: &ord.ID, AmountExclTax: 50_000, Label: "Facture fournitures",
	})
	require.NoError(t, err)
	require.NoError(t, svc.CancelInvoice(context.Background(), tenant, inv.ID, "montant erroné"))
	require.Equal(t, OrderValidated, repo.orders[ord.ID].Status)

	// A received order goes back to RECEIVED.
	received, err := svc.CreateOrder(context.Background(), tenant, OrderInput{
		PeriodID: 1, Amount: 80_000, Label: "Commande mobilier",
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkOrderReceived(context.Background(), tenant, received.ID))
	inv2, err := svc.CreateInvoice(context.Background(), tenant, InvoiceInput{
		PeriodID: 1, OrderID: &received.ID, AmountExclTax: 80_000, Label: "Facture mobilier",
	})
	require.NoError(t, err)
	require.NoError(t, svc.CancelInvoice(context.Background(), tenant, inv2.ID, "double facturation"))
	require.Equal(t, OrderReceived, repo.orders[received.ID].Status)
}
