package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/fiducia-app/fiducia/internal/journal"
	"github.com/fiducia-app/fiducia/internal/rules"
	"github.com/fiducia-app/fiducia/internal/sequence"
	"github.com/fiducia-app/fiducia/internal/shared"
)

// TxRepository is the unit-of-work surface. Every method runs on the same
// transaction: guard checks, stage writes, treasury movements and journal
// postings commit or roll back together.
type TxRepository interface {
	NextNumber(ctx context.Context, tenantID, periodID int64, prefix string) (string, error)

	InsertReservation(ctx context.Context, r Reservation) (Reservation, error)
	ReservationForUpdate(ctx context.Context, tenantID, id int64) (Reservation, error)
	SetReservationStatus(ctx context.Context, tenantID, id int64, status ReservationStatus, reason *string) error

	InsertEngagement(ctx context.Context, e Engagement) (Engagement, error)
	EngagementForUpdate(ctx context.Context, tenantID, id int64) (Engagement, error)
	SetEngagementStatus(ctx context.Context, tenantID, id int64, status EngagementStatus, reason *string) error
	SumEngagementExpenses(ctx context.Context, tenantID, engagementID int64) (float64, error)

	InsertOrder(ctx context.Context, o Order) (Order, error)
	OrderForUpdate(ctx context.Context, tenantID, id int64) (Order, error)
	SetOrderStatus(ctx context.Context, tenantID, id int64, status OrderStatus, reason *string) error
	MarkOrderReceived(ctx context.Context, tenantID, id int64, at time.Time) error

	InsertInvoice(ctx context.Context, inv Invoice) (Invoice, error)
	InvoiceForUpdate(ctx context.Context, tenantID, id int64) (Invoice, error)
	SetInvoiceStatus(ctx context.Context, tenantID, id int64, status InvoiceStatus, reason *string) error

	InsertExpense(ctx context.Context, e Expense) (Expense, error)
	ExpenseForUpdate(ctx context.Context, tenantID, id int64) (Expense, error)
	SetExpenseStatus(ctx context.Context, tenantID, id int64, status ExpenseStatus, reason *string) error
	AddExpensePaid(ctx context.Context, tenantID, id int64, delta float64) error

	InsertPayment(ctx context.Context, p Payment) (Payment, error)
	PaymentForUpdate(ctx context.Context, tenantID, id int64) (Payment, error)
	SetPaymentStatus(ctx context.Context, tenantID, id int64, status PaymentStatus, reason *string) error

	InsertReceipt(ctx context.Context, r Receipt) (Receipt, error)
	ReceiptForUpdate(ctx context.Context, tenantID, id int64) (Receipt, error)
	SetReceiptStatus(ctx context.Context, tenantID, id int64, status ReceiptStatus, reason *string) error

	ReserveBudget(ctx context.Context, tenantID, lineID int64, amount float64) error
	EngageBudget(ctx context.Context, tenantID, lineID int64, amount, freedReserved float64) error
	ReleaseReserved(ctx context.Context, tenantID, lineID int64, amount float64) error
	ReleaseEngaged(ctx context.Context, tenantID, lineID int64, amount float64) error
	PayBudget(ctx context.Context, tenantID, lineID int64, amount float64) error
	UnpayBudget(ctx context.Context, tenantID, lineID int64, amount float64) error

	DebitTreasury(ctx context.Context, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error
	CreditTreasury(ctx context.Context, tenantID, accountID int64, amount float64, operationType string, sourceRef uuid.UUID) error

	PostEntry(ctx context.Context, in journal.PostingInput) (journal.Entry, error)
	ReverseEntries(ctx context.Context, tenantID int64, operationType string, sourceRef uuid.UUID, reason string, date time.Time) ([]journal.Entry, error)
}

// RepositoryPort abstracts pipeline persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error

	GetReservation(ctx context.Context, tenantID, id int64) (Reservation, error)
	GetEngagement(ctx context.Context, tenantID, id int64) (Engagement, error)
	GetOrder(ctx context.Context, tenantID, id int64) (Order, error)
	GetInvoice(ctx context.Context, tenantID, id int64) (Invoice, error)
	GetExpense(ctx context.Context, tenantID, id int64) (Expense, error)
	GetPayment(ctx context.Context, tenantID, id int64) (Payment, error)
	GetReceipt(ctx context.Context, tenantID, id int64) (Receipt, error)

	ListReservations(ctx context.Context, tenantID, periodID int64, limit int) ([]Reservation, error)
	ListEngagements(ctx context.Context, tenantID, periodID int64, limit int) ([]Engagement, error)
	ListOrders(ctx context.Context, tenantID, periodID int64, limit int) ([]Order, error)
	ListInvoices(ctx context.Context, tenantID, periodID int64, limit int) ([]Invoice, error)
	ListExpenses(ctx context.Context, tenantID, periodID int64, limit int) ([]Expense, error)
	ListPayments(ctx context.Context, tenantID, periodID int64, limit int) ([]Payment, error)
	ListReceipts(ctx context.Context, tenantID, periodID int64, limit int) ([]Receipt, error)

	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	LineStats(ctx context.Context, tenantID, lineID int64) (LineStats, error)
}

// RulePort resolves the posting schema for an operation.
type RulePort interface {
	Resolve(ctx context.Context, tenantID int64, operationType string, snap rules.Snapshot) (rules.Match, error)
}

// AuditPort records who did what after the fact.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// knownPaymentModes lists accepted disbursement instruments.
var knownPaymentModes = map[string]bool{
	"VIREMENT": true,
	"CHEQUE":   true,
	"ESPECES":  true,
	"CARTE":    true,
}

// Service orchestrates the execution chain.
type Service struct {
	logger *slog.Logger
	repo   RepositoryPort
	rules  RulePort
	audit  AuditPort
	now    func() time.Time

	// reservationTTL caps how long a reservation without an explicit
	// expiry stays claimable. Zero means no default expiry.
	reservationTTL time.Duration

	statsGroup singleflight.Group
	statsCache *StatsCache
}

// WithStatsCache attaches a Redis-backed stats cache. Without one, Stats
// goes straight to the repository.
func (s *Service) WithStatsCache(cache *StatsCache) *Service {
	s.statsCache = cache
	return s
}

// WithReservationTTL sets the default expiry applied to reservations
// created without an explicit one. The expiry sweep then reclaims them.
func (s *Service) WithReservationTTL(ttl time.Duration) *Service {
	s.reservationTTL = ttl
	return s
}

// NewService constructs the pipeline service.
func NewService(logger *slog.Logger, repo RepositoryPort, rulePort RulePort, audit AuditPort) *Service {
	return &Service{
		logger: logger,
		repo:   repo,
		rules:  rulePort,
		audit:  audit,
		now:    time.Now,
	}
}

// post resolves the rule for the operation and appends the journal entry.
func (s *Service) post(ctx context.Context, tx TxRepository, tenantID, periodID int64, opType string, ref uuid.UUID, amount float64, label string, snap rules.Snapshot) (journal.Entry, error) {
	match, err := s.rules.Resolve(ctx, tenantID, opType, snap)
	if err != nil {
		return journal.Entry{}, err
	}
	ruleID := match.RuleID
	return tx.PostEntry(ctx, journal.PostingInput{
		TenantID:        tenantID,
		PeriodID:        periodID,
		Date:            s.now(),
		OperationType:   opType,
		SourceRef:       ref,
		DebitAccountID:  match.DebitAccountID,
		CreditAccountID: match.CreditAccountID,
		Amount:          amount,
		Label:           label,
		RuleID:          &ruleID,
	})
}

func (s *Service) record(ctx context.Context, tenantID int64, action, entity string, entityID int64, meta map[string]any) {
	log := shared.AuditLog{
		TenantID: tenantID,
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.now(),
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("pipeline: audit record failed", "action", action, "entity", entity, "error", err)
	}
}

func requireReason(reason string) error {
	if reason == "" {
		return shared.NewValidationError("cancel_reason", "required")
	}
	return nil
}

func requireAmount(amount float64) error {
	if amount <= 0 {
		return shared.NewValidationError("amount", "must be positive")
	}
	return nil
}

// ReservationInput carries CreateReservation parameters.
type ReservationInput struct {
	PeriodID     int64
	BudgetLineID int64
	Amount       float64
	Label        string
	Notes        string
	ExpiresAt    *time.Time
}

// CreateReservation locks budget into the reserved bucket and posts the
// matched entry, all in one transaction.
func (s *Service) CreateReservation(ctx context.Context, tenantID int64, in ReservationInput) (Reservation, error) {
	if err := requireAmount(in.Amount); err != nil {
		return Reservation{}, err
	}
	if in.Label == "" {
		return Reservation{}, shared.NewValidationError("label", "required")
	}
	expiresAt := in.ExpiresAt
	if expiresAt == nil && s.reservationTTL > 0 {
		e := s.now().Add(s.reservationTTL)
		expiresAt = &e
	}
	res := Reservation{
		TenantID:     tenantID,
		PeriodID:     in.PeriodID,
		Ref:          uuid.New(),
		BudgetLineID: in.BudgetLineID,
		Amount:       in.Amount,
		Label:        in.Label,
		Notes:        in.Notes,
		Status:       ReservationActive,
		ExpiresAt:    expiresAt,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ReserveBudget(ctx, tenantID, in.BudgetLineID, in.Amount); err != nil {
			return err
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixReservation)
		if err != nil {
			return err
		}
		res.Number = number
		res, err = tx.InsertReservation(ctx, res)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpReservation, res.Ref, res.Amount, res.Label, snapshotReservation(res))
		return err
	})
	if err != nil {
		return Reservation{}, err
	}
	s.record(ctx, tenantID, "reservation.create", "reservation", res.ID, map[string]any{"number": res.Number, "amount": res.Amount})
	return res, nil
}

// CancelReservation releases the reserved budget and reverses the posting.
// The reason is mandatory and kept on the document.
func (s *Service) CancelReservation(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.ReservationForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if res.Status != ReservationActive {
			return shared.NewValidationError("status", "only active reservations can be cancelled")
		}
		if err := tx.ReleaseReserved(ctx, tenantID, res.BudgetLineID, res.Amount); err != nil {
			return err
		}
		if err := tx.SetReservationStatus(ctx, tenantID, id, ReservationCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpReservation, res.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "reservation.cancel", "reservation", id, map[string]any{"reason": reason})
	return nil
}

// EngagementInput carries CreateEngagement parameters. ReservationID is
// optional; when set the reservation is consumed and its amount released in
// the same movement, so availability does not change by the overlap.
type EngagementInput struct {
	PeriodID      int64
	BudgetLineID  int64
	ReservationID *int64
	Amount        float64
	Label         string
	Notes         string
}

// CreateEngagement commits budget. With a source reservation the whole
// reservation is absorbed: an engagement below the reserved amount returns
// the remainder to available.
func (s *Service) CreateEngagement(ctx context.Context, tenantID int64, in EngagementInput) (Engagement, error) {
	if err := requireAmount(in.Amount); err != nil {
		return Engagement{}, err
	}
	if in.Label == "" {
		return Engagement{}, shared.NewValidationError("label", "required")
	}
	if in.ReservationID == nil && in.BudgetLineID == 0 {
		return Engagement{}, shared.NewValidationError("budget_line_id", "a budget line or a reservation is required")
	}
	eng := Engagement{
		TenantID:      tenantID,
		PeriodID:      in.PeriodID,
		Ref:           uuid.New(),
		BudgetLineID:  in.BudgetLineID,
		ReservationID: in.ReservationID,
		Amount:        in.Amount,
		Label:         in.Label,
		Notes:         in.Notes,
		Status:        EngagementCommitted,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		freed := 0.0
		if in.ReservationID != nil {
			res, err := tx.ReservationForUpdate(ctx, tenantID, *in.ReservationID)
			if err != nil {
				return err
			}
			if res.Status != ReservationActive {
				return shared.NewValidationError("reservation_id", "reservation is not active")
			}
			if in.BudgetLineID != 0 && in.BudgetLineID != res.BudgetLineID {
				return shared.NewValidationError("budget_line_id", "does not match the reservation's budget line")
			}
			eng.BudgetLineID = res.BudgetLineID
			freed = res.Amount
			if err := tx.SetReservationStatus(ctx, tenantID, res.ID, ReservationUsed, nil); err != nil {
				return err
			}
		}
		if err := tx.EngageBudget(ctx, tenantID, eng.BudgetLineID, in.Amount, freed); err != nil {
			return err
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixEngagement)
		if err != nil {
			return err
		}
		eng.Number = number
		eng, err = tx.InsertEngagement(ctx, eng)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpEngagement, eng.Ref, eng.Amount, eng.Label, snapshotEngagement(eng))
		return err
	})
	if err != nil {
		return Engagement{}, err
	}
	s.record(ctx, tenantID, "engagement.create", "engagement", eng.ID, map[string]any{"number": eng.Number, "amount": eng.Amount})
	return eng, nil
}

// CancelEngagement releases the engaged budget. An engagement carrying
// expenses cannot be cancelled; the consumed reservation, if any, stays
// consumed.
func (s *Service) CancelEngagement(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		eng, err := tx.EngagementForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if eng.Status != EngagementCommitted {
			return shared.NewValidationError("status", "only committed engagements can be cancelled")
		}
		spent, err := tx.SumEngagementExpenses(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if spent > 0 {
			return shared.NewValidationError("engagement", "expenses recorded against this engagement")
		}
		if err := tx.ReleaseEngaged(ctx, tenantID, eng.BudgetLineID, eng.Amount); err != nil {
			return err
		}
		if err := tx.SetEngagementStatus(ctx, tenantID, id, EngagementCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpEngagement, eng.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "engagement.cancel", "engagement", id, map[string]any{"reason": reason})
	return nil
}

// OrderInput carries CreateOrder parameters.
type OrderInput struct {
	PeriodID     int64
	EngagementID *int64
	Amount       float64
	Label        string
}

// CreateOrder issues a purchase order, optionally against an engagement.
func (s *Service) CreateOrder(ctx context.Context, tenantID int64, in OrderInput) (Order, error) {
	if err := requireAmount(in.Amount); err != nil {
		return Order{}, err
	}
	if in.Label == "" {
		return Order{}, shared.NewValidationError("label", "required")
	}
	ord := Order{
		TenantID:     tenantID,
		PeriodID:     in.PeriodID,
		Ref:          uuid.New(),
		EngagementID: in.EngagementID,
		Amount:       in.Amount,
		Label:        in.Label,
		Status:       OrderValidated,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.EngagementID != nil {
			eng, err := tx.EngagementForUpdate(ctx, tenantID, *in.EngagementID)
			if err != nil {
				return err
			}
			if eng.Status != EngagementCommitted {
				return shared.NewValidationError("engagement_id", "engagement is not committed")
			}
			if in.Amount > eng.Amount {
				return shared.NewValidationError("amount", "exceeds the engagement amount")
			}
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixPurchaseOrder)
		if err != nil {
			return err
		}
		ord.Number = number
		ord, err = tx.InsertOrder(ctx, ord)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpOrder, ord.Ref, ord.Amount, ord.Label, snapshotOrder(ord))
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, tenantID, "order.create", "purchase_order", ord.ID, map[string]any{"number": ord.Number, "amount": ord.Amount})
	return ord, nil
}

// MarkOrderReceived records goods receipt on the order.
func (s *Service) MarkOrderReceived(ctx context.Context, tenantID, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ord, err := tx.OrderForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if ord.Status != OrderValidated && ord.Status != OrderInProgress {
			return shared.NewValidationError("status", "order cannot be received in its current state")
		}
		return tx.MarkOrderReceived(ctx, tenantID, id, s.now())
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "order.receive", "purchase_order", id, nil)
	return nil
}

// CancelOrder reverses the order's posting. An invoiced order is locked.
func (s *Service) CancelOrder(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ord, err := tx.OrderForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		switch ord.Status {
		case OrderValidated, OrderInProgress, OrderReceived:
		default:
			return shared.NewValidationError("status", "order cannot be cancelled in its current state")
		}
		if err := tx.SetOrderStatus(ctx, tenantID, id, OrderCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpOrder, ord.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "order.cancel", "purchase_order", id, map[string]any{"reason": reason})
	return nil
}

// InvoiceInput carries CreateInvoice parameters.
type InvoiceInput struct {
	PeriodID      int64
	OrderID       *int64
	EngagementID  *int64
	AmountExclTax float64
	AmountTax     float64
	Label         string
}

// CreateInvoice records the supplier claim. An order-backed invoice flips
// the order to INVOICED.
func (s *Service) CreateInvoice(ctx context.Context, tenantID int64, in InvoiceInput) (Invoice, error) {
	if err := requireAmount(in.AmountExclTax); err != nil {
		return Invoice{}, err
	}
	if in.AmountTax < 0 {
		return Invoice{}, shared.NewValidationError("amount_tax", "cannot be negative")
	}
	if in.Label == "" {
		return Invoice{}, shared.NewValidationError("label", "required")
	}
	inv := Invoice{
		TenantID:      tenantID,
		PeriodID:      in.PeriodID,
		Ref:           uuid.New(),
		OrderID:       in.OrderID,
		EngagementID:  in.EngagementID,
		AmountExclTax: in.AmountExclTax,
		AmountTax:     in.AmountTax,
		AmountIncl:    in.AmountExclTax + in.AmountTax,
		Label:         in.Label,
		Status:        InvoiceValidated,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.OrderID != nil {
			ord, err := tx.OrderForUpdate(ctx, tenantID, *in.OrderID)
			if err != nil {
				return err
			}
			if ord.Status != OrderValidated && ord.Status != OrderReceived {
				return shared.NewValidationError("order_id", "order cannot be invoiced in its current state")
			}
			if inv.EngagementID == nil {
				inv.EngagementID = ord.EngagementID
			}
			if err := tx.SetOrderStatus(ctx, tenantID, ord.ID, OrderInvoiced, nil); err != nil {
				return err
			}
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixInvoice)
		if err != nil {
			return err
		}
		inv.Number = number
		inv, err = tx.InsertInvoice(ctx, inv)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpInvoice, inv.Ref, inv.AmountIncl, inv.Label, snapshotInvoice(inv))
		return err
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, tenantID, "invoice.create", "invoice", inv.ID, map[string]any{"number": inv.Number, "amount": inv.AmountIncl})
	return inv, nil
}

// CancelInvoice reverses the claim. The backing order, if any, returns to
// RECEIVED so it can be re-invoiced.
func (s *Service) CancelInvoice(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.InvoiceForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if inv.Status != InvoiceValidated {
			return shared.NewValidationError("status", "only validated invoices can be cancelled")
		}
		if inv.AmountPaid > 0 {
			return shared.NewValidationError("invoice", "payments recorded against this invoice")
		}
		if inv.OrderID != nil {
			ord, err := tx.OrderForUpdate(ctx, tenantID, *inv.OrderID)
			if err != nil {
				return err
			}
			// The order held VALIDATED or RECEIVED when the invoice was
			// created; a receipt timestamp tells the two apart.
			prior := OrderValidated
			if ord.ReceivedAt != nil {
				prior = OrderReceived
			}
			if err := tx.SetOrderStatus(ctx, tenantID, ord.ID, prior, nil); err != nil {
				return err
			}
		}
		if err := tx.SetInvoiceStatus(ctx, tenantID, id, InvoiceCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpInvoice, inv.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "invoice.cancel", "invoice", id, map[string]any{"reason": reason})
	return nil
}

// ExpenseInput carries CreateExpense parameters. At least one of
// EngagementID, ReservationID or BudgetLineID must be set.
type ExpenseInput struct {
	PeriodID      int64
	EngagementID  *int64
	ReservationID *int64
	BudgetLineID  int64
	Amount        float64
	Label         string
}

// CreateExpense liquidates a charge. Imputation is mandatory: the expense
// must point at an engagement, a reservation or a budget line. Engagement
// expenses draw on the committed balance; the other two consume budget on
// the spot.
func (s *Service) CreateExpense(ctx context.Context, tenantID int64, in ExpenseInput) (Expense, error) {
	if err := requireAmount(in.Amount); err != nil {
		return Expense{}, err
	}
	if in.Label == "" {
		return Expense{}, shared.NewValidationError("label", "required")
	}
	if in.EngagementID == nil && in.ReservationID == nil && in.BudgetLineID == 0 {
		return Expense{}, shared.NewValidationError("imputation", "an engagement, reservation or budget line is required")
	}
	exp := Expense{
		TenantID:      tenantID,
		PeriodID:      in.PeriodID,
		Ref:           uuid.New(),
		EngagementID:  in.EngagementID,
		ReservationID: in.ReservationID,
		BudgetLineID:  in.BudgetLineID,
		Amount:        in.Amount,
		Label:         in.Label,
		Status:        ExpenseValidated,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		switch {
		case in.EngagementID != nil:
			eng, err := tx.EngagementForUpdate(ctx, tenantID, *in.EngagementID)
			if err != nil {
				return err
			}
			if eng.Status != EngagementCommitted {
				return shared.NewValidationError("engagement_id", "engagement is not committed")
			}
			spent, err := tx.SumEngagementExpenses(ctx, tenantID, eng.ID)
			if err != nil {
				return err
			}
			remaining := eng.Amount - spent
			if in.Amount > remaining {
				return shared.NewValidationError("amount", "exceeds the engagement balance")
			}
			exp.BudgetLineID = eng.BudgetLineID
			if in.Amount == remaining {
				if err := tx.SetEngagementStatus(ctx, tenantID, eng.ID, EngagementLiquidated, nil); err != nil {
					return err
				}
			}
		case in.ReservationID != nil:
			res, err := tx.ReservationForUpdate(ctx, tenantID, *in.ReservationID)
			if err != nil {
				return err
			}
			if res.Status != ReservationActive {
				return shared.NewValidationError("reservation_id", "reservation is not active")
			}
			exp.BudgetLineID = res.BudgetLineID
			if err := tx.SetReservationStatus(ctx, tenantID, res.ID, ReservationUsed, nil); err != nil {
				return err
			}
			if err := tx.EngageBudget(ctx, tenantID, res.BudgetLineID, in.Amount, res.Amount); err != nil {
				return err
			}
		default:
			if err := tx.EngageBudget(ctx, tenantID, in.BudgetLineID, in.Amount, 0); err != nil {
				return err
			}
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixExpense)
		if err != nil {
			return err
		}
		exp.Number = number
		exp, err = tx.InsertExpense(ctx, exp)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpExpense, exp.Ref, exp.Amount, exp.Label, snapshotExpense(exp))
		return err
	})
	if err != nil {
		return Expense{}, err
	}
	s.record(ctx, tenantID, "expense.create", "expense", exp.ID, map[string]any{"number": exp.Number, "amount": exp.Amount})
	return exp, nil
}

// OrderExpense issues the payment order, releasing the expense for
// disbursement.
func (s *Service) OrderExpense(ctx context.Context, tenantID, id int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exp, err := tx.ExpenseForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if exp.Status != ExpenseValidated {
			return shared.NewValidationError("status", "only validated expenses can be ordered")
		}
		return tx.SetExpenseStatus(ctx, tenantID, id, ExpenseOrdered, nil)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "expense.order", "expense", id, nil)
	return nil
}

// CancelExpense reverses the liquidation and returns the consumed budget.
func (s *Service) CancelExpense(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exp, err := tx.ExpenseForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if exp.Status != ExpenseValidated && exp.Status != ExpenseOrdered {
			return shared.NewValidationError("status", "expense cannot be cancelled in its current state")
		}
		if exp.AmountPaid > 0 {
			return shared.NewValidationError("expense", "payments recorded against this expense")
		}
		if exp.EngagementID != nil {
			eng, err := tx.EngagementForUpdate(ctx, tenantID, *exp.EngagementID)
			if err != nil {
				return err
			}
			if eng.Status == EngagementLiquidated {
				if err := tx.SetEngagementStatus(ctx, tenantID, eng.ID, EngagementCommitted, nil); err != nil {
					return err
				}
			}
		} else {
			if err := tx.ReleaseEngaged(ctx, tenantID, exp.BudgetLineID, exp.Amount); err != nil {
				return err
			}
		}
		if err := tx.SetExpenseStatus(ctx, tenantID, id, ExpenseCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpExpense, exp.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "expense.cancel", "expense", id, map[string]any{"reason": reason})
	return nil
}

// PaymentInput carries CreatePayment parameters.
type PaymentInput struct {
	PeriodID          int64
	ExpenseID         int64
	TreasuryAccountID int64
	Mode              string
	Amount            float64
}

// CreatePayment disburses an ordered expense: treasury debit, paid bucket
// increment and posting in one transaction. Partial payments are allowed.
func (s *Service) CreatePayment(ctx context.Context, tenantID int64, in PaymentInput) (Payment, error) {
	if err := requireAmount(in.Amount); err != nil {
		return Payment{}, err
	}
	if !knownPaymentModes[in.Mode] {
		return Payment{}, shared.NewValidationError("mode", "unknown payment mode")
	}
	pay := Payment{
		TenantID:          tenantID,
		PeriodID:          in.PeriodID,
		Ref:               uuid.New(),
		ExpenseID:         in.ExpenseID,
		TreasuryAccountID: in.TreasuryAccountID,
		Mode:              in.Mode,
		Amount:            in.Amount,
		Status:            PaymentValid,
	}
	var label string
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exp, err := tx.ExpenseForUpdate(ctx, tenantID, in.ExpenseID)
		if err != nil {
			return err
		}
		if exp.Status != ExpenseOrdered {
			return shared.NewValidationError("expense_id", "expense must be ordered before payment")
		}
		outstanding := exp.Amount - exp.AmountPaid
		if in.Amount > outstanding {
			return shared.NewValidationError("amount", "exceeds the expense outstanding amount")
		}
		label = fmt.Sprintf("Paiement %s de %s", exp.Number, shared.FormatAmount(in.Amount))
		if err := tx.DebitTreasury(ctx, tenantID, in.TreasuryAccountID, in.Amount, OpPayment, pay.Ref); err != nil {
			return err
		}
		if err := tx.PayBudget(ctx, tenantID, exp.BudgetLineID, in.Amount); err != nil {
			return err
		}
		if err := tx.AddExpensePaid(ctx, tenantID, exp.ID, in.Amount); err != nil {
			return err
		}
		if in.Amount == outstanding {
			if err := tx.SetExpenseStatus(ctx, tenantID, exp.ID, ExpensePaid, nil); err != nil {
				return err
			}
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixPayment)
		if err != nil {
			return err
		}
		pay.Number = number
		pay, err = tx.InsertPayment(ctx, pay)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpPayment, pay.Ref, pay.Amount, label, snapshotPayment(pay))
		return err
	})
	if err != nil {
		return Payment{}, err
	}
	s.record(ctx, tenantID, "payment.create", "payment", pay.ID, map[string]any{"number": pay.Number, "amount": pay.Amount})
	return pay, nil
}

// CancelPayment credits the treasury back, reopens the expense and reverses
// the posting.
func (s *Service) CancelPayment(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		pay, err := tx.PaymentForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if pay.Status != PaymentValid {
			return shared.NewValidationError("status", "payment is already cancelled")
		}
		exp, err := tx.ExpenseForUpdate(ctx, tenantID, pay.ExpenseID)
		if err != nil {
			return err
		}
		if err := tx.CreditTreasury(ctx, tenantID, pay.TreasuryAccountID, pay.Amount, OpPayment, pay.Ref); err != nil {
			return err
		}
		if err := tx.UnpayBudget(ctx, tenantID, exp.BudgetLineID, pay.Amount); err != nil {
			return err
		}
		if err := tx.AddExpensePaid(ctx, tenantID, exp.ID, -pay.Amount); err != nil {
			return err
		}
		if exp.Status == ExpensePaid {
			if err := tx.SetExpenseStatus(ctx, tenantID, exp.ID, ExpenseOrdered, nil); err != nil {
				return err
			}
		}
		if err := tx.SetPaymentStatus(ctx, tenantID, id, PaymentCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpPayment, pay.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "payment.cancel", "payment", id, map[string]any{"reason": reason})
	return nil
}

// ReceiptInput carries CreateReceipt parameters.
type ReceiptInput struct {
	PeriodID          int64
	TreasuryAccountID int64
	Amount            float64
	Label             string
}

// CreateReceipt credits a treasury account with an incoming movement.
func (s *Service) CreateReceipt(ctx context.Context, tenantID int64, in ReceiptInput) (Receipt, error) {
	if err := requireAmount(in.Amount); err != nil {
		return Receipt{}, err
	}
	if in.Label == "" {
		return Receipt{}, shared.NewValidationError("label", "required")
	}
	rec := Receipt{
		TenantID:          tenantID,
		PeriodID:          in.PeriodID,
		Ref:               uuid.New(),
		TreasuryAccountID: in.TreasuryAccountID,
		Amount:            in.Amount,
		Label:             in.Label,
		Status:            ReceiptValid,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.CreditTreasury(ctx, tenantID, in.TreasuryAccountID, in.Amount, OpReceipt, rec.Ref); err != nil {
			return err
		}
		number, err := tx.NextNumber(ctx, tenantID, in.PeriodID, sequence.PrefixReceipt)
		if err != nil {
			return err
		}
		rec.Number = number
		rec, err = tx.InsertReceipt(ctx, rec)
		if err != nil {
			return err
		}
		_, err = s.post(ctx, tx, tenantID, in.PeriodID, OpReceipt, rec.Ref, rec.Amount, rec.Label, snapshotReceipt(rec))
		return err
	})
	if err != nil {
		return Receipt{}, err
	}
	s.record(ctx, tenantID, "receipt.create", "receipt", rec.ID, map[string]any{"number": rec.Number, "amount": rec.Amount})
	return rec, nil
}

// CancelReceipt debits the credited amount back and reverses the posting.
func (s *Service) CancelReceipt(ctx context.Context, tenantID, id int64, reason string) error {
	if err := requireReason(reason); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.ReceiptForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if rec.Status != ReceiptValid {
			return shared.NewValidationError("status", "receipt is already cancelled")
		}
		if err := tx.DebitTreasury(ctx, tenantID, rec.TreasuryAccountID, rec.Amount, OpReceipt, rec.Ref); err != nil {
			return err
		}
		if err := tx.SetReceiptStatus(ctx, tenantID, id, ReceiptCancelled, &reason); err != nil {
			return err
		}
		_, err = tx.ReverseEntries(ctx, tenantID, OpReceipt, rec.Ref, reason, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenantID, "receipt.cancel", "receipt", id, map[string]any{"reason": reason})
	return nil
}

// ExpireDueReservations sweeps active reservations whose expiry passed,
// releasing their budget and reversing their postings. Each reservation is
// expired in its own transaction so one conflict does not starve the batch.
func (s *Service) ExpireDueReservations(ctx context.Context, limit int) (int, error) {
	due, err := s.repo.ExpiredReservations(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, res := range due {
		res := res
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			cur, err := tx.ReservationForUpdate(ctx, res.TenantID, res.ID)
			if err != nil {
				return err
			}
			if cur.Status != ReservationActive || cur.ExpiresAt == nil || cur.ExpiresAt.After(s.now()) {
				return nil
			}
			if err := tx.ReleaseReserved(ctx, res.TenantID, cur.BudgetLineID, cur.Amount); err != nil {
				return err
			}
			reason := "expiration automatique"
			if err := tx.SetReservationStatus(ctx, res.TenantID, cur.ID, ReservationExpired, &reason); err != nil {
				return err
			}
			_, err = tx.ReverseEntries(ctx, res.TenantID, OpReservation, cur.Ref, reason, s.now())
			return err
		})
		if err != nil {
			s.logger.Warn("pipeline: reservation expiry failed", "reservation_id", res.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

// Stats returns the per-line execution aggregates. Concurrent identical
// requests collapse into a single repository query.
func (s *Service) Stats(ctx context.Context, tenantID, lineID int64) (LineStats, error) {
	if cached, ok := s.statsCache.Get(ctx, tenantID, lineID); ok {
		return cached, nil
	}
	key := strconv.FormatInt(tenantID, 10) + ":" + strconv.FormatInt(lineID, 10)
	v, err, _ := s.statsGroup.Do(key, func() (any, error) {
		stats, err := s.repo.LineStats(ctx, tenantID, lineID)
		if err != nil {
			return nil, err
		}
		s.statsCache.Set(ctx, tenantID, lineID, stats)
		return stats, nil
	})
	if err != nil {
		return LineStats{}, err
	}
	return v.(LineStats), nil
}

func snapshotReservation(r Reservation) rules.Snapshot {
	return rules.Snapshot{"amount": r.Amount, "label": r.Label, "budget_line_id": r.BudgetLineID}
}

func snapshotEngagement(e Engagement) rules.Snapshot {
	return rules.Snapshot{"amount": e.Amount, "label": e.Label, "budget_line_id": e.BudgetLineID, "from_reservation": e.ReservationID != nil}
}

func snapshotOrder(o Order) rules.Snapshot {
	return rules.Snapshot{"amount": o.Amount, "label": o.Label, "has_engagement": o.EngagementID != nil}
}

func snapshotInvoice(i Invoice) rules.Snapshot {
	return rules.Snapshot{"amount": i.AmountIncl, "amount_excl_tax": i.AmountExclTax, "amount_tax": i.AmountTax, "label": i.Label}
}

func snapshotExpense(e Expense) rules.Snapshot {
	return rules.Snapshot{"amount": e.Amount, "label": e.Label, "budget_line_id": e.BudgetLineID, "has_engagement": e.EngagementID != nil}
}

func snapshotPayment(p Payment) rules.Snapshot {
	return rules.Snapshot{"amount": p.Amount, "mode": p.Mode}
}

func snapshotReceipt(r Receipt) rules.Snapshot {
	return rules.Snapshot{"amount": r.Amount, "label": r.Label}
}
