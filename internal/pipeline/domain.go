// Package pipeline drives the budget execution chain: credit reservation,
// engagement, purchase order, invoice, expense, payment and receipt. Every
// transition validates predecessor state, passes the budget or treasury
// guard, persists the stage with its generated number, posts the matched
// journal entry and records an audit row — as one atomic unit of work.
package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Operation types drive accounting rule matching and journal source links.
const (
	OpReservation = "reservation"
	OpEngagement  = "engagement"
	OpOrder       = "purchase_order"
	OpInvoice     = "invoice"
	OpExpense     = "expense"
	OpPayment     = "payment"
	OpReceipt     = "receipt"
)

// ReservationStatus enumerates credit reservation states.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationUsed      ReservationStatus = "USED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// EngagementStatus enumerates engagement states. The pipeline creates
// engagements directly in COMMITTED state: creation is the consuming,
// posting event. DRAFT and VALIDATED exist for data migrated from systems
// that stage the commitment.
type EngagementStatus string

const (
	EngagementDraft      EngagementStatus = "DRAFT"
	EngagementValidated  EngagementStatus = "VALIDATED"
	EngagementCommitted  EngagementStatus = "COMMITTED"
	EngagementLiquidated EngagementStatus = "LIQUIDATED"
	EngagementCancelled  EngagementStatus = "CANCELLED"
)

// OrderStatus enumerates purchase order states.
type OrderStatus string

const (
	OrderDraft      OrderStatus = "DRAFT"
	OrderValidated  OrderStatus = "VALIDATED"
	OrderInProgress OrderStatus = "IN_PROGRESS"
	OrderReceived   OrderStatus = "RECEIVED"
	OrderInvoiced   OrderStatus = "INVOICED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

// InvoiceStatus enumerates invoice states.
type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "DRAFT"
	InvoiceValidated InvoiceStatus = "VALIDATED"
	InvoicePaid      InvoiceStatus = "PAID"
	InvoiceCancelled InvoiceStatus = "CANCELLED"
)

// ExpenseStatus enumerates expense states. ORDERED marks the payment
// order (ordonnancement) releasing the expense for disbursement.
type ExpenseStatus string

const (
	ExpenseDraft     ExpenseStatus = "DRAFT"
	ExpenseValidated ExpenseStatus = "VALIDATED"
	ExpenseOrdered   ExpenseStatus = "ORDERED"
	ExpensePaid      ExpenseStatus = "PAID"
	ExpenseCancelled ExpenseStatus = "CANCELLED"
)

// PaymentStatus enumerates payment states.
type PaymentStatus string

const (
	PaymentValid     PaymentStatus = "VALID"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

// ReceiptStatus enumerates receipt states.
type ReceiptStatus string

const (
	ReceiptValid     ReceiptStatus = "VALID"
	ReceiptCancelled ReceiptStatus = "CANCELLED"
)

// Reservation is a soft pre-commitment against a budget line.
type Reservation struct {
	ID           int64
	TenantID     int64
	PeriodID     int64
	Ref          uuid.UUID
	Number       string
	BudgetLineID int64
	Amount       float64
	Label        string
	Notes        string
	Status       ReservationStatus
	ExpiresAt    *time.Time
	CancelReason *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Engagement is the firm commitment against a budget line.
type Engagement struct {
	ID            int64
	TenantID      int64
	PeriodID      int64
	Ref           uuid.UUID
	Number        string
	BudgetLineID  int64
	ReservationID *int64
	Amount        float64
	Label         string
	Notes         string
	Status        EngagementStatus
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Order converts an engagement into a supplier commitment.
type Order struct {
	ID           int64
	TenantID     int64
	PeriodID     int64
	Ref          uuid.UUID
	Number       string
	EngagementID *int64
	Amount       float64
	Label        string
	Status       OrderStatus
	ReceivedAt   *time.Time
	CancelReason *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Invoice records the supplier claim.
type Invoice struct {
	ID            int64
	TenantID      int64
	PeriodID      int64
	Ref           uuid.UUID
	Number        string
	OrderID       *int64
	EngagementID  *int64
	AmountExclTax float64
	AmountTax     float64
	AmountIncl    float64
	AmountPaid    float64
	Label         string
	Status        InvoiceStatus
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expense is the liquidated charge. It must reference at least one of
// engagement, reservation or budget line (mandatory imputation).
type Expense struct {
	ID            int64
	TenantID      int64
	PeriodID      int64
	Ref           uuid.UUID
	Number        string
	EngagementID  *int64
	ReservationID *int64
	BudgetLineID  int64
	Amount        float64
	AmountPaid    float64
	Label         string
	Status        ExpenseStatus
	CancelReason  *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is the cash outflow settling an expense.
type Payment struct {
	ID                int64
	TenantID          int64
	PeriodID          int64
	Ref               uuid.UUID
	Number            string
	ExpenseID         int64
	TreasuryAccountID int64
	Mode              string
	Amount            float64
	Status            PaymentStatus
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Receipt is an incoming cash movement credited to a treasury account.
type Receipt struct {
	ID                int64
	TenantID          int64
	PeriodID          int64
	Ref               uuid.UUID
	Number            string
	TreasuryAccountID int64
	Amount            float64
	Label             string
	Status            ReceiptStatus
	CancelReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StageTotals aggregates non-cancelled documents of one kind on a line.
type StageTotals struct {
	Count int
	Total float64
}

// LineStats is the read projection served per budget line.
type LineStats struct {
	BudgetLineID int64
	Reservations StageTotals
	Engagements  StageTotals
	Expenses     StageTotals
	Payments     StageTotals
}
