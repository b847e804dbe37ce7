// Package treasury tracks bank and cash balances. Balances move only
// through validated payment and receipt events, and every mutation leaves
// one operation row tracing back to its source document.
package treasury

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells which way an operation moves the balance.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// Account models one bank or cash account.
type Account struct {
	ID        int64
	TenantID  int64
	Code      string
	Name      string
	Balance   float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Operation records one balance mutation. Reconciliation is metadata only
// and never alters the amount or the balance.
type Operation struct {
	ID            int64
	TenantID      int64
	AccountID     int64
	Direction     Direction
	Amount        float64
	OperationType string
	SourceRef     uuid.UUID
	Reconciled    bool
	ReconciledAt  *time.Time
	CreatedAt     time.Time
}
