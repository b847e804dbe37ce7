// Package budget tracks consumption per budget line. Every consuming call
// re-reads the line under a row lock, checks availability and applies a
// guarded increment, so a successful call can never drive available below
// zero and a failed call has no side effects.
package budget

import (
	"time"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// LineStatus enumerates budget line states.
type LineStatus string

const (
	LineStatusActive LineStatus = "ACTIVE"
	LineStatusClosed LineStatus = "CLOSED"
)

// Line models one budget-tracking unit inside a fiscal period.
//
// Allocated is the voted amount, Modified the allocation after transfers and
// adjustment decisions. Reserved and Engaged are outstanding consumptions;
// Paid is the cumulative amount actually disbursed and does not affect
// availability (a payment realizes an engagement, it does not consume new
// budget).
type Line struct {
	ID        int64
	TenantID  int64
	PeriodID  int64
	Code      string
	Name      string
	Allocated float64
	Modified  float64
	Reserved  float64
	Engaged   float64
	Paid      float64
	Status    LineStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns the amount still open for consumption. The canonical
// identity is modified − reserved − engaged, applied uniformly everywhere.
func (l Line) Available() float64 {
	return l.Modified - l.Reserved - l.Engaged
}

// guardConsume verifies a consuming call of amount against the line. The
// freed parameter is consumption released in the same movement (e.g. the
// reservation a new engagement absorbs).
func guardConsume(line Line, amount, freed float64) error {
	if line.Status != LineStatusActive {
		return shared.NewValidationError("budget_line", "line is closed")
	}
	if amount <= 0 {
		return shared.NewValidationError("amount", "must be positive")
	}
	if line.Available()+freed < amount {
		return &shared.InsufficientBudgetError{LineID: line.ID, Requested: amount, Available: line.Available() + freed}
	}
	return nil
}

// guardAdjust verifies a modification decision of delta against the line.
// A decrease may not cut below what is already reserved or engaged.
func guardAdjust(line Line, delta float64) error {
	if line.Status != LineStatusActive {
		return shared.NewValidationError("budget_line", "line is closed")
	}
	if delta == 0 {
		return shared.NewValidationError("delta", "must be non-zero")
	}
	if delta < 0 && line.Available()+delta < 0 {
		return &shared.InsufficientBudgetError{LineID: line.ID, Requested: -delta, Available: line.Available()}
	}
	return nil
}
