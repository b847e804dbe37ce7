// Package journal is the append-only double-entry ledger. Entries are
// written once; corrections go through compensating entries, never through
// mutation of committed rows.
package journal

import (
	"time"

	"github.com/google/uuid"

	"github.com/fiducia-app/fiducia/internal/shared"
)

// Entry is one immutable ledger line: a balanced debit/credit pair.
type Entry struct {
	ID              int64
	TenantID        int64
	PeriodID        int64
	PieceNumber     int64
	LineNumber      int
	Date            time.Time
	OperationType   string
	SourceRef       uuid.UUID
	DebitAccountID  int64
	CreditAccountID int64
	Amount          float64
	Label           string
	RuleID          *int64
	ReversalOf      *int64
	CreatedAt       time.Time
}

// PostingInput groups the fields required to post an entry.
type PostingInput struct {
	TenantID        int64
	PeriodID        int64
	Date            time.Time
	OperationType   string
	SourceRef       uuid.UUID
	DebitAccountID  int64
	CreditAccountID int64
	Amount          float64
	Label           string
	RuleID          *int64
}

// Duplicate-posting sentinels live in shared so the HTTP layer can map
// them without importing this package.
var (
	ErrAlreadyPosted   = shared.ErrAlreadyPosted
	ErrAlreadyReversed = shared.ErrAlreadyReversed
)

// Validate ensures posting input meets minimum criteria.
func (in PostingInput) Validate() error {
	if in.TenantID == 0 || in.PeriodID == 0 {
		return shared.NewValidationError("period", "tenant and period required")
	}
	if in.OperationType == "" {
		return shared.NewValidationError("operation_type", "required")
	}
	if in.SourceRef == uuid.Nil {
		return shared.NewValidationError("source_ref", "required")
	}
	if in.DebitAccountID == 0 || in.CreditAccountID == 0 {
		return shared.NewValidationError("accounts", "debit and credit account required")
	}
	if in.Amount <= 0 {
		return shared.NewValidationError("amount", "must be positive")
	}
	return nil
}

// compensating builds the reversal of an entry: same piece, swapped
// accounts, linked to the original so the group stays balanced.
func compensating(original Entry, label string, date time.Time) Entry {
	id := original.ID
	return Entry{
		TenantID:        original.TenantID,
		PeriodID:        original.PeriodID,
		PieceNumber:     original.PieceNumber,
		Date:            date,
		OperationType:   original.OperationType,
		SourceRef:       original.SourceRef,
		DebitAccountID:  original.CreditAccountID,
		CreditAccountID: original.DebitAccountID,
		Amount:          original.Amount,
		Label:           label,
		RuleID:          original.RuleID,
		ReversalOf:      &id,
	}
}
