package journal

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCompensatingSwapsAccountsOnly(t *testing.T) {
	ruleID := int64(7)
	original := Entry{
		ID:              42,
		TenantID:        1,
		PeriodID:        3,
		PieceNumber:     12,
		LineNumber:      1,
		OperationType:   "engagement",
		SourceRef:       uuid.New(),
		DebitAccountID:  60,
		CreditAccountID: 40,
		Amount:          500_000,
		Label:           "Engagement ENG-00001",
		RuleID:          &ruleID,
	}
	when := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	rev := compensating(original, "Annulation: erreur de saisie", when)

	require.Equal(t, original.CreditAccountID, rev.DebitAccountID)
	require.Equal(t, original.DebitAccountID, rev.CreditAccountID)
	require.Equal(t, original.Amount, rev.Amount)
	require.Equal(t, original.PieceNumber, rev.PieceNumber)
	require.Equal(t, original.PeriodID, rev.PeriodID)
	require.Equal(t, original.SourceRef, rev.SourceRef)
	require.Equal(t, original.OperationType, rev.OperationType)
	require.NotNil(t, rev.ReversalOf)
	require.Equal(t, original.ID, *rev.ReversalOf)
	require.Equal(t, when, rev.Date)

	// The group stays balanced: original debit 60 / credit 40 plus the
	// compensating debit 40 / credit 60 nets to zero per account.
}

func TestPostingInputValidate(t *testing.T) {
	valid := PostingInput{
		TenantID:        1,
		PeriodID:        1,
		Date:            time.Now(),
		OperationType:   "engagement",
		SourceRef:       uuid.New(),
		DebitAccountID:  60,
		CreditAccountID: 40,
		Amount:          100,
	}
	require.NoError(t, valid.Validate())

	broken := valid
	broken.Amount = 0
	require.Error(t, broken.Validate())

	broken = valid
	broken.SourceRef = uuid.Nil
	require.Error(t, broken.Validate())

	broken = valid
	broken.CreditAccountID = 0
	require.Error(t, broken.Validate())

	broken = valid
	broken.OperationType = ""
	require.Error(t, broken.Validate())
}
