// Package sequence allocates human-readable document numbers.
//
// Numbers follow the PREFIX-00001 scheme and are monotonic per tenant,
// fiscal period and prefix. Allocation happens on a dedicated counter row
// updated inside the caller's transaction, so two entities can never receive
// the same number; a rolled-back transaction may leave a gap, which is
// acceptable.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Width is the fixed zero-padded sequence width. Rollover past 99999 is an
// operational limit, not handled here.
const Width = 5

// capacity is the first counter value that no longer fits Width digits.
const capacity = 100000

// Known document prefixes.
const (
	PrefixReservation   = "RES"
	PrefixEngagement    = "ENG"
	PrefixPurchaseOrder = "CMD"
	PrefixInvoice       = "FAC"
	PrefixExpense       = "DEP"
	PrefixPayment       = "PAI"
	PrefixReceipt       = "REC"
)

// ErrExhausted indicates the counter passed the fixed width capacity.
var ErrExhausted = errors.New("sequence: exhausted")

// Next bumps the counter row for (tenant, period, prefix) and returns the
// formatted number. Must be called inside the same transaction that inserts
// the entity carrying the number.
func Next(ctx context.Context, tx pgx.Tx, tenantID, periodID int64, prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("sequence: prefix required")
	}
	var value int64
	err := tx.QueryRow(ctx, `INSERT INTO sequences (tenant_id, period_id, prefix, next_value)
VALUES ($1, $2, $3, 2)
ON CONFLICT (tenant_id, period_id, prefix)
DO UPDATE SET next_value = sequences.next_value + 1
RETURNING next_value - 1`, tenantID, periodID, prefix).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("sequence: next %s: %w", prefix, err)
	}
	return render(prefix, value)
}

// render enforces the width capacity before formatting.
func render(prefix string, value int64) (string, error) {
	if value >= capacity {
		return "", ErrExhausted
	}
	return Format(prefix, value), nil
}

// Format renders a value in the PREFIX-00001 scheme.
func Format(prefix string, value int64) string {
	return fmt.Sprintf("%s-%0*d", prefix, Width, value)
}
