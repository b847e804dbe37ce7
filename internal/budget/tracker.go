package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/shared"
)

// Tracker applies guarded increments on budget lines. All methods run on
// the caller's Queryer so a stage transition keeps the guard, the entity
// insert and the journal append in one transaction.
type Tracker struct{}

// NewTracker constructs the tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

const lineColumns = `id, tenant_id, period_id, code, name, allocated, modified, reserved, engaged, paid, status, created_at, updated_at`

func (t *Tracker) lockLine(ctx context.Context, q db.Queryer, tenantID, lineID int64) (Line, error) {
	row := q.QueryRow(ctx, `SELECT `+lineColumns+` FROM budget_lines WHERE tenant_id=$1 AND id=$2 FOR UPDATE`, tenantID, lineID)
	line, err := scanLine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Line{}, fmt.Errorf("budget line %d: %w", lineID, shared.ErrNotFound)
		}
		return Line{}, err
	}
	return line, nil
}

// Reserve consumes available budget into the reserved bucket.
func (t *Tracker) Reserve(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount float64) error {
	line, err := t.lockLine(ctx, q, tenantID, lineID)
	if err != nil {
		return err
	}
	if err := guardConsume(line, amount, 0); err != nil {
		return err
	}
	_, err = q.Exec(ctx, `UPDATE budget_lines SET reserved = reserved + $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, lineID, toNumeric(amount))
	return err
}

// Engage consumes available budget into the engaged bucket. freedReserved
// is the reservation amount absorbed by the engagement; it is released in
// the same movement so converting a reservation leaves available unchanged.
func (t *Tracker) Engage(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount, freedReserved float64) error {
	line, err := t.lockLine(ctx, q, tenantID, lineID)
	if err != nil {
		return err
	}
	if freedReserved < 0 || freedReserved > line.Reserved {
		return shared.NewValidationError("reservation", "released amount exceeds outstanding reservations")
	}
	if err := guardConsume(line, amount, freedReserved); err != nil {
		return err
	}
	_, err = q.Exec(ctx, `UPDATE budget_lines SET engaged = engaged + $3, reserved = reserved - $4, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`,
		tenantID, lineID, toNumeric(amount), toNumeric(freedReserved))
	return err
}

// ReleaseReserved inverts a previous Reserve of the same amount.
func (t *Tracker) ReleaseReserved(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount float64) error {
	return t.release(ctx, q, tenantID, lineID, amount, "reserved")
}

// ReleaseEngaged inverts a previous Engage of the same amount.
func (t *Tracker) ReleaseEngaged(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount float64) error {
	return t.release(ctx, q, tenantID, lineID, amount, "engaged")
}

func (t *Tracker) release(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount float64, bucket string) error {
	line, err := t.lockLine(ctx, q, tenantID, lineID)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return shared.NewValidationError("amount", "must be positive")
	}
	current := line.Reserved
	if bucket == "engaged" {
		current = line.Engaged
	}
	if amount > current {
		return shared.NewValidationError("amount", "release exceeds outstanding "+bucket+" amount")
	}
	_, err = q.Exec(ctx, `UPDATE budget_lines SET `+bucket+` = `+bucket+` - $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, lineID, toNumeric(amount))
	return err
}

// Pay records a disbursement against the line. Payments realize an
// engagement, so availability is untouched.
func (t *Tracker) Pay(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount float64) error {
	line, err := t.lockLine(ctx, q, tenantID, lineID)
	if err != nil {
		return err
	}
	if amount <= 0 {
		return shared.NewValidationError("amount", "must be positive")
	}
	if line.Status != LineStatusActive {
		return shared.NewValidationError("budget_line", "line is closed")
	}
	_, err = q.Exec(ctx, `UPDATE budget_lines SET paid = paid + $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, lineID, toNumeric(amount))
	return err
}

// UnPay inverts a previous Pay on payment cancellation.
func (t *Tracker) UnPay(ctx context.Context, q db.Queryer, tenantID, lineID int64, amount float64) error {
	line, err := t.lockLine(ctx, q, tenantID, lineID)
	if err != nil {
		return err
	}
	if amount <= 0 || amount > line.Paid {
		return shared.NewValidationError("amount", "release exceeds paid amount")
	}
	_, err = q.Exec(ctx, `UPDATE budget_lines SET paid = paid - $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, lineID, toNumeric(amount))
	return err
}

// Adjust applies a budget modification decision (transfer or amendment) to
// the modified amount. Decreases are guarded so the line cannot end up
// over-consumed.
func (t *Tracker) Adjust(ctx context.Context, q db.Queryer, tenantID, lineID int64, delta float64) error {
	line, err := t.lockLine(ctx, q, tenantID, lineID)
	if err != nil {
		return err
	}
	if err := guardAdjust(line, delta); err != nil {
		return err
	}
	_, err = q.Exec(ctx, `UPDATE budget_lines SET modified = modified + $3, updated_at = NOW() WHERE tenant_id=$1 AND id=$2`, tenantID, lineID, toNumeric(delta))
	return err
}

func scanLine(row pgx.Row) (Line, error) {
	var l Line
	err := row.Scan(&l.ID, &l.TenantID, &l.PeriodID, &l.Code, &l.Name, &l.Allocated, &l.Modified, &l.Reserved, &l.Engaged, &l.Paid, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func toNumeric(v float64) any {
	return fmt.Sprintf("%.2f", v)
}
