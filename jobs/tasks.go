// Package jobs hosts the asynchronous side of the service: reservation
// expiry sweeps, ledger integrity scans and idempotency key cleanup.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReservationExpiry sweeps overdue credit reservations.
	TaskReservationExpiry = "reservation:expire"
	// TaskLedgerIntegrity runs the ledger and budget consistency checks.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup prunes processed idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// ReservationExpiryPayload bounds one sweep run.
type ReservationExpiryPayload struct {
	Limit int `json:"limit"`
}

// NewReservationExpiryTask constructs the sweep task.
func NewReservationExpiryTask(payload ReservationExpiryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReservationExpiry, data), nil
}

// NewLedgerIntegrityTask constructs the integrity scan task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}
