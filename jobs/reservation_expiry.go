package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fiducia-app/fiducia/internal/jobs"
	"github.com/fiducia-app/fiducia/internal/pipeline"
)

const defaultExpiryBatch = 100

// ReservationExpiry releases the budget of reservations whose expiry date
// passed and reverses their postings.
type ReservationExpiry struct {
	service *pipeline.Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewReservationExpiry constructs the sweep handler.
func NewReservationExpiry(service *pipeline.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReservationExpiry {
	return &ReservationExpiry{service: service, logger: logger, metrics: metrics}
}

// Handle processes TaskReservationExpiry tasks.
func (j *ReservationExpiry) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("reservation_expiry")
	var payload ReservationExpiryPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultExpiryBatch
	}
	expired, err := j.service.ExpireDueReservations(ctx, limit)
	if err != nil {
		return tracker.End(err)
	}
	if expired > 0 {
		j.logger.Info("reservation expiry sweep", slog.Int("expired", expired))
	}
	return tracker.End(nil)
}
