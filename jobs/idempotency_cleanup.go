package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fiducia-app/fiducia/internal/jobs"
	"github.com/fiducia-app/fiducia/internal/shared"
)

// IdempotencyCleanup prunes processed request keys past their retention.
type IdempotencyCleanup struct {
	store     *shared.IdempotencyStore
	retention time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
}

// NewIdempotencyCleanup constructs the cleanup handler.
func NewIdempotencyCleanup(store *shared.IdempotencyStore, retention time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanup {
	return &IdempotencyCleanup{store: store, retention: retention, logger: logger, metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanup) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track("idempotency_cleanup")
	if err := j.store.Cleanup(ctx, j.retention); err != nil {
		return tracker.End(err)
	}
	j.logger.Info("idempotency cleanup done", slog.Duration("retention", j.retention))
	return tracker.End(nil)
}
