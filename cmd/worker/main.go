package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/fiducia-app/fiducia/internal/app"
	"github.com/fiducia-app/fiducia/internal/budget"
	"github.com/fiducia-app/fiducia/internal/journal"
	jobmetrics "github.com/fiducia-app/fiducia/internal/jobs"
	"github.com/fiducia-app/fiducia/internal/pipeline"
	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/rules"
	"github.com/fiducia-app/fiducia/internal/shared"
	"github.com/fiducia-app/fiducia/internal/treasury"
	"github.com/fiducia-app/fiducia/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGLockTimeout)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	rulesService := rules.NewService(rules.NewRepository(pool))
	pipelineRepo := pipeline.NewRepository(pool, budget.NewTracker(), treasury.NewTracker(logger), journal.NewStore())
	pipelineService := pipeline.NewService(logger, pipelineRepo, rulesService, auditLogger)

	expiryJob := jobs.NewReservationExpiry(pipelineService, logger, metrics)
	integrityJob := jobs.NewLedgerIntegrity(pool, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanup(idempotencyStore, cfg.IdempotencyRetention, logger, metrics)

	expiryTask, err := jobs.NewReservationExpiryTask(jobs.ReservationExpiryPayload{Limit: cfg.ReservationSweepBatch})
	if err != nil {
		logger.Error("build expiry task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReservationExpiry, Handler: expiryJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: expiryTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 1 * * *", Task: jobs.NewLedgerIntegrityTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
