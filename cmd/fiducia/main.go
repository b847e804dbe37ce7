package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fiducia-app/fiducia/internal/accounts"
	"github.com/fiducia-app/fiducia/internal/app"
	"github.com/fiducia-app/fiducia/internal/audit"
	"github.com/fiducia-app/fiducia/internal/budget"
	"github.com/fiducia-app/fiducia/internal/journal"
	"github.com/fiducia-app/fiducia/internal/observability"
	"github.com/fiducia-app/fiducia/internal/pipeline"
	"github.com/fiducia-app/fiducia/internal/platform/cache"
	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/rules"
	"github.com/fiducia-app/fiducia/internal/shared"
	"github.com/fiducia-app/fiducia/internal/treasury"
	"github.com/fiducia-app/fiducia/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, stats cache disabled", slog.Any("error", err))
	}
	defer func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	accountsRepo := accounts.NewRepository(pool)
	accountsService := accounts.NewService(accountsRepo)
	accountsHandler := accounts.NewHandler(logger, accountsService)

	budgetRepo := budget.NewRepository(pool)
	budgetHandler := budget.NewHandler(logger, budgetRepo, pool, budget.NewTracker(), auditLogger)

	treasuryRepo := treasury.NewRepository(pool)
	treasuryHandler := treasury.NewHandler(logger, treasuryRepo)

	rulesRepo := rules.NewRepository(pool)
	rulesService := rules.NewService(rulesRepo)
	rulesHandler := rules.NewHandler(logger, rulesService)

	journalRepo := journal.NewRepository(pool)
	journalHandler := journal.NewHandler(logger, journalRepo)

	pipelineRepo := pipeline.NewRepository(pool, budget.NewTracker(), treasury.NewTracker(logger), journal.NewStore())
	pipelineService := pipeline.NewService(logger, pipelineRepo, rulesService, auditLogger).
		WithReservationTTL(cfg.ReservationTTL)
	if redisClient != nil {
		pipelineService.WithStatsCache(pipeline.NewStatsCache(redisClient, 30*time.Second))
	}
	pipelineHandler := pipeline.NewHandler(logger, pipelineService, idempotencyStore)

	auditHandler := audit.NewHandler(logger, audit.NewService(audit.NewRepository(pool)))

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AccountsHandler: accountsHandler,
		BudgetHandler:   budgetHandler,
		TreasuryHandler: treasuryHandler,
		RulesHandler:    rulesHandler,
		JournalHandler:  journalHandler,
		PipelineHandler: pipelineHandler,
		AuditHandler:    auditHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
