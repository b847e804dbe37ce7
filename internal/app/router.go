package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/fiducia-app/fiducia/internal/accounts"
	"github.com/fiducia-app/fiducia/internal/audit"
	"github.com/fiducia-app/fiducia/internal/budget"
	"github.com/fiducia-app/fiducia/internal/journal"
	"github.com/fiducia-app/fiducia/internal/observability"
	"github.com/fiducia-app/fiducia/internal/pipeline"
	"github.com/fiducia-app/fiducia/internal/rules"
	"github.com/fiducia-app/fiducia/internal/treasury"
	"github.com/fiducia-app/fiducia/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	AccountsHandler *accounts.Handler
	BudgetHandler   *budget.Handler
	TreasuryHandler *treasury.Handler
	RulesHandler    *rules.Handler
	JournalHandler  *journal.Handler
	PipelineHandler *pipeline.Handler
	AuditHandler    *audit.Handler
	JobHandler      *jobs.Handler
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router. Everything under /api/v1 is tenant
// scoped; health and metrics stay outside.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(TenantMiddleware(params.Logger))

		params.AccountsHandler.MountRoutes(r)
		params.BudgetHandler.MountRoutes(r)
		params.TreasuryHandler.MountRoutes(r)
		params.RulesHandler.MountRoutes(r)
		params.JournalHandler.MountRoutes(r)
		params.PipelineHandler.MountRoutes(r)
		params.AuditHandler.MountRoutes(r)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
