package budget

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiducia-app/fiducia/internal/platform/db"
	"github.com/fiducia-app/fiducia/internal/platform/httpx"
	"github.com/fiducia-app/fiducia/internal/shared"
)

type Handler struct {
	repo     *Repository
	pool     *pgxpool.Pool
	tracker  *Tracker
	audit    *shared.AuditLogger
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(logger *slog.Logger, repo *Repository, pool *pgxpool.Pool, tracker *Tracker, audit *shared.AuditLogger) *Handler {
	return &Handler{
		repo:     repo,
		pool:     pool,
		tracker:  tracker,
		audit:    audit,
		validate: validator.New(),
		logger:   logger,
	}
}

// MountRoutes registers budget line routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/budget-lines", h.list)
	r.Get("/budget-lines/{id}", h.get)
	r.Post("/budget-lines/{id}/adjust", h.adjust)
}

type lineDTO struct {
	ID        int64   `json:"id"`
	PeriodID  int64   `json:"period_id"`
	Code      string  `json:"code"`
	Name      string  `json:"name"`
	Allocated float64 `json:"allocated"`
	Modified  float64 `json:"modified"`
	Reserved  float64 `json:"reserved"`
	Engaged   float64 `json:"engaged"`
	Paid      float64 `json:"paid"`
	Available float64 `json:"available"`
	Status    string  `json:"status"`
}

func toLineDTO(l Line) lineDTO {
	return lineDTO{
		ID:        l.ID,
		PeriodID:  l.PeriodID,
		Code:      l.Code,
		Name:      l.Name,
		Allocated: l.Allocated,
		Modified:  l.Modified,
		Reserved:  l.Reserved,
		Engaged:   l.Engaged,
		Paid:      l.Paid,
		Available: l.Available(),
		Status:    string(l.Status),
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, _ := strconv.ParseInt(r.URL.Query().Get("period_id"), 10, 64)
	if periodID == 0 {
		httpx.RespondError(w, shared.NewValidationError("period_id", "required"))
		return
	}
	lines, err := h.repo.List(r.Context(), tenantID, periodID)
	if err != nil {
		h.logger.Error("list budget lines", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]lineDTO, 0, len(lines))
	for _, l := range lines {
		out = append(out, toLineDTO(l))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"budget_lines": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	line, err := h.repo.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLineDTO(line))
}

type adjustPayload struct {
	Delta  float64 `json:"delta" validate:"required"`
	Reason string  `json:"reason" validate:"required,max=500"`
}

// adjust applies a budget modification decision (transfer or amendment) to
// the line's modified amount.
func (h *Handler) adjust(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	var p adjustPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	err = db.WithTx(r.Context(), h.pool, func(tx pgx.Tx) error {
		return h.tracker.Adjust(r.Context(), tx, tenantID, id, p.Delta)
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		TenantID: tenantID,
		ActorID:  shared.ActorFromContext(r.Context()),
		Action:   "budget.adjust",
		Entity:   "budget_line",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     map[string]any{"delta": p.Delta, "reason": p.Reason},
	}); err != nil {
		h.logger.Warn("budget: audit record failed", slog.Any("error", err))
	}
	line, err := h.repo.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toLineDTO(line))
}
