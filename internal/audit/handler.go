package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fiducia-app/fiducia/internal/platform/httpx"
	"github.com/fiducia-app/fiducia/internal/shared"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the audit timeline route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/audit-logs", h.timeline)
}

type rowDTO struct {
	ID         int64          `json:"id"`
	ActorID    int64          `json:"actor_id"`
	Action     string         `json:"action"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	Meta       map[string]any `json:"meta,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	q := r.URL.Query()

	filters := TimelineFilters{
		Entity: q.Get("entity"),
		Action: q.Get("action"),
	}
	if v := q.Get("actor_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid parameter", "actor_id must be an integer")
			return
		}
		filters.ActorID = id
	}
	for _, p := range []struct {
		name   string
		target *time.Time
	}{{"from", &filters.From}, {"to", &filters.To}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Invalid parameter", p.name+" must be RFC3339")
				return
			}
			*p.target = t
		}
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	result, err := h.service.Timeline(r.Context(), tenantID, filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	rows := make([]rowDTO, 0, len(result.Rows))
	for _, row := range result.Rows {
		rows = append(rows, rowDTO{
			ID:         row.ID,
			ActorID:    row.ActorID,
			Action:     row.Action,
			Entity:     row.Entity,
			EntityID:   row.EntityID,
			Meta:       row.Meta,
			OccurredAt: row.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"audit_logs": rows,
		"paging": map[string]any{
			"page":      result.Paging.Page,
			"page_size": result.Paging.PageSize,
			"has_next":  result.Paging.HasNext,
		},
	})
}
