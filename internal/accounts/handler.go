package accounts

import (
	"log/slog"
	"net/http"
	"strconv"

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

// MountRoutes registers account registry routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts", h.list)
	r.Post("/accounts", h.create)
	r.Get("/accounts/{id}", h.get)
}

type accountPayload struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Nature   string `json:"nature"`
	ParentID *int64 `json:"parent_id"`
}

type accountDTO struct {
	ID       int64  `json:"id"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Nature   string `json:"nature"`
	ParentID *int64 `json:"parent_id,omitempty"`
	IsActive bool   `json:"is_active"`
}

func toAccountDTO(a Account) accountDTO {
	return accountDTO{ID: a.ID, Code: a.Code, Name: a.Name, Nature: string(a.Nature), ParentID: a.ParentID, IsActive: a.IsActive}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	if code := r.URL.Query().Get("code"); code != "" {
		account, err := h.service.GetByCode(r.Context(), tenantID, code)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"accounts": []accountDTO{toAccountDTO(account)}})
		return
	}
	accounts, err := h.service.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]accountDTO, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountDTO(a))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var payload accountPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if payload.Code == "" || payload.Name == "" {
		httpx.RespondError(w, shared.NewValidationError("code", "code and name are required"))
		return
	}
	account, err := h.service.Create(r.Context(), Account{
		TenantID: tenantID,
		Code:     payload.Code,
		Name:     payload.Name,
		Nature:   Nature(payload.Nature),
		ParentID: payload.ParentID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccountDTO(account))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	account, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountDTO(account))
}
