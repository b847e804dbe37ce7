package treasury

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fiducia-app/fiducia/internal/platform/httpx"
	"github.com/fiducia-app/fiducia/internal/shared"
)

type Handler struct {
	repo   *Repository
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers treasury routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/treasury-accounts", h.list)
	r.Get("/treasury-accounts/{id}", h.get)
	r.Get("/treasury-accounts/{id}/operations", h.listOperations)
	r.Post("/treasury-operations/reconcile", h.reconcile)
}

type accountDTO struct {
	ID      int64   `json:"id"`
	Code    string  `json:"code"`
	Name    string  `json:"name"`
	Balance float64 `json:"balance"`
}

type operationDTO struct {
	ID            int64   `json:"id"`
	AccountID     int64   `json:"account_id"`
	Direction     string  `json:"direction"`
	Amount        float64 `json:"amount"`
	OperationType string  `json:"operation_type"`
	SourceRef     string  `json:"source_ref"`
	Reconciled    bool    `json:"reconciled"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	accounts, err := h.repo.List(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("list treasury accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]accountDTO, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountDTO{ID: a.ID, Code: a.Code, Name: a.Name, Balance: a.Balance})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"treasury_accounts": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	account, err := h.repo.Get(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, accountDTO{ID: account.ID, Code: account.Code, Name: account.Name, Balance: account.Balance})
}

func (h *Handler) listOperations(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ops, err := h.repo.ListOperations(r.Context(), tenantID, id, limit)
	if err != nil {
		h.logger.Error("list treasury operations", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]operationDTO, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationDTO{
			ID:            op.ID,
			AccountID:     op.AccountID,
			Direction:     string(op.Direction),
			Amount:        op.Amount,
			OperationType: op.OperationType,
			SourceRef:     op.SourceRef.String(),
			Reconciled:    op.Reconciled,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"operations": out})
}

type reconcileRequest struct {
	OperationIDs []int64 `json:"operation_ids"`
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.repo.Reconcile(r.Context(), tenantID, req.OperationIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reconciled": len(req.OperationIDs)})
}
