package rules

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fiducia-app/fiducia/internal/platform/httpx"
	"github.com/fiducia-app/fiducia/internal/shared"
)

type Handler struct {
	service   *Service
	logger    *slog.Logger
	validator *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers accounting rule configuration routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/rules", h.list)
	r.Post("/rules", h.create)
	r.Put("/rules/{id}", h.update)
	r.Post("/rules/{id}/deactivate", h.deactivate)
	r.Post("/rules/reorder", h.reorder)
}

type conditionPayload struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required"`
	Value    any    `json:"value"`
}

type rulePayload struct {
	OperationType   string             `json:"operation_type" validate:"required"`
	DebitAccountID  int64              `json:"debit_account_id" validate:"required,gt=0"`
	CreditAccountID int64              `json:"credit_account_id" validate:"required,gt=0"`
	Active          bool               `json:"active"`
	Conditions      []conditionPayload `json:"conditions" validate:"dive"`
}

type ruleDTO struct {
	ID              int64       `json:"id"`
	OperationType   string      `json:"operation_type"`
	Ordre           int         `json:"ordre"`
	Active          bool        `json:"active"`
	DebitAccountID  int64       `json:"debit_account_id"`
	CreditAccountID int64       `json:"credit_account_id"`
	Conditions      []Condition `json:"conditions"`
}

func toRuleDTO(r Rule) ruleDTO {
	conditions := r.Conditions
	if conditions == nil {
		conditions = []Condition{}
	}
	return ruleDTO{
		ID:              r.ID,
		OperationType:   r.OperationType,
		Ordre:           r.Ordre,
		Active:          r.Active,
		DebitAccountID:  r.DebitAccountID,
		CreditAccountID: r.CreditAccountID,
		Conditions:      conditions,
	}
}

func (h *Handler) decodeRule(r *http.Request) (Rule, error) {
	var payload rulePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return Rule{}, shared.NewValidationError("body", "invalid JSON")
	}
	if err := h.validator.Struct(payload); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			return Rule{}, shared.NewValidationError(strings.ToLower(fieldErrs[0].Field()), "failed "+fieldErrs[0].Tag()+" check")
		}
		return Rule{}, shared.NewValidationError("body", err.Error())
	}
	rule := Rule{
		TenantID:        shared.TenantFromContext(r.Context()),
		OperationType:   payload.OperationType,
		Active:          payload.Active,
		DebitAccountID:  payload.DebitAccountID,
		CreditAccountID: payload.CreditAccountID,
	}
	for _, c := range payload.Conditions {
		rule.Conditions = append(rule.Conditions, Condition{Field: c.Field, Operator: Operator(c.Operator), Value: c.Value})
	}
	return rule, nil
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	ruleSet, err := h.service.List(r.Context(), tenantID, r.URL.Query().Get("operation_type"))
	if err != nil {
		h.logger.Error("list rules", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]ruleDTO, 0, len(ruleSet))
	for _, rule := range ruleSet {
		out = append(out, toRuleDTO(rule))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rules": out})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	rule, err := h.decodeRule(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	created, err := h.service.Create(r.Context(), rule)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRuleDTO(created))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	rule, err := h.decodeRule(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rule.ID = id
	if err := h.service.Update(r.Context(), rule); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": id})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("id", "must be an integer"))
		return
	}
	tenantID := shared.TenantFromContext(r.Context())
	if err := h.service.Deactivate(r.Context(), tenantID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"deactivated": id})
}

type reorderPayload struct {
	OperationType string  `json:"operation_type" validate:"required"`
	RuleIDs       []int64 `json:"rule_ids" validate:"required,min=1"`
}

func (h *Handler) reorder(w http.ResponseWriter, r *http.Request) {
	var payload reorderPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	tenantID := shared.TenantFromContext(r.Context())
	if err := h.service.Reorder(r.Context(), tenantID, payload.OperationType, payload.RuleIDs); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reordered": len(payload.RuleIDs)})
}
