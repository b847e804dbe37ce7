package pipeline

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/fiducia-app/fiducia/internal/platform/httpx"
	"github.com/fiducia-app/fiducia/internal/shared"
)

// Handler exposes the execution chain over HTTP. All mutating routes demand
// an Idempotency-Key header; a replayed key is rejected with a conflict.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	idem     *shared.IdempotencyStore
	validate *validator.Validate
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service, idem *shared.IdempotencyStore) *Handler {
	return &Handler{logger: logger, service: service, idem: idem, validate: validator.New()}
}

// MountRoutes registers pipeline routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reservations", h.createReservation)
	r.Get("/reservations", h.listReservations)
	r.Get("/reservations/{id}", h.getReservation)
	r.Post("/reservations/{id}/cancel", h.cancelReservation)

	r.Post("/engagements", h.createEngagement)
	r.Get("/engagements", h.listEngagements)
	r.Get("/engagements/{id}", h.getEngagement)
	r.Post("/engagements/{id}/cancel", h.cancelEngagement)

	r.Post("/orders", h.createOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/receive", h.receiveOrder)
	r.Post("/orders/{id}/cancel", h.cancelOrder)

	r.Post("/invoices", h.createInvoice)
	r.Get("/invoices", h.listInvoices)
	r.Get("/invoices/{id}", h.getInvoice)
	r.Post("/invoices/{id}/cancel", h.cancelInvoice)

	r.Post("/expenses", h.createExpense)
	r.Get("/expenses", h.listExpenses)
	r.Get("/expenses/{id}", h.getExpense)
	r.Post("/expenses/{id}/order", h.orderExpense)
	r.Post("/expenses/{id}/cancel", h.cancelExpense)

	r.Post("/payments", h.createPayment)
	r.Get("/payments", h.listPayments)
	r.Get("/payments/{id}", h.getPayment)
	r.Post("/payments/{id}/cancel", h.cancelPayment)

	r.Post("/receipts", h.createReceipt)
	r.Get("/receipts", h.listReceipts)
	r.Get("/receipts/{id}", h.getReceipt)
	r.Post("/receipts/{id}/cancel", h.cancelReceipt)

	r.With(httprate.LimitByIP(60, time.Minute)).Get("/budget-lines/{id}/stats", h.lineStats)
}

const defaultListLimit = 100

// claimKey reserves the request's Idempotency-Key. The caller must release
// it with releaseKey when the operation fails, so a retry can go through.
func (h *Handler) claimKey(r *http.Request, tenantID int64) (string, error) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		return "", shared.NewValidationError("Idempotency-Key", "header required")
	}
	if err := h.idem.CheckAndInsert(r.Context(), tenantID, key, "pipeline"); err != nil {
		return "", err
	}
	return key, nil
}

func (h *Handler) releaseKey(r *http.Request, tenantID int64, key string) {
	if err := h.idem.Delete(r.Context(), tenantID, key); err != nil {
		h.logger.Warn("pipeline: idempotency key release failed", "key", key, "error", err)
	}
}

func urlID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}

func listParams(r *http.Request) (periodID int64, limit int, err error) {
	periodID, _ = strconv.ParseInt(r.URL.Query().Get("period_id"), 10, 64)
	if periodID == 0 {
		return 0, 0, shared.NewValidationError("period_id", "required")
	}
	limit = defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, convErr := strconv.Atoi(raw); convErr == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return periodID, limit, nil
}

type cancelPayload struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) decodeCancel(r *http.Request) (string, error) {
	var p cancelPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		return "", shared.NewValidationError("body", "invalid JSON")
	}
	if err := h.validate.Struct(p); err != nil {
		return "", shared.NewValidationError("reason", "required")
	}
	return p.Reason, nil
}

type reservationPayload struct {
	PeriodID     int64      `json:"period_id" validate:"required"`
	BudgetLineID int64      `json:"budget_line_id" validate:"required"`
	Amount       float64    `json:"amount" validate:"required,gt=0"`
	Label        string     `json:"label" validate:"required"`
	Notes        string     `json:"notes"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type reservationDTO struct {
	ID           int64      `json:"id"`
	Ref          string     `json:"ref"`
	Number       string     `json:"number"`
	PeriodID     int64      `json:"period_id"`
	BudgetLineID int64      `json:"budget_line_id"`
	Amount       float64    `json:"amount"`
	Label        string     `json:"label"`
	Notes        string     `json:"notes,omitempty"`
	Status       string     `json:"status"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toReservationDTO(v Reservation) reservationDTO {
	return reservationDTO{
		ID:           v.ID,
		Ref:          v.Ref.String(),
		Number:       v.Number,
		PeriodID:     v.PeriodID,
		BudgetLineID: v.BudgetLineID,
		Amount:       v.Amount,
		Label:        v.Label,
		Notes:        v.Notes,
		Status:       string(v.Status),
		ExpiresAt:    v.ExpiresAt,
		CancelReason: v.CancelReason,
		CreatedAt:    v.CreatedAt,
	}
}

func (h *Handler) createReservation(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p reservationPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.CreateReservation(r.Context(), tenantID, ReservationInput{
		PeriodID:     p.PeriodID,
		BudgetLineID: p.BudgetLineID,
		Amount:       p.Amount,
		Label:        p.Label,
		Notes:        p.Notes,
		ExpiresAt:    p.ExpiresAt,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReservationDTO(res))
}

func (h *Handler) listReservations(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListReservations(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]reservationDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toReservationDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"reservations": out})
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetReservation(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReservationDTO(v))
}

func (h *Handler) cancelReservation(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelReservation(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type engagementPayload struct {
	PeriodID      int64   `json:"period_id" validate:"required"`
	BudgetLineID  int64   `json:"budget_line_id"`
	ReservationID *int64  `json:"reservation_id"`
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	Label         string  `json:"label" validate:"required"`
	Notes         string  `json:"notes"`
}

type engagementDTO struct {
	ID            int64     `json:"id"`
	Ref           string    `json:"ref"`
	Number        string    `json:"number"`
	PeriodID      int64     `json:"period_id"`
	BudgetLineID  int64     `json:"budget_line_id"`
	ReservationID *int64    `json:"reservation_id,omitempty"`
	Amount        float64   `json:"amount"`
	Label         string    `json:"label"`
	Notes         string    `json:"notes,omitempty"`
	Status        string    `json:"status"`
	CancelReason  *string   `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toEngagementDTO(v Engagement) engagementDTO {
	return engagementDTO{
		ID:            v.ID,
		Ref:           v.Ref.String(),
		Number:        v.Number,
		PeriodID:      v.PeriodID,
		BudgetLineID:  v.BudgetLineID,
		ReservationID: v.ReservationID,
		Amount:        v.Amount,
		Label:         v.Label,
		Notes:         v.Notes,
		Status:        string(v.Status),
		CancelReason:  v.CancelReason,
		CreatedAt:     v.CreatedAt,
	}
}

func (h *Handler) createEngagement(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p engagementPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	eng, err := h.service.CreateEngagement(r.Context(), tenantID, EngagementInput{
		PeriodID:      p.PeriodID,
		BudgetLineID:  p.BudgetLineID,
		ReservationID: p.ReservationID,
		Amount:        p.Amount,
		Label:         p.Label,
		Notes:         p.Notes,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEngagementDTO(eng))
}

func (h *Handler) listEngagements(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListEngagements(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]engagementDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toEngagementDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"engagements": out})
}

func (h *Handler) getEngagement(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetEngagement(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEngagementDTO(v))
}

func (h *Handler) cancelEngagement(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelEngagement(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type orderPayload struct {
	PeriodID     int64   `json:"period_id" validate:"required"`
	EngagementID *int64  `json:"engagement_id"`
	Amount       float64 `json:"amount" validate:"required,gt=0"`
	Label        string  `json:"label" validate:"required"`
}

type orderDTO struct {
	ID           int64      `json:"id"`
	Ref          string     `json:"ref"`
	Number       string     `json:"number"`
	PeriodID     int64      `json:"period_id"`
	EngagementID *int64     `json:"engagement_id,omitempty"`
	Amount       float64    `json:"amount"`
	Label        string     `json:"label"`
	Status       string     `json:"status"`
	ReceivedAt   *time.Time `json:"received_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toOrderDTO(v Order) orderDTO {
	return orderDTO{
		ID:           v.ID,
		Ref:          v.Ref.String(),
		Number:       v.Number,
		PeriodID:     v.PeriodID,
		EngagementID: v.EngagementID,
		Amount:       v.Amount,
		Label:        v.Label,
		Status:       string(v.Status),
		ReceivedAt:   v.ReceivedAt,
		CancelReason: v.CancelReason,
		CreatedAt:    v.CreatedAt,
	}
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p orderPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ord, err := h.service.CreateOrder(r.Context(), tenantID, OrderInput{
		PeriodID:     p.PeriodID,
		EngagementID: p.EngagementID,
		Amount:       p.Amount,
		Label:        p.Label,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOrderDTO(ord))
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListOrders(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]orderDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toOrderDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": out})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetOrder(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toOrderDTO(v))
}

func (h *Handler) receiveOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.MarkOrderReceived(r.Context(), tenantID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelOrder(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invoicePayload struct {
	PeriodID      int64   `json:"period_id" validate:"required"`
	OrderID       *int64  `json:"order_id"`
	EngagementID  *int64  `json:"engagement_id"`
	AmountExclTax float64 `json:"amount_excl_tax" validate:"required,gt=0"`
	AmountTax     float64 `json:"amount_tax" validate:"gte=0"`
	Label         string  `json:"label" validate:"required"`
}

type invoiceDTO struct {
	ID            int64     `json:"id"`
	Ref           string    `json:"ref"`
	Number        string    `json:"number"`
	PeriodID      int64     `json:"period_id"`
	OrderID       *int64    `json:"order_id,omitempty"`
	EngagementID  *int64    `json:"engagement_id,omitempty"`
	AmountExclTax float64   `json:"amount_excl_tax"`
	AmountTax     float64   `json:"amount_tax"`
	AmountIncl    float64   `json:"amount_incl"`
	AmountPaid    float64   `json:"amount_paid"`
	Label         string    `json:"label"`
	Status        string    `json:"status"`
	CancelReason  *string   `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toInvoiceDTO(v Invoice) invoiceDTO {
	return invoiceDTO{
		ID:            v.ID,
		Ref:           v.Ref.String(),
		Number:        v.Number,
		PeriodID:      v.PeriodID,
		OrderID:       v.OrderID,
		EngagementID:  v.EngagementID,
		AmountExclTax: v.AmountExclTax,
		AmountTax:     v.AmountTax,
		AmountIncl:    v.AmountIncl,
		AmountPaid:    v.AmountPaid,
		Label:         v.Label,
		Status:        string(v.Status),
		CancelReason:  v.CancelReason,
		CreatedAt:     v.CreatedAt,
	}
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p invoicePayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.CreateInvoice(r.Context(), tenantID, InvoiceInput{
		PeriodID:      p.PeriodID,
		OrderID:       p.OrderID,
		EngagementID:  p.EngagementID,
		AmountExclTax: p.AmountExclTax,
		AmountTax:     p.AmountTax,
		Label:         p.Label,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListInvoices(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]invoiceDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toInvoiceDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetInvoice(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInvoiceDTO(v))
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelInvoice(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type expensePayload struct {
	PeriodID      int64   `json:"period_id" validate:"required"`
	EngagementID  *int64  `json:"engagement_id"`
	ReservationID *int64  `json:"reservation_id"`
	BudgetLineID  int64   `json:"budget_line_id"`
	Amount        float64 `json:"amount" validate:"required,gt=0"`
	Label         string  `json:"label" validate:"required"`
}

type expenseDTO struct {
	ID            int64     `json:"id"`
	Ref           string    `json:"ref"`
	Number        string    `json:"number"`
	PeriodID      int64     `json:"period_id"`
	EngagementID  *int64    `json:"engagement_id,omitempty"`
	ReservationID *int64    `json:"reservation_id,omitempty"`
	BudgetLineID  int64     `json:"budget_line_id"`
	Amount        float64   `json:"amount"`
	AmountPaid    float64   `json:"amount_paid"`
	Label         string    `json:"label"`
	Status        string    `json:"status"`
	CancelReason  *string   `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toExpenseDTO(v Expense) expenseDTO {
	return expenseDTO{
		ID:            v.ID,
		Ref:           v.Ref.String(),
		Number:        v.Number,
		PeriodID:      v.PeriodID,
		EngagementID:  v.EngagementID,
		ReservationID: v.ReservationID,
		BudgetLineID:  v.BudgetLineID,
		Amount:        v.Amount,
		AmountPaid:    v.AmountPaid,
		Label:         v.Label,
		Status:        string(v.Status),
		CancelReason:  v.CancelReason,
		CreatedAt:     v.CreatedAt,
	}
}

func (h *Handler) createExpense(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p expensePayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	exp, err := h.service.CreateExpense(r.Context(), tenantID, ExpenseInput{
		PeriodID:      p.PeriodID,
		EngagementID:  p.EngagementID,
		ReservationID: p.ReservationID,
		BudgetLineID:  p.BudgetLineID,
		Amount:        p.Amount,
		Label:         p.Label,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toExpenseDTO(exp))
}

func (h *Handler) listExpenses(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListExpenses(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]expenseDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toExpenseDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"expenses": out})
}

func (h *Handler) getExpense(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetExpense(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toExpenseDTO(v))
}

func (h *Handler) orderExpense(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.OrderExpense(r.Context(), tenantID, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cancelExpense(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelExpense(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type paymentPayload struct {
	PeriodID          int64   `json:"period_id" validate:"required"`
	ExpenseID         int64   `json:"expense_id" validate:"required"`
	TreasuryAccountID int64   `json:"treasury_account_id" validate:"required"`
	Mode              string  `json:"mode" validate:"required"`
	Amount            float64 `json:"amount" validate:"required,gt=0"`
}

type paymentDTO struct {
	ID                int64     `json:"id"`
	Ref               string    `json:"ref"`
	Number            string    `json:"number"`
	PeriodID          int64     `json:"period_id"`
	ExpenseID         int64     `json:"expense_id"`
	TreasuryAccountID int64     `json:"treasury_account_id"`
	Mode              string    `json:"mode"`
	Amount            float64   `json:"amount"`
	Status            string    `json:"status"`
	CancelReason      *string   `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func toPaymentDTO(v Payment) paymentDTO {
	return paymentDTO{
		ID:                v.ID,
		Ref:               v.Ref.String(),
		Number:            v.Number,
		PeriodID:          v.PeriodID,
		ExpenseID:         v.ExpenseID,
		TreasuryAccountID: v.TreasuryAccountID,
		Mode:              v.Mode,
		Amount:            v.Amount,
		Status:            string(v.Status),
		CancelReason:      v.CancelReason,
		CreatedAt:         v.CreatedAt,
	}
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p paymentPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pay, err := h.service.CreatePayment(r.Context(), tenantID, PaymentInput{
		PeriodID:          p.PeriodID,
		ExpenseID:         p.ExpenseID,
		TreasuryAccountID: p.TreasuryAccountID,
		Mode:              p.Mode,
		Amount:            p.Amount,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPaymentDTO(pay))
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListPayments(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]paymentDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toPaymentDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": out})
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetPayment(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPaymentDTO(v))
}

func (h *Handler) cancelPayment(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelPayment(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type receiptPayload struct {
	PeriodID          int64   `json:"period_id" validate:"required"`
	TreasuryAccountID int64   `json:"treasury_account_id" validate:"required"`
	Amount            float64 `json:"amount" validate:"required,gt=0"`
	Label             string  `json:"label" validate:"required"`
}

type receiptDTO struct {
	ID                int64     `json:"id"`
	Ref               string    `json:"ref"`
	Number            string    `json:"number"`
	PeriodID          int64     `json:"period_id"`
	TreasuryAccountID int64     `json:"treasury_account_id"`
	Amount            float64   `json:"amount"`
	Label             string    `json:"label"`
	Status            string    `json:"status"`
	CancelReason      *string   `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func toReceiptDTO(v Receipt) receiptDTO {
	return receiptDTO{
		ID:                v.ID,
		Ref:               v.Ref.String(),
		Number:            v.Number,
		PeriodID:          v.PeriodID,
		TreasuryAccountID: v.TreasuryAccountID,
		Amount:            v.Amount,
		Label:             v.Label,
		Status:            string(v.Status),
		CancelReason:      v.CancelReason,
		CreatedAt:         v.CreatedAt,
	}
}

func (h *Handler) createReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	var p receiptPayload
	if err := httpx.DecodeJSON(r, &p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := h.validate.Struct(p); err != nil {
		httpx.RespondError(w, shared.NewValidationError("body", err.Error()))
		return
	}
	key, err := h.claimKey(r, tenantID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.CreateReceipt(r.Context(), tenantID, ReceiptInput{
		PeriodID:          p.PeriodID,
		TreasuryAccountID: p.TreasuryAccountID,
		Amount:            p.Amount,
		Label:             p.Label,
	})
	if err != nil {
		h.releaseKey(r, tenantID, key)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReceiptDTO(rec))
}

func (h *Handler) listReceipts(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, limit, err := listParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	items, err := h.service.repo.ListReceipts(r.Context(), tenantID, periodID, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]receiptDTO, 0, len(items))
	for _, v := range items {
		out = append(out, toReceiptDTO(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"receipts": out})
}

func (h *Handler) getReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.repo.GetReceipt(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReceiptDTO(v))
}

func (h *Handler) cancelReceipt(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	reason, err := h.decodeCancel(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.CancelReceipt(r.Context(), tenantID, id, reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stageTotalsDTO struct {
	Count int     `json:"count"`
	Total float64 `json:"total"`
}

type lineStatsDTO struct {
	BudgetLineID int64          `json:"budget_line_id"`
	Reservations stageTotalsDTO `json:"reservations"`
	Engagements  stageTotalsDTO `json:"engagements"`
	Expenses     stageTotalsDTO `json:"expenses"`
	Payments     stageTotalsDTO `json:"payments"`
}

func (h *Handler) lineStats(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	id, err := urlID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	stats, err := h.service.Stats(r.Context(), tenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lineStatsDTO{
		BudgetLineID: stats.BudgetLineID,
		Reservations: stageTotalsDTO{Count: stats.Reservations.Count, Total: stats.Reservations.Total},
		Engagements:  stageTotalsDTO{Count: stats.Engagements.Count, Total: stats.Engagements.Total},
		Expenses:     stageTotalsDTO{Count: stats.Expenses.Count, Total: stats.Expenses.Total},
		Payments:     stageTotalsDTO{Count: stats.Payments.Count, Total: stats.Payments.Total},
	})
}
