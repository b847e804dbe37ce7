package journal

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

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

// MountRoutes registers ledger read routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/journal", h.list)
	r.Get("/journal/source/{ref}", h.listBySource)
}

type entryDTO struct {
	ID              int64   `json:"id"`
	PeriodID        int64   `json:"period_id"`
	PieceNumber     int64   `json:"piece_number"`
	LineNumber      int     `json:"line_number"`
	Date            string  `json:"date"`
	OperationType   string  `json:"operation_type"`
	SourceRef       string  `json:"source_ref"`
	DebitAccountID  int64   `json:"debit_account_id"`
	CreditAccountID int64   `json:"credit_account_id"`
	Amount          float64 `json:"amount"`
	Label           string  `json:"label"`
	RuleID          *int64  `json:"rule_id,omitempty"`
	ReversalOf      *int64  `json:"reversal_of,omitempty"`
}

func toEntryDTO(e Entry) entryDTO {
	return entryDTO{
		ID:              e.ID,
		PeriodID:        e.PeriodID,
		PieceNumber:     e.PieceNumber,
		LineNumber:      e.LineNumber,
		Date:            e.Date.Format("2006-01-02"),
		OperationType:   e.OperationType,
		SourceRef:       e.SourceRef.String(),
		DebitAccountID:  e.DebitAccountID,
		CreditAccountID: e.CreditAccountID,
		Amount:          e.Amount,
		Label:           e.Label,
		RuleID:          e.RuleID,
		ReversalOf:      e.ReversalOf,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	periodID, _ := strconv.ParseInt(r.URL.Query().Get("period_id"), 10, 64)
	if periodID == 0 {
		httpx.RespondError(w, shared.NewValidationError("period_id", "required"))
		return
	}
	var entries []Entry
	var err error
	if pieceParam := r.URL.Query().Get("piece"); pieceParam != "" {
		piece, convErr := strconv.ParseInt(pieceParam, 10, 64)
		if convErr != nil {
			httpx.RespondError(w, shared.NewValidationError("piece", "must be an integer"))
			return
		}
		entries, err = h.repo.ListByPiece(r.Context(), tenantID, periodID, piece)
	} else {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err = h.repo.ListRecent(r.Context(), tenantID, periodID, limit)
	}
	if err != nil {
		h.logger.Error("list journal", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) listBySource(w http.ResponseWriter, r *http.Request) {
	tenantID := shared.TenantFromContext(r.Context())
	ref, err := uuid.Parse(chi.URLParam(r, "ref"))
	if err != nil {
		httpx.RespondError(w, shared.NewValidationError("ref", "must be a UUID"))
		return
	}
	entries, err := h.repo.ListBySource(r.Context(), tenantID, ref)
	if err != nil {
		h.logger.Error("list journal by source", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryDTO(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}
