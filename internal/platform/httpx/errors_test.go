package httpx

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fiducia-app/fiducia/internal/shared"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", shared.NewValidationError("amount", "must be positive"), 400},
		{"insufficient budget", &shared.InsufficientBudgetError{LineID: 1, Requested: 10, Available: 5}, 422},
		{"concurrency conflict", shared.ErrConcurrencyConflict, 409},
		{"already posted", shared.ErrAlreadyPosted, 409},
		{"already reversed", shared.ErrAlreadyReversed, 409},
		{"not found", shared.ErrNotFound, 404},
		{"unknown", errors.New("boom"), 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondError(rec, tc.err)
			require.Equal(t, tc.want, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}
