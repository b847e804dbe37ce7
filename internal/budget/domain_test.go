package budget

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fiducia-app/fiducia/internal/shared"
)

func activeLine(modified, reserved, engaged float64) Line {
	return Line{ID: 1, TenantID: 1, Modified: modified, Reserved: reserved, Engaged: engaged, Status: LineStatusActive}
}

func TestAvailableIdentity(t *testing.T) {
	line := activeLine(1_000_000, 300_000, 200_000)
	require.InDelta(t, 500_000, line.Available(), 0.001)

	// Paid amounts do not change availability.
	line.Paid = 150_000
	require.InDelta(t, 500_000, line.Available(), 0.001)
}

func TestGuardConsumeRefusesOverrun(t *testing.T) {
	line := activeLine(1_000_000, 300_000, 0)

	err := guardConsume(line, 800_000, 0)
	var insufficient *shared.InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(1), insufficient.LineID)
	require.InDelta(t, 700_000, insufficient.Available, 0.001)

	require.NoError(t, guardConsume(line, 700_000, 0))
}

func TestGuardConsumeFreedReservation(t *testing.T) {
	// Converting a reservation releases it in the same movement, so an
	// engagement of the full reserved amount passes even on a tight line.
	line := activeLine(300_000, 300_000, 0)
	require.NoError(t, guardConsume(line, 300_000, 300_000))

	err := guardConsume(line, 300_000, 0)
	var insufficient *shared.InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
}

func TestGuardConsumeClosedLine(t *testing.T) {
	line := activeLine(1_000_000, 0, 0)
	line.Status = LineStatusClosed
	err := guardConsume(line, 1, 0)
	var validation *shared.ValidationError
	require.True(t, errors.As(err, &validation))
}

func TestGuardConsumeRejectsNonPositive(t *testing.T) {
	line := activeLine(1_000_000, 0, 0)
	require.Error(t, guardConsume(line, 0, 0))
	require.Error(t, guardConsume(line, -5, 0))
}

func TestGuardAdjustIncreaseAlwaysPasses(t *testing.T) {
	line := activeLine(100_000, 100_000, 0)
	require.NoError(t, guardAdjust(line, 50_000))
}

func TestGuardAdjustDecreaseStopsAtConsumption(t *testing.T) {
	// 1 000 000 modified, 300 000 reserved, 200 000 engaged: 500 000 open.
	line := activeLine(1_000_000, 300_000, 200_000)
	require.NoError(t, guardAdjust(line, -500_000))

	err := guardAdjust(line, -500_001)
	var insufficient *shared.InsufficientBudgetError
	require.ErrorAs(t, err, &insufficient)
	require.InDelta(t, 500_000, insufficient.Available, 0.001)
	require.InDelta(t, 500_001, insufficient.Requested, 0.001)
}

func TestGuardAdjustRejectsClosedLineAndZeroDelta(t *testing.T) {
	line := activeLine(1_000_000, 0, 0)
	require.Error(t, guardAdjust(line, 0))

	line.Status = LineStatusClosed
	var validation *shared.ValidationError
	require.True(t, errors.As(guardAdjust(line, 10_000), &validation))
}
