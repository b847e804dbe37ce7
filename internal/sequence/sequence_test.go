package sequence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatPadsToFixedWidth(t *testing.T) {
	require.Equal(t, "RES-00001", Format(PrefixReservation, 1))
	require.Equal(t, "ENG-00042", Format(PrefixEngagement, 42))
	require.Equal(t, "CMD-00317", Format(PrefixPurchaseOrder, 317))
	require.Equal(t, "FAC-12345", Format(PrefixInvoice, 12345))
	require.Equal(t, "PAI-99999", Format(PrefixPayment, 99999))
}

func TestRenderRejectsExhaustedCounter(t *testing.T) {
	got, err := render(PrefixExpense, capacity-1)
	require.NoError(t, err)
	require.Equal(t, "DEP-99999", got)

	_, err = render(PrefixExpense, capacity)
	require.ErrorIs(t, err, ErrExhausted)

	_, err = render(PrefixExpense, capacity+1)
	require.ErrorIs(t, err, ErrExhausted)
}
