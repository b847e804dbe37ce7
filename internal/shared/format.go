package shared

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.French)

// FormatAmount renders a monetary amount the way journal labels and audit
// entries display it, with French digit grouping: 1 234 567,89.
func FormatAmount(v float64) string {
	return amountPrinter.Sprintf("%.2f", v)
}
