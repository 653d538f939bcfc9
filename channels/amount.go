package channels

import (
	"strings"

	"reconcile-svc/models"

	"github.com/shopspring/decimal"
)

func parseAmount(ch models.Channel, raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, malformed(ch, "amount is not a number", err)
	}
	if amount.IsNegative() {
		return decimal.Zero, malformed(ch, "amount is negative", nil)
	}
	return amount, nil
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
