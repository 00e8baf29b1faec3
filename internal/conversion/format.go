package conversion

import (
	"github.com/shopspring/decimal"
)

var thousand = decimal.NewFromInt(1000)

// Format renders an amount for display. Crypto amounts scale their precision with magnitude;
// fiat always shows two places.
func Format(amount decimal.Decimal, isCrypto bool) string {
	if !isCrypto {
		return amount.StringFixed(2)
	}
	abs := amount.Abs()
	switch {
	case abs.GreaterThanOrEqual(thousand):
		return amount.StringFixed(0)
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return amount.StringFixed(2)
	default:
		return amount.StringFixed(4)
	}
}
