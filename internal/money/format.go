package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultScale is the minor-unit exponent used when no currency is known.
const DefaultScale int32 = 2

// Format renders the amount in major units with exactly scale decimals.
// Presentation only; never parse the result back into arithmetic.
func (a Amount) Format(scale int32) string {
	if scale < 0 {
		scale = 0
	}
	return decimal.New(a.minor, -scale).StringFixed(scale)
}

// FormatCurrency renders the amount using the ISO 4217 minor-unit scale of code,
// falling back to DefaultScale for unknown codes.
func (a Amount) FormatCurrency(code string) string {
	scale, err := ScaleFor(code)
	if err != nil {
		scale = DefaultScale
	}
	return strings.ToUpper(code) + " " + a.Format(scale)
}

// ScaleFor returns the standard minor-unit exponent for an ISO 4217 currency code.
func ScaleFor(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return 0, err
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}
