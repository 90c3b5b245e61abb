// Package money provides the integer minor-unit amount used by every ledger and costing path.
// No floating point value ever takes part in arithmetic.
package money

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var (
	// ErrOverflow indicates an arithmetic result outside the int64 minor-unit range.
	ErrOverflow = shared.Classify(shared.ErrValidation, "money: arithmetic overflow")
	// ErrDivisionByZero indicates a zero divisor.
	ErrDivisionByZero = shared.Classify(shared.ErrValidation, "money: division by zero")
	// ErrInvalidAmount indicates an unparsable major-unit string.
	ErrInvalidAmount = shared.Classify(shared.ErrValidation, "money: invalid amount")
)

// Amount is a signed count of minor currency units. The zero value is zero.
type Amount struct {
	minor int64
}

// Zero is the zero amount.
var Zero = Amount{}

// New wraps a minor-unit count.
func New(minor int64) Amount { return Amount{minor: minor} }

// FromMajor parses a major-unit decimal string ("150.505") and rounds it to the nearest
// minor unit using round-half-to-even. scale is the minor-unit exponent (2 for cents).
func FromMajor(major string, scale int32) (Amount, error) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return Zero, ErrInvalidAmount
	}
	return FromDecimal(d, scale)
}

// FromMajorFloat converts a float major-unit value using its shortest decimal representation.
// Intended for boundary inputs only.
func FromMajorFloat(major float64, scale int32) (Amount, error) {
	if math.IsNaN(major) || math.IsInf(major, 0) {
		return Zero, ErrInvalidAmount
	}
	return FromDecimal(decimal.NewFromFloat(major), scale)
}

// FromDecimal shifts d by scale and rounds half-to-even to an integer minor count.
func FromDecimal(d decimal.Decimal, scale int32) (Amount, error) {
	minor := d.Shift(scale).RoundBank(0)
	if !minor.BigInt().IsInt64() {
		return Zero, ErrOverflow
	}
	return Amount{minor: minor.IntPart()}, nil
}

// Minor returns the underlying minor-unit count.
func (a Amount) Minor() int64 { return a.minor }

// Add returns a+b.
func (a Amount) Add(b Amount) (Amount, error) {
	if (b.minor > 0 && a.minor > math.MaxInt64-b.minor) || (b.minor < 0 && a.minor < math.MinInt64-b.minor) {
		return Zero, ErrOverflow
	}
	return Amount{minor: a.minor + b.minor}, nil
}

// Subtract returns a-b.
func (a Amount) Subtract(b Amount) (Amount, error) {
	if (b.minor < 0 && a.minor > math.MaxInt64+b.minor) || (b.minor > 0 && a.minor < math.MinInt64+b.minor) {
		return Zero, ErrOverflow
	}
	return Amount{minor: a.minor - b.minor}, nil
}

// MultiplyByInteger returns a*n.
func (a Amount) MultiplyByInteger(n int64) (Amount, error) {
	if a.minor == 0 || n == 0 {
		return Zero, nil
	}
	if (a.minor == -1 && n == math.MinInt64) || (n == -1 && a.minor == math.MinInt64) {
		return Zero, ErrOverflow
	}
	product := a.minor * n
	if product/n != a.minor {
		return Zero, ErrOverflow
	}
	return Amount{minor: product}, nil
}

// DivideRoundHalfEven returns a/n rounded to the nearest minor unit, ties to even.
func (a Amount) DivideRoundHalfEven(n int64) (Amount, error) {
	if n == 0 {
		return Zero, ErrDivisionByZero
	}
	if n == math.MinInt64 || (a.minor == math.MinInt64 && n == -1) {
		return Zero, ErrOverflow
	}
	q := a.minor / n
	r := a.minor % n
	if r == 0 {
		return Amount{minor: q}, nil
	}
	absR, absN := abs64(r), abs64(n)
	// compare absR with absN-absR instead of 2*absR to stay in range
	diff := absN - absR
	negative := (a.minor < 0) != (n < 0)
	roundAway := absR > diff || (absR == diff && q%2 != 0)
	if roundAway {
		if negative {
			q--
		} else {
			q++
		}
	}
	return Amount{minor: q}, nil
}

// Negate returns -a.
func (a Amount) Negate() (Amount, error) {
	if a.minor == math.MinInt64 {
		return Zero, ErrOverflow
	}
	return Amount{minor: -a.minor}, nil
}

// IsPositive reports a > 0.
func (a Amount) IsPositive() bool { return a.minor > 0 }

// IsNegative reports a < 0.
func (a Amount) IsNegative() bool { return a.minor < 0 }

// IsZero reports a == 0.
func (a Amount) IsZero() bool { return a.minor == 0 }

// Equal reports whether both amounts hold the same minor count.
func (a Amount) Equal(b Amount) bool { return a.minor == b.minor }

// Cmp returns -1, 0 or 1.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.minor < b.minor:
		return -1
	case a.minor > b.minor:
		return 1
	default:
		return 0
	}
}

// LessThan reports a < b.
func (a Amount) LessThan(b Amount) bool { return a.minor < b.minor }

// GreaterThan reports a > b.
func (a Amount) GreaterThan(b Amount) bool { return a.minor > b.minor }

// String prints the raw minor count; use Format for display.
func (a Amount) String() string { return strconv.FormatInt(a.minor, 10) }

// MarshalJSON encodes the minor count as a JSON integer.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(a.minor, 10)), nil
}

// UnmarshalJSON decodes a JSON integer minor count.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	a.minor = v
	return nil
}

// Sum adds all values, failing on the first overflow.
func Sum(values ...Amount) (Amount, error) {
	total := Zero
	for _, v := range values {
		var err error
		if total, err = total.Add(v); err != nil {
			return Zero, err
		}
	}
	return total, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
