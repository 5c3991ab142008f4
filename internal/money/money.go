// Package money implements the fixed-point decimal arithmetic required by
// spec §3: wallet balances, ledger amounts, and budgets carry exactly 8
// fractional digits. No decimal/money library appears anywhere in the
// retrieval pack (see DESIGN.md), so this type is built on the standard
// library's math/big for overflow-checked multiplication, scaled into an
// int64 of "ticks" (1 tick = 1e-8 of a unit).
package money

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Scale is the number of fractional digits carried by every Amount (spec §3:
// "fixed-point decimal with 8 fractional digits").
const Scale = 8

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// Amount is a fixed-point decimal value stored as an integer count of
// 1e-8 units. Negative amounts represent debits (spec §3: "signed amount,
// negative = debit").
type Amount int64

// Zero is the additive identity.
const Zero Amount = 0

// FromInt builds an Amount representing a whole-unit integer quantity (e.g.
// FromInt(10) is "10.00000000").
func FromInt(units int64) Amount {
	return Amount(units * int64(scaleFactor.Int64()))
}

// FromCents builds an Amount from a whole number of currency cents (1/100 of
// a unit), the representation used by config knobs like
// MAX_ALLOWED_NEGATIVE_BALANCE_CENTS.
func FromCents(cents int64) Amount {
	return Amount(cents * int64(scaleFactor.Int64()) / 100)
}

// FromString parses a decimal string like "12.34" into an Amount, rounding
// toward zero on digits beyond Scale.
func FromString(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	intPart := parts[0]
	if intPart == "" {
		intPart = "0"
	}
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > Scale {
		frac = frac[:Scale]
	}
	for len(frac) < Scale {
		frac += "0"
	}
	combined := intPart + frac
	n, err := strconv.ParseInt(combined, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	if neg {
		n = -n
	}
	return Amount(n), nil
}

// String renders the amount as a decimal string with exactly Scale
// fractional digits, e.g. "10.00000000".
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / int64(scaleFactor.Int64())
	frac := v % int64(scaleFactor.Int64())
	s := fmt.Sprintf("%d.%0*d", whole, Scale, frac)
	if neg {
		s = "-" + s
	}
	return s
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return a + b }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return a - b }

// Neg returns -a.
func (a Amount) Neg() Amount { return -a }

// Cmp returns -1, 0, or 1 for a<b, a==b, a>b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a < 0 }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a > 0 }

// MulRatio scales a by numerator/denominator using big.Int intermediate math
// to avoid overflow, rounding toward zero. Used for provider-fee and
// percentage-based cost calculations (spec §4.5).
func (a Amount) MulRatio(numerator, denominator int64) Amount {
	if denominator == 0 {
		return 0
	}
	n := big.NewInt(int64(a))
	n.Mul(n, big.NewInt(numerator))
	n.Quo(n, big.NewInt(denominator))
	return Amount(n.Int64())
}

// MulFloat scales a by a floating point factor (e.g. a fee percentage read
// from config), rounding toward zero. Intended for low-frequency billing
// calculations, not hot-path arithmetic.
func (a Amount) MulFloat(factor float64) Amount {
	scaled := big.NewFloat(float64(a))
	scaled.Mul(scaled, big.NewFloat(factor))
	f, _ := scaled.Float64()
	return Amount(int64(f))
}

// Max returns the greater of a and b.
func Max(a, b Amount) Amount {
	if a > b {
		return a
	}
	return b
}

// Min returns the lesser of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
