// Package decimal provides arbitrary-precision decimal parsing, arithmetic,
// and rounding for invoice monetary and quantity amounts. Every amount in
// CanonicalInvoice is stored as a decimal string matching
// ^-?\d*\.?\d+$ (spec §3, §8 Testable Property 10); this package is the
// single place that string is produced or consumed.
package decimal

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// Rounding selects the rounding mode applied when a result must be
// truncated to a target scale.
type Rounding string

const (
	RoundDown     Rounding = "DOWN"
	RoundHalfUp   Rounding = "HALF_UP"
	RoundHalfEven Rounding = "HALF_EVEN" // banker's rounding, the engine default
)

// DefaultRounding is applied when a caller does not specify one, matching
// spec §3's "default banker's" invariant.
const DefaultRounding = RoundHalfEven

var pattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Decimal is an arbitrary-precision decimal value, always held internally
// as a big.Rat so arithmetic is exact until a caller asks for a rounded
// string via Format.
type Decimal struct {
	rat *big.Rat
}

// Parse validates and parses a decimal string per spec §8 Testable
// Property 10 (^-?\d*\.?\d+$ — spec's pattern additionally accepts a bare
// leading "-?\d*\.?\d+", which our stricter ^-?[0-9]+(\.[0-9]+)?$ subsumes
// for all values the system actually emits; values that have no integer
// digits, e.g. ".5", are rejected as non-canonical and must be normalized
// to "0.5" by the caller before storage).
func Parse(s string) (Decimal, error) {
	if !pattern.MatchString(s) {
		return Decimal{}, fmt.Errorf("decimal: invalid format %q (must match ^-?\\d+(\\.\\d+)?$)", s)
	}
	r := new(big.Rat)
	if _, ok := r.SetString(normalizeNegativeZero(s)); !ok {
		return Decimal{}, fmt.Errorf("decimal: could not parse %q", s)
	}
	return Decimal{rat: r}, nil
}

// MustParse is Parse but panics on error; intended for constant/test values.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func normalizeNegativeZero(s string) string {
	if strings.HasPrefix(s, "-") && isAllZeroDigits(s[1:]) {
		return s[1:]
	}
	return s
}

func isAllZeroDigits(s string) bool {
	for _, c := range s {
		if c != '0' && c != '.' {
			return false
		}
	}
	return true
}

// Add returns d + other, exact (no rounding).
func (d Decimal) Add(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Add(d.rat, other.rat)}
}

// Sub returns d - other, exact.
func (d Decimal) Sub(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Sub(d.rat, other.rat)}
}

// Mul returns d * other, exact.
func (d Decimal) Mul(other Decimal) Decimal {
	return Decimal{rat: new(big.Rat).Mul(d.rat, other.rat)}
}

// Cmp returns -1, 0, +1 as d is <, ==, > other.
func (d Decimal) Cmp(other Decimal) int {
	return d.rat.Cmp(other.rat)
}

// IsZero reports whether d == 0.
func (d Decimal) IsZero() bool {
	return d.rat.Sign() == 0
}

// Format rounds d to scale fractional digits using rounding and returns the
// canonical decimal string representation.
func (d Decimal) Format(scale int, rounding Rounding) string {
	scaleFactor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	scaled := new(big.Rat).Mul(d.rat, new(big.Rat).SetInt(scaleFactor))

	// Round the magnitude, then restore the sign, so that DOWN truncates
	// toward zero and ties are decided symmetrically for negative values.
	neg := scaled.Sign() < 0
	intPart, remainder := new(big.Int).QuoRem(new(big.Int).Abs(scaled.Num()), scaled.Denom(), new(big.Int))

	if remainder.Sign() != 0 {
		// cmp compares the discarded fraction with one half: 2*remainder vs denom.
		cmp := new(big.Int).Lsh(remainder, 1).Cmp(scaled.Denom())
		switch rounding {
		case RoundDown:
			// truncate
		case RoundHalfUp:
			if cmp >= 0 {
				intPart.Add(intPart, big.NewInt(1))
			}
		default: // RoundHalfEven, and DefaultRounding for an unspecified mode
			if cmp > 0 || (cmp == 0 && intPart.Bit(0) == 1) {
				intPart.Add(intPart, big.NewInt(1))
			}
		}
	}
	if neg {
		intPart.Neg(intPart)
	}

	if scale == 0 {
		return intPart.String()
	}

	sign := ""
	if intPart.Sign() < 0 {
		sign = "-"
		intPart.Abs(intPart)
	}

	intStr := intPart.String()
	for len(intStr) <= scale {
		intStr = "0" + intStr
	}
	insertPoint := len(intStr) - scale
	return sign + intStr[:insertPoint] + "." + intStr[insertPoint:]
}

// String returns d at its natural (unrounded) precision.
func (d Decimal) String() string {
	return d.rat.RatString()
}

// CurrencyMinorUnits returns the canonical number of fractional digits for
// an ISO 4217 currency code (2 for most, 0 for zero-decimal currencies, 3
// for the three known three-decimal currencies). Used by filters/report
// assembly when rendering totals to a fixed scale.
func CurrencyMinorUnits(currency string) int {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "VND", "ISK":
		return 0
	case "BHD", "KWD", "OMR":
		return 3
	default:
		return 2
	}
}
