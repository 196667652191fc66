// Package money provides a fixed-point amount type for benefit-currency
// prices and balances. Amounts are stored in agorot (1/100 ILS) so that
// checkpoint comparisons are exact integer equality, never float math.
package money

import (
	"fmt"
	"strings"
)

// Amount is a monetary amount in agorot (1/100 ILS).
type Amount int64

const agorotScale = 100

// Shekel glyph and the spelled-out form used on the provider's challenge
// surface ("amount to charge: 12.5 ש"ח").
const (
	shekelSign   = "₪"
	shekelSuffix = "ש\"ח"
)

func FromAgorot(a int64) Amount { return Amount(a) }

// FromShekels builds an amount from whole shekels.
func FromShekels(s int64) Amount { return Amount(s * agorotScale) }

func (a Amount) Agorot() int64 { return int64(a) }

func (a Amount) Sub(b Amount) Amount { return a - b }

func (a Amount) Neg() Amount { return -a }

func (a Amount) IsPositive() bool { return a > 0 }

// Abs returns the absolute value of a.
func (a Amount) Abs() Amount {
	if a < 0 {
		return -a
	}
	return a
}

// String renders the canonical display form: ₪ followed by a decimal
// with trailing zeros trimmed (₪20, ₪15.5, ₪0.05).
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / agorotScale
	frac := v % agorotScale
	s := fmt.Sprintf("%d", whole)
	if frac != 0 {
		fs := strings.TrimRight(fmt.Sprintf("%02d", frac), "0")
		s = s + "." + fs
	}
	if neg {
		return "-" + shekelSign + s
	}
	return shekelSign + s
}

// Parse converts a displayed price or balance string into an Amount.
//
// Accepted forms: "123", "123.4", "123.45", optionally prefixed or
// suffixed with ₪ or suffixed with ש"ח, with surrounding whitespace.
// Anything else is rejected; there is no NaN path.
func Parse(s string) (Amount, error) {
	orig := s
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, shekelSign)
	s = strings.TrimSuffix(s, shekelSign)
	s = strings.TrimSuffix(s, shekelSuffix)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount %q", orig)
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	wholePart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		wholePart = s[:i]
		fracPart = s[i+1:]
	}
	if wholePart == "" || len(fracPart) > 2 {
		return 0, fmt.Errorf("money: malformed amount %q", orig)
	}

	var agorot int64
	for _, c := range wholePart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("money: malformed amount %q", orig)
		}
		agorot = agorot*10 + int64(c-'0')
		if agorot > 1<<53 {
			return 0, fmt.Errorf("money: amount out of range %q", orig)
		}
	}
	agorot *= agorotScale

	scale := int64(10)
	for _, c := range fracPart {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("money: malformed amount %q", orig)
		}
		agorot += int64(c-'0') * scale
		scale /= 10
	}

	if neg {
		agorot = -agorot
	}
	return Amount(agorot), nil
}

// MustParse is Parse for test fixtures and constants; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}
