// Package money implements fixed-point amounts in minor currency units.
//
// A Money value is an int64 count of paise. All arithmetic stays in integers;
// decimal conversion happens only at the edges (parsing user input, JSON).
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by Money.
const Scale = 2

// Money is an amount in minor units.
type Money int64

// Zero is the zero amount.
const Zero Money = 0

var (
	ErrTooPrecise = errors.New("money: more than two fractional digits")
	ErrOverflow   = errors.New("money: amount out of range")
)

var (
	minorPerMajor = decimal.New(1, Scale)
	maxMajor      = decimal.New(1, 16)
)

// FromMinor builds a Money from a count of minor units.
func FromMinor(minor int64) Money { return Money(minor) }

// FromMajor builds a Money from whole currency units.
func FromMajor(major int64) Money { return Money(major * 100) }

// FromDecimal converts a decimal amount, rejecting sub-paise precision.
func FromDecimal(d decimal.Decimal) (Money, error) {
	if d.Abs().GreaterThanOrEqual(maxMajor) {
		return 0, ErrOverflow
	}
	scaled := d.Mul(minorPerMajor)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	return Money(scaled.IntPart()), nil
}

// Parse reads a decimal string such as "1500", "1500.5" or "-20.25".
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("money: empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) Minor() int64 { return int64(m) }

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal { return decimal.New(int64(m), -Scale) }

func (m Money) String() string { return m.Decimal().StringFixed(Scale) }

func (m Money) Add(o Money) Money { return m + o }
func (m Money) Sub(o Money) Money { return m - o }
func (m Money) Neg() Money        { return -m }
func (m Money) IsZero() bool      { return m == 0 }
func (m Money) IsPositive() bool  { return m > 0 }
func (m Money) IsNegative() bool  { return m < 0 }

func (m Money) Abs() Money {
	if m < 0 {
		return -m
	}
	return m
}

// Sign returns -1, 0 or 1.
func (m Money) Sign() int {
	switch {
	case m < 0:
		return -1
	case m > 0:
		return 1
	}
	return 0
}

// Sum adds any number of amounts.
func Sum(ms ...Money) Money {
	var total Money
	for _, m := range ms {
		total += m
	}
	return total
}

// MarshalJSON encodes the amount as a JSON number in major units.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (m *Money) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*m = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
