// Package core provides money parsing and handling utilities.
//
// Amounts are held as integer cents. Incoming amounts are parsed as exact
// decimals with shopspring/decimal and rounded once, half-up.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Money struct {
	Cents int64
}

// MaxCents bounds a single amount. Larger values do not survive the
// floating-point wire format exactly.
const MaxCents = 1 << 53

// ParseMoney converts a decimal amount to Money, rounding half-up to cents.
// Both dot (12.34) and comma (12,34) separators are accepted. Zero,
// negative and out-of-range amounts are rejected with ErrInvalidAmount.
//
//	ParseMoney("3.50")   -> 350
//	ParseMoney("12,34")  -> 1234
//	ParseMoney("12.345") -> 1235
func ParseMoney(s string) (Money, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return Money{}, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, ErrInvalidAmount
	}
	cents := d.Shift(2).Round(0)
	if !cents.IsPositive() || cents.GreaterThan(decimal.NewFromInt(MaxCents)) {
		return Money{}, ErrInvalidAmount
	}
	return Money{Cents: cents.IntPart()}, nil
}

// Decimal returns the amount as an exact decimal.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

// Float64 returns the amount for the wire format.
// Use cents for arithmetic.
func (m Money) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// String formats the amount with two decimals, e.g. "3.50".
func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

func (m Money) IsZero() bool {
	return m.Cents == 0
}

// Validate reports whether the amount represents a real expense.
func (m Money) Validate() error {
	if m.Cents <= 0 || m.Cents > MaxCents {
		return ErrInvalidAmount
	}
	return nil
}
