// Package core holds the domain model shared by the ledger, the
// scheduler, and the HTTP layer.
package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor units (cents). Calculations stay on
// int64; decimal is used only at the string boundary.
type Money struct {
	Cents int64
}

var hundred = decimal.NewFromInt(100)

// ParseAmount converts a decimal string ("12.34") into Money,
// rounding half-up past two fractional digits. Negative amounts are
// rejected: the ledger records expenses, not refunds.
func ParseAmount(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: negative amount %q", ErrValidation, s)
	}
	return Money{Cents: d.Mul(hundred).Round(0).IntPart()}, nil
}

// String renders the amount with two decimal places ("12.34").
func (m Money) String() string {
	return decimal.New(m.Cents, -2).StringFixed(2)
}

// Float returns the amount in major units for JSON aggregates.
func (m Money) Float() float64 {
	f, _ := decimal.New(m.Cents, -2).Float64()
	return f
}
