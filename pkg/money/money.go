// Package money provides fixed-point monetary helpers used across the broker.
// All amounts are shopspring decimals; anything crossing the billing-provider
// boundary is rendered as a decimal string with exactly six fractional digits
// to avoid floating-point drift between services.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried on the wire.
const Scale = 6

// DefaultCurrency is used when a request does not name one.
const DefaultCurrency = "USDC"

// ErrNegativeAmount is returned when a parsed amount is below zero.
var ErrNegativeAmount = errors.New("amount must not be negative")

// Format renders an amount as a wire string with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}

// Parse converts a wire string into a decimal amount. Negative amounts are
// rejected; monetary values in the broker are never below zero.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return d, nil
}

// WithinTolerance reports whether a and b differ by at most tol.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().Cmp(tol) <= 0
}
