// Package pricing derives the seller floor and buyer ceiling of a negotiation.
package pricing

import (
	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Floor returns opening × (1 − maxDiscountPercent/100), rounded to cents.
func Floor(opening, maxDiscountPercent decimal.Decimal) (decimal.Decimal, error) {
	if opening.IsNegative() {
		return decimal.Zero, domain.Invalid("opening_price", "must not be negative")
	}
	if maxDiscountPercent.IsNegative() || maxDiscountPercent.GreaterThan(hundred) {
		return decimal.Zero, domain.Invalid("max_discount_percent", "must be within [0, 100], got %s", maxDiscountPercent)
	}
	factor := decimal.NewFromInt(1).Sub(maxDiscountPercent.Div(hundred))
	return domain.Cents(opening.Mul(factor)), nil
}

// Ceiling returns the buyer's hard budget truncated to whole cents, so it
// never exceeds the budget.
func Ceiling(budget decimal.Decimal) (decimal.Decimal, error) {
	if !budget.IsPositive() {
		return decimal.Zero, domain.Invalid("budget", "must be positive")
	}
	return budget.RoundFloor(2), nil
}

// Window is the compatibility window computed once at session creation.
type Window struct {
	Opening decimal.Decimal
	Floor   decimal.Decimal
	Ceiling decimal.Decimal
}

// NewWindow computes floor and ceiling for a session.
func NewWindow(opening, maxDiscountPercent, budget decimal.Decimal) (Window, error) {
	floor, err := Floor(opening, maxDiscountPercent)
	if err != nil {
		return Window{}, err
	}
	ceiling, err := Ceiling(budget)
	if err != nil {
		return Window{}, err
	}
	return Window{Opening: domain.Cents(opening), Floor: floor, Ceiling: ceiling}, nil
}

// Overlaps reports whether any price satisfies both sides.
func (w Window) Overlaps() bool {
	return w.Floor.LessThanOrEqual(w.Ceiling)
}
