// Package calculator implements the pricing math for rentals: cost breakdown
// for a consumer renting capacity, and earnings projections for a provider
// listing it. All functions are pure; the same inputs always produce the same
// outputs, so results are safe to memoize.
package calculator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ResourceType identifies the kind of capacity being rented. Pricing units
// differ per type: RAM is priced per GB-hour, GPU per GPU-minute.
type ResourceType string

const (
	ResourceRAM ResourceType = "RAM"
	ResourceGPU ResourceType = "GPU"
)

// ErrInvalidInput marks caller errors: non-positive amounts or durations,
// unknown resource types, out-of-range fee percentages.
var ErrInvalidInput = errors.New("invalid input")

var (
	sixty     = decimal.NewFromInt(60)
	hundred   = decimal.NewFromInt(100)
	hoursDay  = decimal.NewFromInt(24)
	daysMonth = decimal.NewFromInt(30) // fixed 30-day month, not calendar-aware
)

// CostInput are the parameters for Compute.
type CostInput struct {
	ResourceType    ResourceType
	Amount          decimal.Decimal // GB for RAM, device count for GPU
	DurationMinutes int64
	UnitPrice       decimal.Decimal // per GB-hour (RAM) or per GPU-minute (GPU)
	FeePercent      decimal.Decimal
	Currency        string
}

// Cost is the computed price breakdown for a rental.
type Cost struct {
	Subtotal decimal.Decimal
	Fee      decimal.Decimal
	Total    decimal.Decimal
	Currency string
}

// Compute returns the cost of renting the given capacity for the given
// duration:
//
//	RAM: subtotal = amount * (durationMinutes/60) * unitPrice
//	GPU: subtotal = amount * durationMinutes * unitPrice
//	fee = subtotal * feePercent/100, total = subtotal + fee
func Compute(in CostInput) (*Cost, error) {
	if err := validate(in.ResourceType, in.Amount, in.DurationMinutes); err != nil {
		return nil, err
	}
	if in.UnitPrice.IsNegative() {
		return nil, fmt.Errorf("%w: unit price must not be negative", ErrInvalidInput)
	}
	if in.FeePercent.IsNegative() || in.FeePercent.Cmp(hundred) > 0 {
		return nil, fmt.Errorf("%w: fee percent must be within [0, 100]", ErrInvalidInput)
	}

	duration := decimal.NewFromInt(in.DurationMinutes)
	var subtotal decimal.Decimal
	if in.ResourceType == ResourceRAM {
		subtotal = in.Amount.Mul(duration.Div(sixty)).Mul(in.UnitPrice)
	} else {
		subtotal = in.Amount.Mul(duration).Mul(in.UnitPrice)
	}

	fee := subtotal.Mul(in.FeePercent).Div(hundred)
	return &Cost{
		Subtotal: subtotal,
		Fee:      fee,
		Total:    subtotal.Add(fee),
		Currency: in.Currency,
	}, nil
}

// EarningsInput are the parameters for ProviderEarnings.
type EarningsInput struct {
	ResourceType       ResourceType
	Amount             decimal.Decimal
	DurationMinutes    int64
	UnitPrice          decimal.Decimal
	UtilizationPercent decimal.Decimal
}

// Earnings projects what a provider earns from a listing. Monthly figures use
// a fixed 30-day month; this is a documented approximation.
type Earnings struct {
	HourlyRate      decimal.Decimal
	DailyEarnings   decimal.Decimal
	MonthlyEarnings decimal.Decimal
	// Monthly projections at fixed utilization levels, for display.
	At50Percent  decimal.Decimal
	At75Percent  decimal.Decimal
	At100Percent decimal.Decimal
}

// ProviderEarnings normalizes the unit price to an hourly rate per resource
// type, then projects daily = hourlyRate * 24 * utilization and
// monthly = daily * 30.
func ProviderEarnings(in EarningsInput) (*Earnings, error) {
	if err := validate(in.ResourceType, in.Amount, in.DurationMinutes); err != nil {
		return nil, err
	}
	if in.UtilizationPercent.IsNegative() || in.UtilizationPercent.Cmp(hundred) > 0 {
		return nil, fmt.Errorf("%w: utilization percent must be within [0, 100]", ErrInvalidInput)
	}

	hourly := in.Amount.Mul(in.UnitPrice)
	if in.ResourceType == ResourceGPU {
		hourly = hourly.Mul(sixty) // per-minute price to per-hour
	}

	perDayFull := hourly.Mul(hoursDay)
	daily := perDayFull.Mul(in.UtilizationPercent).Div(hundred)
	monthly := daily.Mul(daysMonth)

	at := func(pct int64) decimal.Decimal {
		return perDayFull.Mul(decimal.NewFromInt(pct)).Div(hundred).Mul(daysMonth)
	}

	return &Earnings{
		HourlyRate:      hourly,
		DailyEarnings:   daily,
		MonthlyEarnings: monthly,
		At50Percent:     at(50),
		At75Percent:     at(75),
		At100Percent:    at(100),
	}, nil
}

func validate(rt ResourceType, amount decimal.Decimal, durationMinutes int64) error {
	if rt != ResourceRAM && rt != ResourceGPU {
		return fmt.Errorf("%w: unknown resource type %q", ErrInvalidInput, rt)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if durationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive", ErrInvalidInput)
	}
	return nil
}
