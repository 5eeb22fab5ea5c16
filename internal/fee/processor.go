package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ProcessorEstimator predicts the processor's cut of a charge as a rate plus
// a fixed component, e.g. 2.9% + 30.
type ProcessorEstimator struct {
	Rate  decimal.Decimal
	Fixed int64
}

// DefaultProcessorEstimator is 2.9% + 30 minor units.
func DefaultProcessorEstimator() ProcessorEstimator {
	return ProcessorEstimator{Rate: decimal.RequireFromString("0.029"), Fixed: 30}
}

// NewProcessorEstimator parses a configured rate.
func NewProcessorEstimator(rate string, fixed int64) (ProcessorEstimator, error) {
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return ProcessorEstimator{}, fmt.Errorf("%w: processor rate %q", ErrInvalidPolicy, rate)
	}
	if parsed.IsNegative() || parsed.GreaterThan(decimal.NewFromInt(1)) || fixed < 0 {
		return ProcessorEstimator{}, ErrInvalidPolicy
	}
	return ProcessorEstimator{Rate: parsed, Fixed: fixed}, nil
}

// Estimate returns the expected processor fee for amount, capped at amount.
func (e ProcessorEstimator) Estimate(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	return min(roundMinor(decimal.NewFromInt(amount).Mul(e.Rate))+e.Fixed, amount)
}
