// Package fee computes platform and processor fees in minor currency units.
package fee

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/apperr"
)

// PolicyType is the closed set of platform fee policies.
type PolicyType string

const (
	PolicyPercentage PolicyType = "percentage"
	PolicyFixed      PolicyType = "fixed"
	PolicyNone       PolicyType = "none"
)

var (
	ErrInvalidPolicy = apperr.Define(apperr.ErrValidation, "invalid_fee_policy", "the fee policy is not valid")
	ErrInvalidAmount = apperr.Define(apperr.ErrValidation, "invalid_fee_amount", "fee base amount must not be negative")
	ErrInvalidSplits = apperr.Define(apperr.ErrValidation, "invalid_revenue_splits", "revenue split shares must be positive and sum to 1")
)

// Policy is a platform fee rule. Rate applies to percentage policies, Amount
// (minor units) to fixed ones.
type Policy struct {
	Type   PolicyType      `json:"type"`
	Rate   decimal.Decimal `json:"rate"`
	Amount int64           `json:"amount"`
}

func Percentage(rate decimal.Decimal) Policy {
	return Policy{Type: PolicyPercentage, Rate: rate}
}

func Fixed(amount int64) Policy {
	return Policy{Type: PolicyFixed, Amount: amount}
}

func None() Policy {
	return Policy{Type: PolicyNone}
}

// Validate checks the policy parameters.
func (p Policy) Validate() error {
	switch p.Type {
	case PolicyPercentage:
		if p.Rate.IsNegative() || p.Rate.GreaterThan(decimal.NewFromInt(1)) {
			return ErrInvalidPolicy
		}
	case PolicyFixed:
		if p.Amount < 0 {
			return ErrInvalidPolicy
		}
	case PolicyNone:
	default:
		return ErrInvalidPolicy
	}
	return nil
}

// Result is the fee snapshot persisted with a payment and never recomputed.
type Result struct {
	Type       PolicyType
	Rate       decimal.Decimal
	BaseAmount int64
	Amount     int64
}

// Compute applies policy to amount. Percentage fees round half to even at the
// minor unit; fixed fees never exceed the amount.
func Compute(amount int64, policy Policy) (Result, error) {
	if amount < 0 {
		return Result{}, ErrInvalidAmount
	}
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{Type: policy.Type, BaseAmount: amount}
	switch policy.Type {
	case PolicyPercentage:
		res.Rate = policy.Rate
		res.Amount = roundMinor(decimal.NewFromInt(amount).Mul(policy.Rate))
	case PolicyFixed:
		res.Amount = min(policy.Amount, amount)
	case PolicyNone:
		res.Amount = 0
	}
	return res, nil
}

func roundMinor(value decimal.Decimal) int64 {
	return value.RoundBank(0).IntPart()
}
