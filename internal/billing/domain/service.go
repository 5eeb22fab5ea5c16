package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
)

// Adjustment is an operator correction to a closed summary.
type Adjustment struct {
	EarnedDelta   int64
	PaidOutDelta  int64
	ChargedDelta  int64
	RefundedDelta int64
	Reason        string
}

func (a Adjustment) Empty() bool {
	return a.EarnedDelta == 0 && a.PaidOutDelta == 0 && a.ChargedDelta == 0 && a.RefundedDelta == 0
}

type Service interface {
	ClosePeriod(ctx context.Context, start, end time.Time) (*BillingPeriod, error)
	Adjust(ctx context.Context, summaryID snowflake.ID, adj Adjustment) (*BillingAdjustment, error)
	Summary(ctx context.Context, userID snowflake.ID, role Role, start, end time.Time) ([]SummaryView, error)
	Period(ctx context.Context, start, end time.Time) (*BillingPeriod, error)
}

var (
	ErrInvalidPeriod      = apperr.Define(apperr.ErrValidation, "invalid_billing_period", "period end must be after period start")
	ErrInvalidRole        = apperr.Define(apperr.ErrValidation, "invalid_role", "role must be advertiser or promoter")
	ErrEmptyAdjustment    = apperr.Define(apperr.ErrValidation, "empty_adjustment", "an adjustment must change at least one figure")
	ErrMissingReason      = apperr.Define(apperr.ErrValidation, "missing_adjustment_reason", "an adjustment needs a reason")
	ErrPeriodClosed       = apperr.Define(apperr.ErrInvalidTransition, "billing_period_closed", "the billing period is already closed")
	ErrPeriodNotFound     = apperr.Define(apperr.ErrNotFound, "billing_period_not_found", "billing period not found")
	ErrSummaryNotFound    = apperr.Define(apperr.ErrNotFound, "billing_summary_not_found", "billing summary not found")
	ErrNegativeAdjustment = apperr.Define(apperr.ErrValidation, "adjustment_below_zero", "the adjustment would make a total negative")
)
