package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/fee"
	"gorm.io/gorm"
)

type AllocateRequest struct {
	CampaignID   snowflake.ID
	TotalBudget  int64
	Currency     string
	CampaignType string
	FeePolicy    fee.Policy
}

// Service owns budget allocations. Methods taking a tx run inside the
// caller's transaction and lock the rows they change.
type Service interface {
	Allocate(ctx context.Context, req AllocateRequest) (*BudgetAllocation, error)
	IncreaseBudget(ctx context.Context, campaignID snowflake.ID, additional int64) (*BudgetAllocation, error)
	Get(ctx context.Context, id snowflake.ID) (*BudgetAllocation, error)
	Current(ctx context.Context, campaignID snowflake.ID) (*BudgetAllocation, error)
	History(ctx context.Context, campaignID snowflake.ID) ([]BudgetAllocation, error)

	AttachIntent(ctx context.Context, tx *gorm.DB, allocationID, intentID snowflake.ID) error
	MarkFunded(ctx context.Context, tx *gorm.DB, allocationID, intentID snowflake.ID, fundedAt time.Time) (*BudgetAllocation, error)
	Discard(ctx context.Context, tx *gorm.DB, allocationID snowflake.ID) error
	ApplySpend(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) error
	ApplyRefund(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) error
	CommitEarnings(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) (*BudgetAllocation, error)
	RecordPromoterPaid(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) error
	Halt(ctx context.Context, tx *gorm.DB, allocationID snowflake.ID, reason string) error
}

var (
	ErrInvalidBudget            = apperr.Define(apperr.ErrValidation, "invalid_budget", "the budget must leave a positive promoter payout after fees")
	ErrInvalidAmount            = apperr.Define(apperr.ErrValidation, "invalid_amount", "amount must be positive")
	ErrInvalidCurrency          = apperr.Define(apperr.ErrValidation, "invalid_currency", "currency is required")
	ErrInvalidCampaign          = apperr.Define(apperr.ErrValidation, "invalid_campaign", "campaign id is required")
	ErrAllocationNotFound       = apperr.Define(apperr.ErrNotFound, "allocation_not_found", "no budget allocation exists for the campaign")
	ErrAllocationExists         = apperr.Define(apperr.ErrValidation, "allocation_exists", "the campaign is already funded, increase its budget instead")
	ErrFundingInProgress        = apperr.Define(apperr.ErrValidation, "funding_in_progress", "a funding attempt for the campaign is still open")
	ErrNotFunded                = apperr.Define(apperr.ErrInvalidTransition, "allocation_not_funded", "the campaign budget has not been funded yet")
	ErrInsufficientBudget       = apperr.Define(apperr.ErrValidation, "insufficient_budget", "the amount exceeds the remaining campaign budget")
	ErrInsufficientPayoutBudget = apperr.Define(apperr.ErrValidation, "insufficient_payout_budget", "the campaign has no uncommitted promoter payout left for this amount")
	ErrAllocationDiscarded      = apperr.Define(apperr.ErrInvalidTransition, "allocation_discarded", "the funding attempt for this allocation was abandoned")
	ErrAlreadyFunded            = apperr.Define(apperr.ErrInvalidTransition, "allocation_already_funded", "the allocation is already funded")
	ErrIntentMismatch           = apperr.Define(apperr.ErrInvalidTransition, "allocation_intent_mismatch", "the allocation is funded by a different payment")
	ErrAllocationInvariant      = apperr.Define(apperr.ErrInvariantViolation, "allocation_invariant_violated", "the campaign budget no longer balances")
)

// Verify checks the balance invariants of an allocation.
func Verify(a *BudgetAllocation) error {
	if a == nil {
		return nil
	}
	if a.BudgetReserved != a.BudgetSpent+a.BudgetRemaining {
		return fmt.Errorf("%w: reserved %d != spent %d + remaining %d",
			ErrAllocationInvariant, a.BudgetReserved, a.BudgetSpent, a.BudgetRemaining)
	}
	if a.TotalBudget != a.PlatformFee+a.ProcessorFee+a.PromoterPayout {
		return fmt.Errorf("%w: total %d != platform fee %d + processor fee %d + payout %d",
			ErrAllocationInvariant, a.TotalBudget, a.PlatformFee, a.ProcessorFee, a.PromoterPayout)
	}
	if a.PromoterPaid > a.PromoterCommitted || a.PromoterCommitted > a.PromoterPayout {
		return fmt.Errorf("%w: paid %d, committed %d, payout %d",
			ErrAllocationInvariant, a.PromoterPaid, a.PromoterCommitted, a.PromoterPayout)
	}
	return nil
}
