package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
)

// WorkApproval is approved promoter work to be paid from a campaign budget.
type WorkApproval struct {
	CampaignID snowflake.ID
	PromoterID snowflake.ID
	Amount     int64
	Category   Category
	ApprovedAt time.Time
}

type Preference struct {
	PromoterID           snowflake.ID
	Frequency            Frequency
	MinimumAmount        int64
	DestinationAccountID string
	Currency             string
}

type Service interface {
	OnWorkApproved(ctx context.Context, approval WorkApproval) (*PromoterEarning, error)
	SetPreference(ctx context.Context, pref Preference) (*PayoutPreference, error)
	Run(ctx context.Context, trigger Trigger) (*PayoutRun, error)
	RetryFailedTransfer(ctx context.Context, transferID snowflake.ID) (*transferdomain.Transfer, error)

	Preference(ctx context.Context, promoterID snowflake.ID) (*PayoutPreference, error)
	Balances(ctx context.Context, promoterID snowflake.ID) ([]PromoterBalance, error)
	Earnings(ctx context.Context, balanceID snowflake.ID) ([]PromoterEarning, error)
	GetRun(ctx context.Context, id snowflake.ID) (*PayoutRun, error)
}

var (
	ErrInvalidAmount      = apperr.Define(apperr.ErrValidation, "invalid_earning_amount", "earning amount must be positive")
	ErrInvalidPromoter    = apperr.Define(apperr.ErrValidation, "invalid_promoter", "promoter is required")
	ErrInvalidCategory    = apperr.Define(apperr.ErrValidation, "invalid_earning_category", "unknown earning category")
	ErrInvalidFrequency   = apperr.Define(apperr.ErrValidation, "invalid_payout_frequency", "payout frequency must be weekly or monthly")
	ErrInvalidMinimum     = apperr.Define(apperr.ErrValidation, "invalid_payout_minimum", "payout minimum cannot be negative")
	ErrRunInProgress      = apperr.Define(apperr.ErrConcurrencyConflict, "payout_run_in_progress", "another payout run holds the lock")
	ErrRunNotFound        = apperr.Define(apperr.ErrNotFound, "payout_run_not_found", "payout run not found")
	ErrPreferenceNotFound = apperr.Define(apperr.ErrNotFound, "payout_preference_not_found", "payout preference not found")
	ErrNotRetryable       = apperr.Define(apperr.ErrInvalidTransition, "transfer_not_retryable", "only failed or canceled transfers with unpaid earnings can be retried")
	ErrCurrencyMismatch   = apperr.Define(apperr.ErrValidation, "payout_currency_mismatch", "earning currency differs from the promoter balance")
	ErrBalanceUnavailable = apperr.Define(apperr.ErrConcurrencyConflict, "promoter_balance_unavailable", "the promoter balance is being paid out")
	ErrBalanceInvariant   = apperr.Define(apperr.ErrInvariantViolation, "promoter_balance_invariant_violated", "balance total does not match its categories")
)
