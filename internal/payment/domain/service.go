package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/fee"
	"github.com/smallbiznis/settlement/internal/processor"
)

type FlowConfigInput struct {
	CampaignID             snowflake.ID
	Currency               string
	FlowType               FlowType
	FeePolicy              fee.Policy
	RequiresGoalCompletion bool
	AutoReleaseFunds       bool
	HoldPeriodDays         int
	RevenueSplits          []fee.Split
	DestinationAccountID   string
}

type OpenRequest struct {
	AllocationID  snowflake.ID
	PayerID       snowflake.ID
	RecipientID   *snowflake.ID
	CaptureMethod processor.CaptureMethod
	Description   string
}

type Service interface {
	SetupFlow(ctx context.Context, input FlowConfigInput) (*PaymentFlowConfig, error)
	FlowConfig(ctx context.Context, campaignID snowflake.ID) (*PaymentFlowConfig, error)
	SignalGoalCompleted(ctx context.Context, campaignID snowflake.ID, at time.Time) error

	Open(ctx context.Context, req OpenRequest) (*PaymentIntent, error)
	Capture(ctx context.Context, intentID snowflake.ID) error
	Cancel(ctx context.Context, intentID snowflake.ID, reason string) (*PaymentIntent, error)
	ApplyTransition(ctx context.Context, t Transition) (*PaymentIntent, error)

	GetIntent(ctx context.Context, id snowflake.ID) (*PaymentIntent, error)
	FeeRecord(ctx context.Context, intentID snowflake.ID) (*PlatformFeeRecord, error)
}

var (
	ErrInvalidFlowType       = apperr.Define(apperr.ErrValidation, "invalid_flow_type", "unknown payment flow type")
	ErrInvalidCurrency       = apperr.Define(apperr.ErrValidation, "invalid_currency", "currency is required")
	ErrInvalidCampaign       = apperr.Define(apperr.ErrValidation, "invalid_campaign", "campaign id is required")
	ErrInvalidPayer          = apperr.Define(apperr.ErrValidation, "invalid_payer", "payer id is required")
	ErrInvalidHoldPeriod     = apperr.Define(apperr.ErrValidation, "invalid_hold_period", "hold period must not be negative")
	ErrMissingDestination    = apperr.Define(apperr.ErrValidation, "missing_destination_account", "this payment flow needs a destination account")
	ErrCurrencyMismatch      = apperr.Define(apperr.ErrValidation, "currency_mismatch", "the allocation currency differs from the payment setup")
	ErrFlowConfigNotFound    = apperr.Define(apperr.ErrNotFound, "flow_config_not_found", "the campaign has no payment setup")
	ErrFlowConfigLocked      = apperr.Define(apperr.ErrValidation, "flow_config_locked", "payment setup cannot change after funding has started")
	ErrIntentNotFound        = apperr.Define(apperr.ErrNotFound, "payment_intent_not_found", "payment not found")
	ErrIntentInProgress      = apperr.Define(apperr.ErrConcurrencyConflict, "payment_intent_in_progress", "another payment for this campaign is still in progress")
	ErrAllocationFunded      = apperr.Define(apperr.ErrValidation, "allocation_already_funded", "this budget has already been paid")
	ErrInvalidTransition     = apperr.Define(apperr.ErrInvalidTransition, "invalid_payment_transition", "the payment cannot move to the requested state")
	ErrNotCapturable         = apperr.Define(apperr.ErrInvalidTransition, "payment_not_capturable", "the payment is not awaiting capture")
	ErrNotCancelable         = apperr.Define(apperr.ErrInvalidTransition, "payment_not_cancelable", "the payment can no longer be canceled")
	ErrFeeRecordNotFound     = apperr.Define(apperr.ErrNotFound, "fee_record_not_found", "platform fee record not found")
	ErrIntentNotYetSubmitted = apperr.Define(apperr.ErrInvalidTransition, "payment_not_submitted", "the payment has not reached the processor yet")
)
