package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"gorm.io/gorm"
)

type RefundRequest struct {
	ChargeID snowflake.ID
	Amount   int64
	Reason   string
}

// RefundInput is a settled refund reported by the processor. The charge is
// resolved from ChargeID or, when empty, from the payment's external id.
type RefundInput struct {
	// RefundID is set when settling a refund this service requested.
	RefundID          snowflake.ID
	ChargeID          snowflake.ID
	PaymentExternalID string
	ExternalRefundID  string
	Amount            int64
	OccurredAt        time.Time
}

// Reconciler keeps charges, advertiser spend and campaign budgets in step.
// The tx-taking methods run inside the payment state machine's transaction.
type Reconciler interface {
	OpenPending(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent) (*Charge, error)
	ApplySuccess(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent) (*Charge, error)
	ApplyFailure(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent, reason string) (*Charge, error)
}

type Service interface {
	Reconciler

	RequestRefund(ctx context.Context, req RefundRequest) (*Refund, error)
	ApplyRefund(ctx context.Context, input RefundInput) (*Charge, error)
	FailRefund(ctx context.Context, externalRefundID, reason string) error

	AuditAdvertiser(ctx context.Context, advertiserID snowflake.ID) error
	AuditAllocation(ctx context.Context, allocationID snowflake.ID) error

	Get(ctx context.Context, id snowflake.ID) (*Charge, error)
	ByIntent(ctx context.Context, intentID snowflake.ID) (*Charge, error)
	Spend(ctx context.Context, advertiserID snowflake.ID) (*AdvertiserSpend, error)
	Refunds(ctx context.Context, chargeID snowflake.ID) ([]Refund, error)
}

var (
	ErrInvalidAmount         = apperr.Define(apperr.ErrValidation, "invalid_amount", "amount must be positive")
	ErrChargeNotFound        = apperr.Define(apperr.ErrNotFound, "charge_not_found", "charge not found")
	ErrRefundNotFound        = apperr.Define(apperr.ErrNotFound, "refund_not_found", "refund not found")
	ErrSpendNotFound         = apperr.Define(apperr.ErrNotFound, "advertiser_spend_not_found", "no spend recorded for the advertiser")
	ErrChargeNotRefundable   = apperr.Define(apperr.ErrInvalidTransition, "charge_not_refundable", "only settled charges can be refunded")
	ErrRefundExceedsCharge   = apperr.Define(apperr.ErrValidation, "refund_exceeds_charge", "the refund is larger than the amount left on the charge")
	ErrInvalidTransition     = apperr.Define(apperr.ErrInvalidTransition, "invalid_charge_transition", "the charge cannot move to the requested state")
	ErrSpendMismatch         = apperr.Define(apperr.ErrInvariantViolation, "advertiser_spend_mismatch", "advertiser totals do not match the charges")
	ErrChargeInvariant       = apperr.Define(apperr.ErrInvariantViolation, "charge_invariant_violated", "charge refund totals are out of range")
	ErrAllocationSpendDrift  = apperr.Define(apperr.ErrInvariantViolation, "allocation_spend_mismatch", "campaign spend does not match its charges")
	ErrRefundAlreadyFinished = apperr.Define(apperr.ErrInvalidTransition, "refund_already_finished", "the refund has already been settled")
	ErrCurrencyMismatch      = apperr.Define(apperr.ErrValidation, "spend_currency_mismatch", "charge currency differs from the advertiser's spend currency")
)
