package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	"gorm.io/gorm"
)

// CreateRequest describes a transfer funded by one or more succeeded intents.
type CreateRequest struct {
	PaymentIntentIDs     []snowflake.ID
	PayoutRunID          *snowflake.ID
	RecipientID          snowflake.ID
	Amount               int64
	Currency             string
	DestinationAccountID string
	Description          string
}

// Transition is a processor-reported transfer outcome.
type Transition struct {
	ExternalID     string
	To             Status
	FailureCode    string
	FailureMessage string
	OccurredAt     time.Time
}

// Hook observes transfers reaching a terminal state. It runs inside the
// transaction that finalizes the transfer; an error rolls the transition back.
type Hook interface {
	OnTransferFinalized(ctx context.Context, tx *gorm.DB, transfer *Transfer) error
}

type Service interface {
	Create(ctx context.Context, tx *gorm.DB, req CreateRequest) (*Transfer, error)
	Execute(ctx context.Context, transferID snowflake.ID) (*Transfer, error)
	Release(ctx context.Context, transferID snowflake.ID) (*Transfer, error)
	ReleaseDue(ctx context.Context, now time.Time, limit int) (int, error)
	Cancel(ctx context.Context, transferID snowflake.ID, reason string) (*Transfer, error)
	ApplyTransition(ctx context.Context, t Transition) (*Transfer, error)

	Get(ctx context.Context, id snowflake.ID) (*Transfer, error)
	ListByRun(ctx context.Context, payoutRunID snowflake.ID) ([]Transfer, error)

	RegisterHook(hook Hook)
}

var (
	ErrInvalidAmount         = apperr.Define(apperr.ErrValidation, "invalid_transfer_amount", "transfer amount must be positive")
	ErrInvalidRecipient      = apperr.Define(apperr.ErrValidation, "invalid_transfer_recipient", "transfer needs a recipient")
	ErrMissingIntent         = apperr.Define(apperr.ErrValidation, "missing_payment_intent", "transfer needs a funding payment intent")
	ErrMissingDestination    = apperr.Define(apperr.ErrValidation, "missing_destination_account", "transfer needs a destination account")
	ErrCurrencyMismatch      = apperr.Define(apperr.ErrValidation, "transfer_currency_mismatch", "transfer currency differs from its funding payment")
	ErrTransferNotEligible   = apperr.Define(apperr.ErrInvalidTransition, "transfer_not_eligible", "the funding payment has not succeeded or the campaign goal is not complete")
	ErrTransferNotFound      = apperr.Define(apperr.ErrNotFound, "transfer_not_found", "transfer not found")
	ErrInvalidTransition     = apperr.Define(apperr.ErrInvalidTransition, "invalid_transfer_transition", "the transfer cannot move to the requested state")
	ErrTransferNotDue        = apperr.Define(apperr.ErrInvalidTransition, "transfer_not_due", "the transfer is still inside its hold period")
	ErrManualRelease         = apperr.Define(apperr.ErrInvalidTransition, "transfer_requires_manual_release", "the transfer must be released by an operator")
	ErrExecutionInFlight     = apperr.Define(apperr.ErrInvalidTransition, "transfer_execution_in_flight", "the transfer was already sent to the processor")
	ErrExecutionAcknowledged = apperr.Define(apperr.ErrInvalidTransition, "transfer_execution_acknowledged", "the processor already accepted the transfer")
)
