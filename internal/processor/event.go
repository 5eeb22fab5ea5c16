package processor

import (
	"errors"
	"time"
)

// EventType is the normalized processor notification type.
type EventType string

const (
	EventIntentRequiresConfirmation EventType = "payment_intent.requires_confirmation"
	EventIntentRequiresAction       EventType = "payment_intent.requires_action"
	EventIntentProcessing           EventType = "payment_intent.processing"
	EventIntentAmountCapturable     EventType = "payment_intent.amount_capturable_updated"
	EventIntentSucceeded            EventType = "payment_intent.succeeded"
	EventIntentPaymentFailed        EventType = "payment_intent.payment_failed"
	EventIntentCanceled             EventType = "payment_intent.canceled"
	EventChargeRefunded             EventType = "charge.refunded"
	EventRefundFailed               EventType = "refund.failed"
	EventTransferPaid               EventType = "transfer.paid"
	EventTransferFailed             EventType = "transfer.failed"
	EventTransferCanceled           EventType = "transfer.canceled"
)

// Event is a verified processor notification.
type Event struct {
	// ID is the processor's event id, stable across redeliveries.
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	// ResourceID is the external id of the payment intent or transfer.
	ResourceID string    `json:"resource_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Amount     int64     `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	// RefundID is set on refund events.
	RefundID       string `json:"refund_id,omitempty"`
	FailureCode    string `json:"failure_code,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_config")
)
