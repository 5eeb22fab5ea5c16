// Package processor is the port to the external payment processor.
//
// The engine never moves money itself: it asks the processor to open, capture,
// cancel and refund payments and to execute transfers, then learns the outcome
// from signed webhooks. Every mutating call carries an idempotency key so a
// retried request never moves money twice.
package processor

import (
	"context"
	"net/http"
)

// CaptureMethod controls whether authorised funds are captured automatically.
type CaptureMethod string

const (
	CaptureAutomatic CaptureMethod = "automatic"
	CaptureManual    CaptureMethod = "manual"
)

type PaymentIntentRequest struct {
	IdempotencyKey       string
	Amount               int64
	Currency             string
	ApplicationFeeAmount int64
	FlowType             string
	DestinationAccountID string
	CaptureMethod        CaptureMethod
	Description          string
	Metadata             map[string]string
}

type PaymentIntentResult struct {
	ExternalID   string
	ClientSecret string
	Status       string
}

type TransferRequest struct {
	IdempotencyKey       string
	Amount               int64
	Currency             string
	DestinationAccountID string
	// SourceTransaction is the external id of the funding payment, when the
	// processor ties transfers to a charge.
	SourceTransaction string
	Description       string
}

type TransferResult struct {
	ExternalID string
	Status     string
}

type RefundRequest struct {
	IdempotencyKey    string
	PaymentExternalID string
	Amount            int64
	Currency          string
	Reason            string
}

type RefundResult struct {
	ExternalID string
	// Settled reports that the processor completed the refund synchronously;
	// otherwise the outcome arrives as a charge.refunded or refund.failed event.
	Settled bool
}

// Processor executes money movements.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResult, error)
	CapturePaymentIntent(ctx context.Context, externalID, idempotencyKey string, amount int64) error
	CancelPaymentIntent(ctx context.Context, externalID, idempotencyKey string) error
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// WebhookAdapter authenticates and normalizes processor notifications.
type WebhookAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Event, error)
}

// Adapter is a complete processor integration.
type Adapter interface {
	Processor
	WebhookAdapter
	Provider() string
}
