// Package processortest provides an in-memory payment processor for tests.
package processortest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/processor"
)

const (
	Provider        = "fake"
	SignatureHeader = "X-Fake-Signature"
	secret          = "processortest"
)

// Operation names used with Fail.
const (
	OpCreatePaymentIntent  = "create_payment_intent"
	OpCapturePaymentIntent = "capture_payment_intent"
	OpCancelPaymentIntent  = "cancel_payment_intent"
	OpCreateTransfer       = "create_transfer"
	OpCreateRefund         = "create_refund"
)

// Call records one processor request.
type Call struct {
	Op             string
	IdempotencyKey string
	ExternalID     string
	Amount         int64
}

// Fake is an idempotent in-memory processor. Requests repeated with the same
// idempotency key return the original result.
type Fake struct {
	mu       sync.Mutex
	seq      int
	calls    []Call
	byKey    map[string]string
	failures map[string]error
	// SettleRefunds makes refunds complete synchronously.
	SettleRefunds bool
}

var _ processor.Adapter = (*Fake)(nil)

func New() *Fake {
	return &Fake{byKey: map[string]string{}, failures: map[string]error{}}
}

func (f *Fake) Provider() string { return Provider }

// Fail makes every call of op return err; a nil err clears the failure.
func (f *Fake) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, op)
		return
	}
	f.failures[op] = err
}

// Calls returns the recorded calls for op, or all calls when op is empty.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) CreatePaymentIntent(_ context.Context, req processor.PaymentIntentRequest) (*processor.PaymentIntentResult, error) {
	id, err := f.do(OpCreatePaymentIntent, req.IdempotencyKey, "pi", "", req.Amount)
	if err != nil {
		return nil, err
	}
	return &processor.PaymentIntentResult{ExternalID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}, nil
}

func (f *Fake) CapturePaymentIntent(_ context.Context, externalID, idempotencyKey string, amount int64) error {
	_, err := f.do(OpCapturePaymentIntent, idempotencyKey, "cap", externalID, amount)
	return err
}

func (f *Fake) CancelPaymentIntent(_ context.Context, externalID, idempotencyKey string) error {
	_, err := f.do(OpCancelPaymentIntent, idempotencyKey, "can", externalID, 0)
	return err
}

func (f *Fake) CreateTransfer(_ context.Context, req processor.TransferRequest) (*processor.TransferResult, error) {
	id, err := f.do(OpCreateTransfer, req.IdempotencyKey, "tr", req.DestinationAccountID, req.Amount)
	if err != nil {
		return nil, err
	}
	return &processor.TransferResult{ExternalID: id, Status: "pending"}, nil
}

func (f *Fake) CreateRefund(_ context.Context, req processor.RefundRequest) (*processor.RefundResult, error) {
	id, err := f.do(OpCreateRefund, req.IdempotencyKey, "re", req.PaymentExternalID, req.Amount)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	settled := f.SettleRefunds
	f.mu.Unlock()
	return &processor.RefundResult{ExternalID: id, Settled: settled}, nil
}

func (f *Fake) do(op, key, prefix, externalID string, amount int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, IdempotencyKey: key, ExternalID: externalID, Amount: amount})
	if err := f.failures[op]; err != nil {
		return "", apperr.External(op, "fake_failure", err.Error(), err)
	}
	if id, ok := f.byKey[op+":"+key]; ok && key != "" {
		return id, nil
	}
	f.seq++
	id := fmt.Sprintf("%s_%d", prefix, f.seq)
	if key != "" {
		f.byKey[op+":"+key] = id
	}
	return id, nil
}

// Verify checks the HMAC produced by Webhook.
func (f *Fake) Verify(_ context.Context, payload []byte, headers http.Header) error {
	if !hmac.Equal([]byte(headers.Get(SignatureHeader)), []byte(sign(payload))) {
		return processor.ErrInvalidSignature
	}
	return nil
}

// Parse decodes a payload produced by Webhook.
func (f *Fake) Parse(_ context.Context, payload []byte) (*processor.Event, error) {
	var evt processor.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidPayload, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, processor.ErrInvalidEvent
	}
	return &evt, nil
}

// Webhook encodes and signs evt as the fake processor would deliver it.
func Webhook(evt processor.Event) ([]byte, http.Header) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	payload, _ := json.Marshal(evt)
	headers := http.Header{}
	headers.Set(SignatureHeader, sign(payload))
	return payload, headers
}

func sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
