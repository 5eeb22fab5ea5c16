package midtrans

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/processor"
)

// IrisSignatureHeader carries the disbursement notification signature.
const IrisSignatureHeader = "Iris-Signature"

var jakarta = time.FixedZone("WIB", 7*3600)

type irisNotification struct {
	ReferenceNo  string `json:"reference_no"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	UpdatedAt    string `json:"updated_at"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Verify checks payment notifications against their signature_key field and
// Iris disbursement notifications against the Iris-Signature header.
func (a *Adapter) Verify(_ context.Context, payload []byte, headers http.Header) error {
	if sig := strings.TrimSpace(headers.Get(IrisSignatureHeader)); sig != "" {
		if a.merchantKey == "" {
			return fmt.Errorf("%w: iris merchant key not configured", processor.ErrInvalidSignature)
		}
		sum := sha512.Sum512(append(append([]byte{}, payload...), a.merchantKey...))
		return compare(hex.EncodeToString(sum[:]), sig)
	}

	var n coreapi.TransactionStatusResponse
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("%w: %v", processor.ErrInvalidPayload, err)
	}
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + a.serverKey))
	return compare(hex.EncodeToString(sum[:]), n.SignatureKey)
}

func compare(expected, got string) error {
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(got)))) != 1 {
		return processor.ErrInvalidSignature
	}
	return nil
}

// Parse maps Midtrans transaction and Iris payout statuses onto events.
// Midtrans notifications have no event id; one is derived from the fields that
// identify a status change so redeliveries dedupe.
func (a *Adapter) Parse(_ context.Context, payload []byte) (*processor.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidPayload, err)
	}
	if _, ok := fields["reference_no"]; ok {
		return parseIris(payload)
	}
	return parseTransaction(payload)
}

func parseTransaction(payload []byte) (*processor.Event, error) {
	var n coreapi.TransactionStatusResponse
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidPayload, err)
	}
	if n.OrderID == "" || n.TransactionStatus == "" {
		return nil, processor.ErrInvalidEvent
	}

	amount, err := minorUnits(n.GrossAmount)
	if err != nil {
		return nil, err
	}
	evt := &processor.Event{
		ID:         eventID(n.OrderID, n.TransactionID, n.TransactionStatus, n.StatusCode, n.TransactionTime),
		Type:       transactionEventType(n.TransactionStatus, n.FraudStatus),
		ResourceID: n.OrderID,
		OccurredAt: parseTime(n.TransactionTime),
		Amount:     amount,
		Currency:   strings.ToUpper(n.Currency),
	}
	if evt.Type == processor.EventIntentPaymentFailed {
		evt.FailureCode = "midtrans_" + n.TransactionStatus
		evt.FailureMessage = n.StatusMessage
	}
	return evt, nil
}

func transactionEventType(status, fraud string) processor.EventType {
	switch status {
	case "pending":
		return processor.EventIntentProcessing
	case "authorize":
		return processor.EventIntentAmountCapturable
	case "capture":
		if fraud == "challenge" {
			return processor.EventIntentRequiresAction
		}
		return processor.EventIntentSucceeded
	case "settlement":
		return processor.EventIntentSucceeded
	case "deny", "failure":
		return processor.EventIntentPaymentFailed
	case "cancel", "expire":
		return processor.EventIntentCanceled
	default:
		// refund notifications mirror the synchronous refund response and
		// are acknowledged without effect.
		return processor.EventType("midtrans." + status)
	}
}

func parseIris(payload []byte) (*processor.Event, error) {
	var n irisNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidPayload, err)
	}
	if n.ReferenceNo == "" || n.Status == "" {
		return nil, processor.ErrInvalidEvent
	}
	amount, err := minorUnits(n.Amount)
	if err != nil {
		return nil, err
	}

	evt := &processor.Event{
		ID:         eventID(n.ReferenceNo, n.Status, n.UpdatedAt),
		ResourceID: n.ReferenceNo,
		OccurredAt: parseTime(n.UpdatedAt),
		Amount:     amount,
		Currency:   "IDR",
	}
	switch n.Status {
	case "completed":
		evt.Type = processor.EventTransferPaid
	case "failed":
		evt.Type = processor.EventTransferFailed
		evt.FailureCode = n.ErrorCode
		evt.FailureMessage = n.ErrorMessage
	case "rejected":
		evt.Type = processor.EventTransferCanceled
	default:
		evt.Type = processor.EventType("iris." + n.Status)
	}
	return evt, nil
}

// minorUnits converts a Midtrans amount string ("10000.00"). Rupiah has no
// minor unit, so the whole amount is the minor-unit value.
func minorUnits(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q", processor.ErrInvalidPayload, raw)
	}
	return value.IntPart(), nil
}

func parseTime(raw string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, raw, jakarta); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func eventID(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return "mt_" + hex.EncodeToString(sum[:16])
}
