// Package gateway integrates a card-network style processor exposed as a JSON
// HTTP API. Webhooks carry a JWT in the Gateway-Signature header whose
// body_sha256 claim binds the token to the delivered body.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/processor"
)

const (
	ProviderName    = "gateway"
	SignatureHeader = "Gateway-Signature"
)

// Adapter talks to the gateway API.
type Adapter struct {
	baseURL string
	apiKey  string
	secret  []byte
	client  *http.Client
}

var _ processor.Adapter = (*Adapter)(nil)

func New(cfg config.GatewayConfig, client *http.Client) (*Adapter, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: gateway base_url and webhook_secret are required", processor.ErrInvalidConfig)
	}
	return &Adapter{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		secret:  []byte(cfg.WebhookSecret),
		client:  tracing.WrapHTTPClient(client),
	}, nil
}

func (a *Adapter) Provider() string { return ProviderName }

type intentBody struct {
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	ApplicationFeeAmount int64             `json:"application_fee_amount,omitempty"`
	CaptureMethod        string            `json:"capture_method"`
	TransferData         *transferData     `json:"transfer_data,omitempty"`
	OnBehalfOf           string            `json:"on_behalf_of,omitempty"`
	Description          string            `json:"description,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

type transferData struct {
	Destination string `json:"destination"`
}

type resource struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req processor.PaymentIntentRequest) (*processor.PaymentIntentResult, error) {
	body := intentBody{
		Amount:               req.Amount,
		Currency:             strings.ToLower(req.Currency),
		ApplicationFeeAmount: req.ApplicationFeeAmount,
		CaptureMethod:        string(req.CaptureMethod),
		Description:          req.Description,
		Metadata:             req.Metadata,
	}
	if body.CaptureMethod == "" {
		body.CaptureMethod = string(processor.CaptureAutomatic)
	}
	switch req.FlowType {
	case "destination":
		body.TransferData = &transferData{Destination: req.DestinationAccountID}
	case "direct":
		body.OnBehalfOf = req.DestinationAccountID
	}

	var out resource
	if err := a.post(ctx, "/v1/payment_intents", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	return &processor.PaymentIntentResult{ExternalID: out.ID, ClientSecret: out.ClientSecret, Status: out.Status}, nil
}

func (a *Adapter) CapturePaymentIntent(ctx context.Context, externalID, idempotencyKey string, amount int64) error {
	body := map[string]any{"amount_to_capture": amount}
	return a.post(ctx, "/v1/payment_intents/"+externalID+"/capture", idempotencyKey, body, nil)
}

func (a *Adapter) CancelPaymentIntent(ctx context.Context, externalID, idempotencyKey string) error {
	return a.post(ctx, "/v1/payment_intents/"+externalID+"/cancel", idempotencyKey, map[string]any{}, nil)
}

func (a *Adapter) CreateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.TransferResult, error) {
	body := map[string]any{
		"amount":      req.Amount,
		"currency":    strings.ToLower(req.Currency),
		"destination": req.DestinationAccountID,
	}
	if req.SourceTransaction != "" {
		body["source_transaction"] = req.SourceTransaction
	}
	if req.Description != "" {
		body["description"] = req.Description
	}
	var out resource
	if err := a.post(ctx, "/v1/transfers", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	return &processor.TransferResult{ExternalID: out.ID, Status: out.Status}, nil
}

func (a *Adapter) CreateRefund(ctx context.Context, req processor.RefundRequest) (*processor.RefundResult, error) {
	body := map[string]any{
		"payment_intent": req.PaymentExternalID,
		"amount":         req.Amount,
	}
	if req.Reason != "" {
		body["reason"] = req.Reason
	}
	var out resource
	if err := a.post(ctx, "/v1/refunds", req.IdempotencyKey, body, &out); err != nil {
		return nil, err
	}
	// Gateway refunds settle asynchronously; "succeeded" is reported only for
	// instant refunds.
	return &processor.RefundResult{ExternalID: out.ID, Settled: out.Status == "succeeded"}, nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) post(ctx context.Context, path, idempotencyKey string, body any, out any) error {
	op := strings.TrimPrefix(path, "/v1/")
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return apperr.External(op, "transport_error", "", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.External(op, "transport_error", "", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr apiError
		_ = json.Unmarshal(payload, &apiErr)
		code := apiErr.Error.Code
		if code == "" {
			code = "http_" + strconv.Itoa(resp.StatusCode)
		}
		return apperr.External(op, code, apiErr.Error.Message, fmt.Errorf("gateway returned status %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.External(op, "invalid_response", "", err)
	}
	return nil
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object object `json:"object"`
	} `json:"data"`
}

type object struct {
	ID               string `json:"id"`
	PaymentIntent    string `json:"payment_intent"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	FailureCode      string `json:"failure_code"`
	FailureMessage   string `json:"failure_message"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

var eventTypes = map[string]processor.EventType{
	"payment_intent.requires_confirmation":     processor.EventIntentRequiresConfirmation,
	"payment_intent.requires_action":           processor.EventIntentRequiresAction,
	"payment_intent.processing":                processor.EventIntentProcessing,
	"payment_intent.amount_capturable_updated": processor.EventIntentAmountCapturable,
	"payment_intent.succeeded":                 processor.EventIntentSucceeded,
	"payment_intent.payment_failed":            processor.EventIntentPaymentFailed,
	"payment_intent.canceled":                  processor.EventIntentCanceled,
	"charge.refunded":                          processor.EventChargeRefunded,
	"refund.failed":                            processor.EventRefundFailed,
	"transfer.paid":                            processor.EventTransferPaid,
	"transfer.failed":                          processor.EventTransferFailed,
	"transfer.reversed":                        processor.EventTransferCanceled,
}

// Parse normalizes a gateway event. Unknown types are passed through so the
// ingestor can record and acknowledge them.
func (a *Adapter) Parse(_ context.Context, payload []byte) (*processor.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", processor.ErrInvalidPayload, err)
	}
	if env.ID == "" || env.Type == "" || env.Data.Object.ID == "" {
		return nil, processor.ErrInvalidEvent
	}

	obj := env.Data.Object
	evt := &processor.Event{
		ID:             env.ID,
		Type:           processor.EventType(env.Type),
		ResourceID:     obj.ID,
		OccurredAt:     time.Unix(env.Created, 0).UTC(),
		Amount:         obj.Amount,
		Currency:       strings.ToUpper(obj.Currency),
		FailureCode:    obj.FailureCode,
		FailureMessage: obj.FailureMessage,
	}
	if mapped, ok := eventTypes[env.Type]; ok {
		evt.Type = mapped
	}
	switch evt.Type {
	case processor.EventChargeRefunded, processor.EventRefundFailed:
		evt.RefundID = obj.ID
		evt.ResourceID = obj.PaymentIntent
	}
	if obj.LastPaymentError != nil {
		evt.FailureCode = obj.LastPaymentError.Code
		evt.FailureMessage = obj.LastPaymentError.Message
	}
	return evt, nil
}

var errMissingSignature = errors.New("missing signature header")
