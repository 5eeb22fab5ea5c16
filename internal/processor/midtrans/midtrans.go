// Package midtrans integrates Midtrans: Snap for payment collection, the Core
// API for capture, cancel and refund, and Iris for promoter disbursements.
//
// Midtrans has no separate intent object; the Snap order id is the payment's
// external id and the Snap token is handed to the payer as client secret.
package midtrans

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/iris"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"github.com/smallbiznis/settlement/internal/processor"
)

const ProviderName = "midtrans"

var wrapClient sync.Once

type Adapter struct {
	serverKey   string
	irisKey     string
	merchantKey string
	env         midtrans.EnvironmentType
}

var _ processor.Adapter = (*Adapter)(nil)

func New(cfg config.MidtransConfig) (*Adapter, error) {
	if strings.TrimSpace(cfg.ServerKey) == "" {
		return nil, fmt.Errorf("%w: midtrans server_key is required", processor.ErrInvalidConfig)
	}
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}
	// The SDK builds its HTTP client from this package-level default.
	wrapClient.Do(func() {
		midtrans.DefaultGoHttpClient = tracing.WrapHTTPClient(midtrans.DefaultGoHttpClient)
	})
	return &Adapter{
		serverKey:   cfg.ServerKey,
		irisKey:     cfg.IrisAPIKey,
		merchantKey: cfg.MerchantKey,
		env:         env,
	}, nil
}

func (a *Adapter) Provider() string { return ProviderName }

func (a *Adapter) options(ctx context.Context, idempotencyKey string) *midtrans.ConfigOptions {
	opts := &midtrans.ConfigOptions{}
	opts.SetContext(ctx)
	if idempotencyKey != "" {
		opts.SetPaymentIdempotencyKey(idempotencyKey)
	}
	return opts
}

func (a *Adapter) core(ctx context.Context, idempotencyKey string) *coreapi.Client {
	var c coreapi.Client
	c.New(a.serverKey, a.env)
	c.Options = a.options(ctx, idempotencyKey)
	return &c
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req processor.PaymentIntentRequest) (*processor.PaymentIntentResult, error) {
	if req.CaptureMethod == processor.CaptureManual {
		return nil, apperr.External("create_payment_intent", "unsupported_capture_method", "midtrans snap payments are captured automatically", nil)
	}
	var s snap.Client
	s.New(a.serverKey, a.env)
	s.Options = a.options(ctx, req.IdempotencyKey)

	snapReq := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.IdempotencyKey,
			GrossAmt: req.Amount,
		},
		CustomField1: req.Metadata["campaign_id"],
		CustomField2: req.Metadata["payment_intent_id"],
	}
	resp, merr := s.CreateTransaction(snapReq)
	if merr != nil {
		return nil, wrap("create_payment_intent", merr)
	}
	if resp == nil {
		return nil, apperr.External("create_payment_intent", "empty_response", "", nil)
	}
	return &processor.PaymentIntentResult{
		ExternalID:   req.IdempotencyKey,
		ClientSecret: resp.Token,
		Status:       "requires_payment_method",
	}, nil
}

// CapturePaymentIntent captures an authorized card payment. Capture needs the
// Midtrans transaction id, so the order is looked up first.
func (a *Adapter) CapturePaymentIntent(ctx context.Context, externalID, idempotencyKey string, amount int64) error {
	client := a.core(ctx, idempotencyKey)
	status, merr := client.CheckTransaction(externalID)
	if merr != nil {
		return wrap("capture_payment_intent", merr)
	}
	_, merr = client.CaptureTransaction(&coreapi.CaptureReq{
		TransactionID: status.TransactionID,
		GrossAmt:      float64(amount),
	})
	if merr != nil {
		return wrap("capture_payment_intent", merr)
	}
	return nil
}

func (a *Adapter) CancelPaymentIntent(ctx context.Context, externalID, idempotencyKey string) error {
	if _, merr := a.core(ctx, idempotencyKey).CancelTransaction(externalID); merr != nil {
		return wrap("cancel_payment_intent", merr)
	}
	return nil
}

// CreateRefund refunds through the Core API, which answers synchronously.
func (a *Adapter) CreateRefund(ctx context.Context, req processor.RefundRequest) (*processor.RefundResult, error) {
	resp, merr := a.core(ctx, req.IdempotencyKey).RefundTransaction(req.PaymentExternalID, &coreapi.RefundReq{
		RefundKey: req.IdempotencyKey,
		Amount:    req.Amount,
		Reason:    req.Reason,
	})
	if merr != nil {
		return nil, wrap("create_refund", merr)
	}
	settled := resp != nil && resp.StatusCode == "200"
	return &processor.RefundResult{ExternalID: req.IdempotencyKey, Settled: settled}, nil
}

// CreateTransfer disburses through Iris. The destination account is encoded as
// "<bank>:<account number>:<beneficiary name>".
func (a *Adapter) CreateTransfer(ctx context.Context, req processor.TransferRequest) (*processor.TransferResult, error) {
	if a.irisKey == "" {
		return nil, apperr.External("create_transfer", "iris_not_configured", "disbursements are not enabled", nil)
	}
	bank, account, name, err := parseBeneficiary(req.DestinationAccountID)
	if err != nil {
		return nil, apperr.External("create_transfer", "invalid_destination", err.Error(), err)
	}

	var client iris.Client
	client.New(a.irisKey, a.env)
	client.Options = a.options(ctx, req.IdempotencyKey)

	resp, merr := client.CreatePayout(iris.CreatePayoutReq{
		Payouts: []iris.CreatePayoutDetailReq{{
			BeneficiaryName:    name,
			BeneficiaryAccount: account,
			BeneficiaryBank:    bank,
			Amount:             strconv.FormatInt(req.Amount, 10),
			Notes:              notes(req),
		}},
	})
	if merr != nil {
		return nil, wrap("create_transfer", merr)
	}
	if resp == nil || len(resp.Payouts) == 0 {
		return nil, apperr.External("create_transfer", "empty_response", "", nil)
	}
	return &processor.TransferResult{ExternalID: resp.Payouts[0].ReferenceNo, Status: resp.Payouts[0].Status}, nil
}

func parseBeneficiary(destination string) (bank, account, name string, err error) {
	parts := strings.SplitN(destination, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("destination %q is not bank:account:name", destination)
	}
	return parts[0], parts[1], parts[2], nil
}

func notes(req processor.TransferRequest) string {
	if req.Description != "" {
		return req.Description
	}
	return "payout " + req.IdempotencyKey
}

func wrap(op string, merr *midtrans.Error) error {
	code := "midtrans_error"
	if merr.StatusCode > 0 {
		code = "http_" + strconv.Itoa(merr.StatusCode)
	}
	return apperr.External(op, code, merr.Message, merr)
}
