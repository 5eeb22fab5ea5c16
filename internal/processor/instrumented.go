package processor

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Instrumented bounds every processor call with a timeout, traces and times
// it, and classifies failures as external processor errors.
type Instrumented struct {
	next    Processor
	timeout time.Duration
	metrics *metrics.SettlementMetrics
	log     *zap.Logger
}

func NewInstrumented(next Processor, timeout time.Duration, m *metrics.SettlementMetrics, log *zap.Logger) *Instrumented {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Instrumented{next: next, timeout: timeout, metrics: m, log: log.Named("processor")}
}

func (p *Instrumented) CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (*PaymentIntentResult, error) {
	var res *PaymentIntentResult
	err := p.call(ctx, "create_payment_intent", req.IdempotencyKey, func(ctx context.Context) error {
		var err error
		res, err = p.next.CreatePaymentIntent(ctx, req)
		return err
	})
	return res, err
}

func (p *Instrumented) CapturePaymentIntent(ctx context.Context, externalID, idempotencyKey string, amount int64) error {
	return p.call(ctx, "capture_payment_intent", idempotencyKey, func(ctx context.Context) error {
		return p.next.CapturePaymentIntent(ctx, externalID, idempotencyKey, amount)
	})
}

func (p *Instrumented) CancelPaymentIntent(ctx context.Context, externalID, idempotencyKey string) error {
	return p.call(ctx, "cancel_payment_intent", idempotencyKey, func(ctx context.Context) error {
		return p.next.CancelPaymentIntent(ctx, externalID, idempotencyKey)
	})
}

func (p *Instrumented) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var res *TransferResult
	err := p.call(ctx, "create_transfer", req.IdempotencyKey, func(ctx context.Context) error {
		var err error
		res, err = p.next.CreateTransfer(ctx, req)
		return err
	})
	return res, err
}

func (p *Instrumented) CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var res *RefundResult
	err := p.call(ctx, "create_refund", req.IdempotencyKey, func(ctx context.Context) error {
		var err error
		res, err = p.next.CreateRefund(ctx, req)
		return err
	})
	return res, err
}

func (p *Instrumented) call(ctx context.Context, op, idempotencyKey string, fn func(context.Context) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := tracing.Start(ctx, "processor."+op, attribute.String("processor.idempotency_key", idempotencyKey))
	start := time.Now()
	defer func() {
		p.metrics.ObserveProcessorCall(op, err, time.Since(start))
		tracing.End(span, err)
	}()

	err = fn(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, apperr.ErrExternalProcessor) {
		code := "processor_error"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "processor_timeout"
		}
		err = apperr.External(op, code, "", err)
	}
	p.log.Warn("processor call failed",
		zap.String("operation", op),
		zap.String("idempotency_key", idempotencyKey),
		zap.String("failure_code", apperr.FailureCode(err)),
		zap.Error(err),
	)
	return err
}
