package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/auditcontext"
	"github.com/smallbiznis/settlement/internal/cache"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	"github.com/smallbiznis/settlement/internal/webhook/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dedupe is the in-memory fast path in front of the webhook_events table.
type Dedupe = cache.Cache[string, struct{}]

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Registry  *processor.Registry
	Repo      domain.Repository
	Payments  paymentdomain.Service
	Charges   chargedomain.Service
	Transfers transferdomain.Service
	Audit     auditdomain.Service
	Dedupe    Dedupe                     `optional:"true"`
	Metrics   *metrics.SettlementMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	registry  *processor.Registry
	repo      domain.Repository
	payments  paymentdomain.Service
	charges   chargedomain.Service
	transfers transferdomain.Service
	audit     auditdomain.Service
	dedupe    Dedupe
	dedupeTTL time.Duration
	metrics   *metrics.SettlementMetrics
}

func NewService(p Params) domain.Service {
	dedupe := p.Dedupe
	if dedupe == nil {
		dedupe = cache.NoopCache[string, struct{}]{}
	}
	ttl := p.Cfg.Webhook.DedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("webhook.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		registry:  p.Registry,
		repo:      p.Repo,
		payments:  p.Payments,
		charges:   p.Charges,
		transfers: p.Transfers,
		audit:     p.Audit,
		dedupe:    dedupe,
		dedupeTTL: ttl,
		metrics:   p.Metrics,
	}
}

type outcome string

const (
	outcomeApplied   outcome = "applied"
	outcomeIgnored   outcome = "ignored"
	outcomeRejected  outcome = "rejected"
	outcomeDuplicate outcome = "duplicate"
	outcomeFailed    outcome = "failed"
	outcomeDeferred  outcome = "deferred"
)

// errDeferred marks an event kept for replay. Callers acknowledge it.
var errDeferred = errors.New("webhook deferred")

// Ingest verifies, records and applies one processor notification. A
// redelivered event that was already applied is acknowledged without effect.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (err error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}

	ctx, span := tracing.Start(ctx, "webhook.ingest", attribute.String("processor.provider", provider))
	defer func() { tracing.End(span, err) }()

	adapter, err := s.registry.Get(provider)
	if err != nil {
		return domain.ErrInvalidProvider
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.metrics.IncWebhook(provider, "unknown", "invalid_signature")
		logger.FromContext(ctx).Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Any("headers", logger.MaskHeaders(headers)),
			zap.Error(err),
		)
		return err
	}
	evt, err := adapter.Parse(ctx, payload)
	if err != nil {
		s.metrics.IncWebhook(provider, "unknown", "invalid_payload")
		logger.FromContext(ctx).Debug("webhook payload rejected",
			zap.String("provider", provider),
			zap.Any("payload", logger.MaskPayload(payload)),
			zap.Error(err),
		)
		return err
	}
	if evt == nil || strings.TrimSpace(evt.ID) == "" {
		return domain.ErrInvalidEvent
	}
	span.SetAttributes(
		attribute.String("processor.event_type", string(evt.Type)),
		attribute.String("processor.event_id", evt.ID),
	)

	key := dedupeKey(provider, evt.ID)
	if _, ok := s.dedupe.Get(key); ok {
		s.metrics.IncWebhook(provider, string(evt.Type), string(outcomeDuplicate))
		return nil
	}

	now := s.clock.Now()
	sum := sha256.Sum256(payload)
	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ExternalEventID: evt.ID,
		Type:            string(evt.Type),
		ResourceID:      evt.ResourceID,
		PayloadHash:     hex.EncodeToString(sum[:]),
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := s.repo.Find(ctx, s.db, provider, evt.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("webhook event %s/%s vanished after conflict", provider, evt.ID)
		}
		if existing.ProcessedAt != nil {
			s.dedupe.Set(key, struct{}{}, s.dedupeTTL)
			s.metrics.IncWebhook(provider, string(evt.Type), string(outcomeDuplicate))
			return nil
		}
		record = existing
	}

	if err := s.process(ctx, record, evt); err != nil && !errors.Is(err, errDeferred) {
		return err
	}
	return nil
}

// ReplayUnprocessed applies stored events whose earlier processing failed.
// Events still waiting on a halted entity are skipped without error.
func (s *Service) ReplayUnprocessed(ctx context.Context, limit int) (int, error) {
	rows, err := s.repo.ListUnprocessed(ctx, s.db, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	var errs []error
	for i := range rows {
		record := &rows[i]
		adapter, err := s.registry.Get(record.Provider)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		evt, err := adapter.Parse(ctx, record.Payload)
		if err != nil {
			// The payload parsed when it arrived; keep the row for inspection.
			if recordErr := s.repo.RecordFailure(ctx, s.db, record.ID, err.Error(), s.clock.Now()); recordErr != nil {
				logger.FromContext(ctx).Warn("record webhook replay failure",
					zap.String("provider", record.Provider),
					zap.String("event_id", record.ExternalEventID),
					zap.Error(recordErr),
				)
			}
			errs = append(errs, err)
			continue
		}
		if err := s.process(ctx, record, evt); err != nil {
			if !errors.Is(err, errDeferred) {
				errs = append(errs, err)
			}
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Service) process(ctx context.Context, record *domain.EventRecord, evt *processor.Event) error {
	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeProcessor), record.Provider)
	ctx = auditcontext.WithRequestID(ctx, record.ExternalEventID)
	log := logger.FromContext(ctx).With(
		zap.String("provider", record.Provider),
		zap.String("event_id", record.ExternalEventID),
		zap.String("event_type", record.Type),
	)

	result, err := s.dispatch(ctx, evt)
	now := s.clock.Now()
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrEntityHalted):
		// Acknowledged but left unprocessed. The replay worker applies it
		// once the halt is cleared.
		if failErr := s.repo.RecordFailure(ctx, s.db, record.ID, err.Error(), now); failErr != nil {
			return failErr
		}
		s.metrics.IncWebhook(record.Provider, record.Type, string(outcomeDeferred))
		log.Warn("webhook deferred for halted entity", zap.Error(err))
		return errDeferred
	case errors.Is(err, apperr.ErrInvalidTransition):
		// Out-of-order or stale notifications are acknowledged so the
		// processor stops redelivering them.
		result = outcomeRejected
		note := err.Error()
		if markErr := s.repo.MarkProcessed(ctx, s.db, record.ID, now, &note); markErr != nil {
			return markErr
		}
		if auditErr := s.audit.Record(ctx, nil, auditdomain.ActionWebhookRejected, "webhook_event", record.ID.String(), map[string]any{
			"provider":    record.Provider,
			"event_id":    record.ExternalEventID,
			"event_type":  record.Type,
			"resource_id": record.ResourceID,
			"reason":      note,
		}); auditErr != nil {
			log.Warn("audit webhook rejection", zap.Error(auditErr))
		}
		log.Warn("webhook transition rejected", zap.Error(err))
		s.dedupe.Set(dedupeKey(record.Provider, record.ExternalEventID), struct{}{}, s.dedupeTTL)
		s.metrics.IncWebhook(record.Provider, record.Type, string(result))
		return nil
	default:
		if failErr := s.repo.RecordFailure(ctx, s.db, record.ID, err.Error(), now); failErr != nil {
			log.Error("record webhook failure", zap.Error(failErr))
		}
		s.metrics.IncWebhook(record.Provider, record.Type, string(outcomeFailed))
		log.Error("webhook processing failed", zap.Error(err))
		return err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, now, nil); err != nil {
		return err
	}
	s.dedupe.Set(dedupeKey(record.Provider, record.ExternalEventID), struct{}{}, s.dedupeTTL)
	s.metrics.IncWebhook(record.Provider, record.Type, string(result))
	log.Debug("webhook processed", zap.String("result", string(result)))
	return nil
}

func (s *Service) dispatch(ctx context.Context, evt *processor.Event) (outcome, error) {
	occurredAt := evt.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	if to, failed, ok := intentStatus(evt.Type); ok {
		_, err := s.payments.ApplyTransition(ctx, paymentdomain.Transition{
			ExternalID:     evt.ResourceID,
			To:             to,
			Failed:         failed,
			FailureCode:    evt.FailureCode,
			FailureMessage: evt.FailureMessage,
			OccurredAt:     occurredAt,
		})
		return outcomeApplied, err
	}
	if to, ok := transferStatus(evt.Type); ok {
		_, err := s.transfers.ApplyTransition(ctx, transferdomain.Transition{
			ExternalID:     evt.ResourceID,
			To:             to,
			FailureCode:    evt.FailureCode,
			FailureMessage: evt.FailureMessage,
			OccurredAt:     occurredAt,
		})
		return outcomeApplied, err
	}

	switch evt.Type {
	case processor.EventChargeRefunded:
		_, err := s.charges.ApplyRefund(ctx, chargedomain.RefundInput{
			PaymentExternalID: evt.ResourceID,
			ExternalRefundID:  evt.RefundID,
			Amount:            evt.Amount,
			OccurredAt:        occurredAt,
		})
		return outcomeApplied, err
	case processor.EventRefundFailed:
		reason := evt.FailureMessage
		if reason == "" {
			reason = evt.FailureCode
		}
		return outcomeApplied, s.charges.FailRefund(ctx, evt.RefundID, reason)
	}
	return outcomeIgnored, nil
}

func intentStatus(t processor.EventType) (paymentdomain.IntentStatus, bool, bool) {
	switch t {
	case processor.EventIntentRequiresConfirmation:
		return paymentdomain.StatusRequiresConfirmation, false, true
	case processor.EventIntentRequiresAction:
		return paymentdomain.StatusRequiresAction, false, true
	case processor.EventIntentProcessing:
		return paymentdomain.StatusProcessing, false, true
	case processor.EventIntentAmountCapturable:
		return paymentdomain.StatusRequiresCapture, false, true
	case processor.EventIntentSucceeded:
		return paymentdomain.StatusSucceeded, false, true
	case processor.EventIntentPaymentFailed:
		return paymentdomain.StatusRequiresPaymentMethod, true, true
	case processor.EventIntentCanceled:
		return paymentdomain.StatusCanceled, false, true
	}
	return "", false, false
}

func transferStatus(t processor.EventType) (transferdomain.Status, bool) {
	switch t {
	case processor.EventTransferPaid:
		return transferdomain.StatusPaid, true
	case processor.EventTransferFailed:
		return transferdomain.StatusFailed, true
	case processor.EventTransferCanceled:
		return transferdomain.StatusCanceled, true
	}
	return "", false
}

func dedupeKey(provider, eventID string) string {
	return provider + ":" + eventID
}
