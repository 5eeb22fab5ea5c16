package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/apperr"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/events"
	"github.com/smallbiznis/settlement/internal/fee"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const entityName = "payment_intent"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Processor  processor.Processor
	Allocation allocationdomain.Service
	Charges    chargedomain.Service
	Ledger     ledgerdomain.Service
	Outbox     *events.Outbox
	Audit      auditdomain.Service
	Metrics    *metrics.SettlementMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	processor  processor.Processor
	allocation allocationdomain.Service
	charges    chargedomain.Reconciler
	ledger     ledgerdomain.Service
	outbox     *events.Outbox
	audit      auditdomain.Service
	metrics    *metrics.SettlementMetrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		processor:  p.Processor,
		allocation: p.Allocation,
		charges:    p.Charges,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		audit:      p.Audit,
		metrics:    p.Metrics,
	}
}

func (s *Service) SetupFlow(ctx context.Context, input paymentdomain.FlowConfigInput) (*paymentdomain.PaymentFlowConfig, error) {
	if input.CampaignID == 0 {
		return nil, paymentdomain.ErrInvalidCampaign
	}
	if !input.FlowType.Valid() {
		return nil, paymentdomain.ErrInvalidFlowType
	}
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		return nil, paymentdomain.ErrInvalidCurrency
	}
	if err := input.FeePolicy.Validate(); err != nil {
		return nil, err
	}
	if input.HoldPeriodDays < 0 {
		return nil, paymentdomain.ErrInvalidHoldPeriod
	}
	if len(input.RevenueSplits) > 0 {
		if err := fee.ValidateSplits(input.RevenueSplits); err != nil {
			return nil, err
		}
	}
	destination := strings.TrimSpace(input.DestinationAccountID)
	if destination == "" && (input.FlowType == paymentdomain.FlowDestination || input.FlowType == paymentdomain.FlowDirect) {
		return nil, paymentdomain.ErrMissingDestination
	}

	now := s.clock.Now()
	var cfg paymentdomain.PaymentFlowConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("campaign_id = ?", input.CampaignID).
			Take(&cfg).Error
		created := false
		switch {
		case pkgdb.IsNotFound(err):
			cfg = paymentdomain.PaymentFlowConfig{ID: s.genID.Generate(), CampaignID: input.CampaignID, CreatedAt: now}
			created = true
		case err != nil:
			return err
		case cfg.LockedAt != nil:
			return paymentdomain.ErrFlowConfigLocked
		}

		cfg.Currency = currency
		cfg.FlowType = input.FlowType
		cfg.FeeType = input.FeePolicy.Type
		cfg.FeeRate = input.FeePolicy.Rate
		cfg.FeeAmount = input.FeePolicy.Amount
		cfg.RequiresGoalCompletion = input.RequiresGoalCompletion
		cfg.AutoReleaseFunds = input.AutoReleaseFunds
		cfg.HoldPeriodDays = input.HoldPeriodDays
		cfg.DestinationAccountID = destination
		cfg.UpdatedAt = now
		if err := cfg.SetSplits(input.RevenueSplits); err != nil {
			return err
		}
		if created {
			return tx.WithContext(ctx).Create(&cfg).Error
		}
		return tx.WithContext(ctx).Save(&cfg).Error
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Service) FlowConfig(ctx context.Context, campaignID snowflake.ID) (*paymentdomain.PaymentFlowConfig, error) {
	var cfg paymentdomain.PaymentFlowConfig
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Take(&cfg).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, paymentdomain.ErrFlowConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// SignalGoalCompleted records the external goal-completion signal. Repeated
// signals keep the first timestamp.
func (s *Service) SignalGoalCompleted(ctx context.Context, campaignID snowflake.ID, at time.Time) error {
	if at.IsZero() {
		at = s.clock.Now()
	}
	result := s.db.WithContext(ctx).
		Model(&paymentdomain.PaymentFlowConfig{}).
		Where("campaign_id = ? AND goal_completed_at IS NULL", campaignID).
		Updates(map[string]any{"goal_completed_at": at.UTC(), "updated_at": s.clock.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.FlowConfig(ctx, campaignID); err != nil {
			return err
		}
	}
	return nil
}

// Open starts the funding payment for an allocation. A previous attempt for
// the same allocation that never reached the processor is resumed with its
// original idempotency key.
func (s *Service) Open(ctx context.Context, req paymentdomain.OpenRequest) (intent *paymentdomain.PaymentIntent, err error) {
	ctx, span := tracing.Start(ctx, "payment.Open", tracing.ID("allocation.id", req.AllocationID))
	defer func() { tracing.End(span, err) }()

	if req.PayerID == 0 {
		return nil, paymentdomain.ErrInvalidPayer
	}
	alloc, err := s.allocation.Get(ctx, req.AllocationID)
	if err != nil {
		return nil, err
	}
	if alloc.IsFunded {
		return nil, paymentdomain.ErrAllocationFunded
	}
	if alloc.Discarded() {
		return nil, allocationdomain.ErrAllocationDiscarded
	}
	captureMethod := req.CaptureMethod
	if captureMethod == "" {
		captureMethod = processor.CaptureAutomatic
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cfg paymentdomain.PaymentFlowConfig
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("campaign_id = ?", alloc.CampaignID).
			Take(&cfg).Error; err != nil {
			if pkgdb.IsNotFound(err) {
				return paymentdomain.ErrFlowConfigNotFound
			}
			return err
		}
		if cfg.Currency != alloc.Currency {
			return paymentdomain.ErrCurrencyMismatch
		}

		var open []paymentdomain.PaymentIntent
		if err := tx.WithContext(ctx).
			Where("campaign_id = ? AND status NOT IN ?", alloc.CampaignID,
				[]paymentdomain.IntentStatus{paymentdomain.StatusSucceeded, paymentdomain.StatusCanceled}).
			Find(&open).Error; err != nil {
			return err
		}
		for i := range open {
			if open[i].AllocationID == alloc.ID && open[i].ExternalID == nil {
				intent = &open[i]
				return nil
			}
			return paymentdomain.ErrIntentInProgress
		}

		if cfg.LockedAt == nil {
			if err := tx.WithContext(ctx).Model(&cfg).
				Updates(map[string]any{"locked_at": now, "updated_at": now}).Error; err != nil {
				return err
			}
		}

		id := s.genID.Generate()
		intent = &paymentdomain.PaymentIntent{
			ID:                   id,
			IdempotencyKey:       "pi:" + id.String(),
			CampaignID:           alloc.CampaignID,
			AllocationID:         alloc.ID,
			PayerID:              req.PayerID,
			RecipientID:          req.RecipientID,
			Amount:               alloc.FundingAmount,
			Currency:             alloc.Currency,
			ApplicationFeeAmount: alloc.FundingPlatformFee,
			FlowType:             cfg.FlowType,
			DestinationAccountID: cfg.DestinationAccountID,
			CaptureMethod:        string(captureMethod),
			Status:               paymentdomain.StatusRequiresPaymentMethod,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.WithContext(ctx).Create(intent).Error; err != nil {
			return err
		}
		if err := s.allocation.AttachIntent(ctx, tx, alloc.ID, intent.ID); err != nil {
			return err
		}

		record := &paymentdomain.PlatformFeeRecord{
			ID:                 s.genID.Generate(),
			PaymentIntentID:    intent.ID,
			CampaignID:         alloc.CampaignID,
			Currency:           alloc.Currency,
			FeeAmount:          alloc.FundingPlatformFee,
			ProcessorFeeAmount: alloc.FundingProcessorFee,
			NetFeeAmount:       alloc.FundingPlatformFee - alloc.FundingProcessorFee,
			FeeType:            alloc.FeeType,
			FeeRate:            alloc.FeeRate,
			BaseAmount:         alloc.FundingAmount,
			Status:             paymentdomain.FeeRecordPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.WithContext(ctx).Create(record).Error; err != nil {
			return err
		}

		_, err := s.charges.OpenPending(ctx, tx, intent)
		return err
	})
	if err != nil {
		return nil, err
	}

	res, err := s.processor.CreatePaymentIntent(ctx, processor.PaymentIntentRequest{
		IdempotencyKey:       intent.IdempotencyKey,
		Amount:               intent.Amount,
		Currency:             intent.Currency,
		ApplicationFeeAmount: intent.ApplicationFeeAmount,
		FlowType:             string(intent.FlowType),
		DestinationAccountID: intent.DestinationAccountID,
		CaptureMethod:        processor.CaptureMethod(intent.CaptureMethod),
		Description:          req.Description,
		Metadata: map[string]string{
			"campaign_id":       intent.CampaignID.String(),
			"payment_intent_id": intent.ID.String(),
		},
	})
	if err != nil {
		if recordErr := s.recordFailure(ctx, intent, err); recordErr != nil {
			s.log.Error("failed to record processor failure", zap.String("payment_intent_id", intent.ID.String()), zap.Error(recordErr))
		}
		return intent, err
	}

	external := res.ExternalID
	intent.ExternalID = &external
	intent.ClientSecret = res.ClientSecret
	if err := pkgdb.UpdateVersioned(ctx, s.db, intent.TableName(), intent.ID, &intent.Version, map[string]any{
		"external_id":     external,
		"client_secret":   res.ClientSecret,
		"failure_code":    nil,
		"failure_message": nil,
		"updated_at":      s.clock.Now(),
	}); err != nil {
		return nil, err
	}
	intent.FailureCode = nil
	intent.FailureMessage = nil

	s.log.Info("payment intent opened",
		zap.String("payment_intent_id", intent.ID.String()),
		zap.String("campaign_id", intent.CampaignID.String()),
		zap.String("external_id", external),
		zap.Int64("amount", intent.Amount),
	)
	return intent, nil
}

// Capture asks the processor to capture an authorized payment. The state
// change arrives through the succeeded webhook.
func (s *Service) Capture(ctx context.Context, intentID snowflake.ID) error {
	intent, err := s.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != paymentdomain.StatusRequiresCapture {
		return paymentdomain.ErrNotCapturable
	}
	err = s.processor.CapturePaymentIntent(ctx, intent.External(), "capture:"+intent.ID.String(), intent.Amount)
	if err != nil {
		if recordErr := s.recordFailure(ctx, intent, err); recordErr != nil {
			s.log.Error("failed to record processor failure", zap.Error(recordErr))
		}
		return err
	}
	return nil
}

// Cancel cancels a payment that has not succeeded, first at the processor
// and then locally.
func (s *Service) Cancel(ctx context.Context, intentID snowflake.ID, reason string) (*paymentdomain.PaymentIntent, error) {
	intent, err := s.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status == paymentdomain.StatusCanceled {
		return intent, nil
	}
	if !intent.Status.Cancelable() {
		return nil, paymentdomain.ErrNotCancelable
	}

	if intent.ExternalID != nil {
		if err := s.processor.CancelPaymentIntent(ctx, intent.External(), "cancel:"+intent.ID.String()); err != nil {
			if recordErr := s.recordFailure(ctx, intent, err); recordErr != nil {
				s.log.Error("failed to record processor failure", zap.Error(recordErr))
			}
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked paymentdomain.PaymentIntent
		if err := pkgdb.ForUpdate(ctx, tx, &locked, intentID); err != nil {
			return err
		}
		if !locked.Status.Cancelable() && locked.Status != paymentdomain.StatusCanceled {
			return paymentdomain.ErrNotCancelable
		}
		if err := s.transition(ctx, tx, &locked, paymentdomain.Transition{
			To:             paymentdomain.StatusCanceled,
			FailureMessage: reason,
			OccurredAt:     s.clock.Now(),
		}); err != nil {
			return err
		}
		intent = &locked
		return s.audit.Record(ctx, tx, auditdomain.ActionPaymentCanceled, entityName, intentID.String(), map[string]any{
			"campaign_id": locked.CampaignID.String(),
			"reason":      reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// ApplyTransition moves the intent identified by t.ExternalID. It is driven
// by processor webhooks and is idempotent for repeated deliveries.
func (s *Service) ApplyTransition(ctx context.Context, t paymentdomain.Transition) (intent *paymentdomain.PaymentIntent, err error) {
	ctx, span := tracing.Start(ctx, "payment.ApplyTransition",
		attribute.String("payment.external_id", t.ExternalID),
		attribute.String("payment.to", string(t.To)),
	)
	defer func() { tracing.End(span, err) }()

	if !t.To.Valid() {
		return nil, paymentdomain.ErrInvalidTransition
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = s.clock.Now()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row paymentdomain.PaymentIntent
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_id = ?", t.ExternalID).
			Take(&row).Error; err != nil {
			if pkgdb.IsNotFound(err) {
				return paymentdomain.ErrIntentNotFound
			}
			return err
		}
		if err := s.transition(ctx, tx, &row, t); err != nil {
			return err
		}
		intent = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Service) transition(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent, t paymentdomain.Transition) error {
	from := intent.Status
	to := t.To
	failed := t.Failed && to == paymentdomain.StatusRequiresPaymentMethod

	if from.Terminal() {
		if from == to && !t.Failed {
			return nil
		}
		return s.reject(intent, to)
	}
	if from == to && !failed {
		return nil
	}
	if from != to {
		if !paymentdomain.CanTransition(from, to) {
			return s.reject(intent, to)
		}
		if to == paymentdomain.StatusRequiresPaymentMethod && !failed {
			return s.reject(intent, to)
		}
	}

	at := t.OccurredAt.UTC()
	updates := map[string]any{"status": to}
	switch to {
	case paymentdomain.StatusProcessing, paymentdomain.StatusRequiresCapture, paymentdomain.StatusSucceeded:
		if intent.ConfirmedAt == nil {
			intent.ConfirmedAt = &at
			updates["confirmed_at"] = at
		}
	}
	switch {
	case to == paymentdomain.StatusSucceeded:
		intent.SucceededAt = &at
		updates["succeeded_at"] = at
	case to == paymentdomain.StatusCanceled:
		intent.CanceledAt = &at
		updates["canceled_at"] = at
	case failed:
		code := strings.TrimSpace(t.FailureCode)
		if code == "" {
			code = "payment_failed"
		}
		message := t.FailureMessage
		intent.FailureCode = &code
		intent.FailureMessage = &message
		updates["failure_code"] = code
		updates["failure_message"] = message
	}
	updates["updated_at"] = s.clock.Now()
	if err := pkgdb.UpdateVersioned(ctx, tx, intent.TableName(), intent.ID, &intent.Version, updates); err != nil {
		return err
	}
	intent.Status = to

	switch {
	case to == paymentdomain.StatusSucceeded:
		if err := s.onSucceeded(ctx, tx, intent, at); err != nil {
			return err
		}
	case to == paymentdomain.StatusCanceled:
		reason := t.FailureMessage
		if reason == "" {
			reason = "payment canceled"
		}
		if _, err := s.charges.ApplyFailure(ctx, tx, intent, reason); err != nil {
			return err
		}
		if err := s.allocation.Discard(ctx, tx, intent.AllocationID); err != nil {
			return err
		}
	case failed:
		reason := t.FailureMessage
		if reason == "" {
			reason = *intent.FailureCode
		}
		if _, err := s.charges.ApplyFailure(ctx, tx, intent, reason); err != nil {
			return err
		}
	}

	s.metrics.IncTransition(entityName, string(from), string(to))
	s.log.Info("payment intent transitioned",
		zap.String("payment_intent_id", intent.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// onSucceeded runs the funding effects in order: fee collected, allocation
// funded, charge applied.
func (s *Service) onSucceeded(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent, at time.Time) error {
	if err := s.collectFee(ctx, tx, intent, at); err != nil {
		return err
	}
	alloc, err := s.allocation.MarkFunded(ctx, tx, intent.AllocationID, intent.ID, at)
	if err != nil {
		return err
	}
	if _, err := s.charges.ApplySuccess(ctx, tx, intent); err != nil {
		return err
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        events.EventAllocationFunded,
		AggregateID: alloc.ID,
		Payload: events.AllocationPayload{
			AllocationID:   alloc.ID.String(),
			CampaignID:     alloc.CampaignID.String(),
			Sequence:       alloc.Sequence,
			TotalBudget:    alloc.TotalBudget,
			PromoterPayout: alloc.PromoterPayout,
			Currency:       alloc.Currency,
		}.ToMap(),
	})
}

func (s *Service) collectFee(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent, at time.Time) error {
	var record paymentdomain.PlatformFeeRecord
	if err := tx.WithContext(ctx).
		Where("payment_intent_id = ?", intent.ID).
		Take(&record).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return paymentdomain.ErrFeeRecordNotFound
		}
		return err
	}
	if record.Status != paymentdomain.FeeRecordPending {
		return nil
	}
	if err := tx.WithContext(ctx).Model(&record).
		Where("status = ?", paymentdomain.FeeRecordPending).
		Updates(map[string]any{
			"status":       paymentdomain.FeeRecordCollected,
			"collected_at": at,
			"updated_at":   s.clock.Now(),
		}).Error; err != nil {
		return err
	}
	if record.FeeAmount <= 0 {
		return nil
	}
	return s.ledger.CreateEntry(ctx, tx, ledgerdomain.Entry{
		SourceType: ledgerdomain.SourceTypePlatformFee,
		SourceID:   record.ID,
		CampaignID: record.CampaignID,
		Currency:   record.Currency,
		OccurredAt: at,
		Lines:      ledgerdomain.Post(ledgerdomain.AccountCodeCampaignEscrow, ledgerdomain.AccountCodePlatformFeeRevenue, record.FeeAmount),
	})
}

func (s *Service) reject(intent *paymentdomain.PaymentIntent, to paymentdomain.IntentStatus) error {
	s.metrics.IncRejectedTransition(entityName, string(intent.Status), string(to))
	s.log.Warn("payment intent transition rejected",
		zap.String("payment_intent_id", intent.ID.String()),
		zap.String("from", string(intent.Status)),
		zap.String("to", string(to)),
	)
	return fmt.Errorf("%w: %s -> %s", paymentdomain.ErrInvalidTransition, intent.Status, to)
}

// recordFailure stores a processor failure on the intent without changing
// its state.
func (s *Service) recordFailure(ctx context.Context, intent *paymentdomain.PaymentIntent, cause error) error {
	code := apperr.FailureCode(cause)
	if code == "" {
		code = "processor_error"
	}
	message := apperr.Reason(cause)
	intent.FailureCode = &code
	intent.FailureMessage = &message
	err := pkgdb.UpdateVersioned(ctx, s.db, intent.TableName(), intent.ID, &intent.Version, map[string]any{
		"failure_code":    code,
		"failure_message": message,
		"updated_at":      s.clock.Now(),
	})
	if errors.Is(err, pkgdb.ErrStaleVersion) {
		// A webhook moved the intent meanwhile; its state wins.
		return nil
	}
	return err
}

func (s *Service) GetIntent(ctx context.Context, id snowflake.ID) (*paymentdomain.PaymentIntent, error) {
	var row paymentdomain.PaymentIntent
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, paymentdomain.ErrIntentNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) FeeRecord(ctx context.Context, intentID snowflake.ID) (*paymentdomain.PlatformFeeRecord, error) {
	var row paymentdomain.PlatformFeeRecord
	if err := s.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, paymentdomain.ErrFeeRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}
