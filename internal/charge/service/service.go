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
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const entityName = "charge"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Processor  processor.Processor
	Allocation allocationdomain.Service
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
	ledger     ledgerdomain.Service
	outbox     *events.Outbox
	audit      auditdomain.Service
	metrics    *metrics.SettlementMetrics
}

func NewService(p Params) chargedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("charge.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		processor:  p.Processor,
		allocation: p.Allocation,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		audit:      p.Audit,
		metrics:    p.Metrics,
	}
}

// OpenPending records the pending charge for a new intent and adds it to the
// advertiser's pending total.
func (s *Service) OpenPending(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent) (*chargedomain.Charge, error) {
	if existing, err := s.lockByIntent(ctx, tx, intent.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, chargedomain.ErrChargeNotFound) {
		return nil, err
	}

	spend, err := s.lockSpend(ctx, tx, intent.PayerID, intent.Currency)
	if err != nil {
		return nil, err
	}
	if spend.HaltedAt != nil {
		return nil, apperr.ErrEntityHalted
	}

	now := s.clock.Now()
	charge := &chargedomain.Charge{
		ID:              s.genID.Generate(),
		AdvertiserID:    intent.PayerID,
		CampaignID:      intent.CampaignID,
		PaymentIntentID: intent.ID,
		Amount:          intent.Amount,
		Currency:        intent.Currency,
		Status:          chargedomain.ChargeStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.WithContext(ctx).Create(charge).Error; err != nil {
		return nil, err
	}
	spend.PendingCharges += charge.Amount
	if err := s.updateSpend(ctx, tx, spend); err != nil {
		return nil, err
	}
	return charge, nil
}

// ApplySuccess settles the charge of a succeeded intent: advertiser spend and
// campaign spend grow by the charge amount and the money is posted to escrow.
func (s *Service) ApplySuccess(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent) (*chargedomain.Charge, error) {
	charge, err := s.lockOrCreate(ctx, tx, intent)
	if err != nil {
		return nil, err
	}
	if charge.HaltedAt != nil {
		return nil, apperr.ErrEntityHalted
	}
	from := charge.Status
	switch from {
	case chargedomain.ChargeStatusPending, chargedomain.ChargeStatusFailed:
	default:
		return charge, nil
	}

	spend, err := s.lockSpend(ctx, tx, charge.AdvertiserID, charge.Currency)
	if err != nil {
		return nil, err
	}
	if spend.HaltedAt != nil {
		return nil, apperr.ErrEntityHalted
	}
	if from == chargedomain.ChargeStatusPending {
		spend.PendingCharges -= charge.Amount
	}
	spend.TotalSpent += charge.Amount
	if err := s.updateSpend(ctx, tx, spend); err != nil {
		return nil, err
	}

	if err := s.allocation.ApplySpend(ctx, tx, charge.CampaignID, charge.Amount); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	external := intent.External()
	charge.Status = chargedomain.ChargeStatusSucceeded
	charge.ProcessedAt = &now
	charge.FailureReason = nil
	updates := map[string]any{
		"status":         charge.Status,
		"processed_at":   now,
		"failure_reason": nil,
	}
	if external != "" {
		charge.ExternalChargeID = &external
		updates["external_charge_id"] = external
	}
	if err := s.update(ctx, tx, charge, updates); err != nil {
		return nil, err
	}

	if err := s.ledger.CreateEntry(ctx, tx, ledgerdomain.Entry{
		SourceType: ledgerdomain.SourceTypeCharge,
		SourceID:   charge.ID,
		CampaignID: charge.CampaignID,
		Currency:   charge.Currency,
		OccurredAt: now,
		Lines:      ledgerdomain.Post(ledgerdomain.AccountCodeCashClearing, ledgerdomain.AccountCodeCampaignEscrow, charge.Amount),
	}); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, tx, events.EventChargeSucceeded, charge, 0, "", ""); err != nil {
		return nil, err
	}
	s.metrics.IncTransition(entityName, string(from), string(charge.Status))
	return charge, nil
}

// ApplyFailure marks the charge of a failed or canceled intent and releases
// its pending amount.
func (s *Service) ApplyFailure(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent, reason string) (*chargedomain.Charge, error) {
	charge, err := s.lockOrCreate(ctx, tx, intent)
	if err != nil {
		return nil, err
	}
	from := charge.Status
	switch from {
	case chargedomain.ChargeStatusFailed:
		return charge, nil
	case chargedomain.ChargeStatusPending:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", chargedomain.ErrInvalidTransition, from, chargedomain.ChargeStatusFailed)
	}

	spend, err := s.lockSpend(ctx, tx, charge.AdvertiserID, charge.Currency)
	if err != nil {
		return nil, err
	}
	spend.PendingCharges -= charge.Amount
	if err := s.updateSpend(ctx, tx, spend); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	charge.Status = chargedomain.ChargeStatusFailed
	charge.FailureReason = &reason
	charge.ProcessedAt = &now
	if err := s.update(ctx, tx, charge, map[string]any{
		"status":         charge.Status,
		"failure_reason": reason,
		"processed_at":   now,
	}); err != nil {
		return nil, err
	}
	// A charge may fail, succeed on a retried payment method and never fail
	// again, so one failure event per attempt is keyed by version.
	dedupe := fmt.Sprintf("%s:%s:%d", events.EventChargeFailed, charge.ID, charge.Version)
	if err := s.publish(ctx, tx, events.EventChargeFailed, charge, 0, reason, dedupe); err != nil {
		return nil, err
	}
	s.metrics.IncTransition(entityName, string(from), string(charge.Status))
	return charge, nil
}

// RequestRefund reserves the amount on the charge, then asks the processor
// to refund it. The reservation is released if the processor refuses.
func (s *Service) RequestRefund(ctx context.Context, req chargedomain.RefundRequest) (*chargedomain.Refund, error) {
	if req.Amount <= 0 {
		return nil, chargedomain.ErrInvalidAmount
	}

	var (
		refund     *chargedomain.Refund
		externalID string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		charge, err := s.lock(ctx, tx, req.ChargeID)
		if err != nil {
			return err
		}
		if charge.HaltedAt != nil {
			return apperr.ErrEntityHalted
		}
		if !charge.Status.Settled() {
			return chargedomain.ErrChargeNotRefundable
		}
		if req.Amount > charge.Refundable() {
			return chargedomain.ErrRefundExceedsCharge
		}

		var intent paymentdomain.PaymentIntent
		if err := tx.WithContext(ctx).Where("id = ?", charge.PaymentIntentID).Take(&intent).Error; err != nil {
			return err
		}
		externalID = intent.External()

		charge.PendingRefundAmount += req.Amount
		if err := s.update(ctx, tx, charge, map[string]any{"pending_refund_amount": charge.PendingRefundAmount}); err != nil {
			return err
		}

		now := s.clock.Now()
		id := s.genID.Generate()
		refund = &chargedomain.Refund{
			ID:             id,
			ChargeID:       charge.ID,
			Amount:         req.Amount,
			Currency:       charge.Currency,
			IdempotencyKey: "re:" + id.String(),
			Reason:         strings.TrimSpace(req.Reason),
			Status:         chargedomain.RefundStatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.WithContext(ctx).Create(refund).Error; err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.ActionRefundRequested, entityName, charge.ID.String(), map[string]any{
			"refund_id": refund.ID.String(),
			"amount":    refund.Amount,
		})
	})
	if err != nil {
		if errors.Is(err, chargedomain.ErrRefundExceedsCharge) {
			s.metrics.IncRefund("rejected")
		}
		return nil, err
	}

	res, err := s.processor.CreateRefund(ctx, processor.RefundRequest{
		IdempotencyKey:    refund.IdempotencyKey,
		PaymentExternalID: externalID,
		Amount:            refund.Amount,
		Currency:          refund.Currency,
		Reason:            refund.Reason,
	})
	if err != nil {
		s.metrics.IncRefund("processor_error")
		if releaseErr := s.releaseRefund(ctx, refund.ID, apperr.Reason(err)); releaseErr != nil {
			s.log.Error("failed to release refund reservation", zap.String("refund_id", refund.ID.String()), zap.Error(releaseErr))
		}
		return nil, err
	}

	external := res.ExternalID
	if external != "" {
		if err := s.recordExternalRefund(ctx, refund, external); err != nil {
			return nil, err
		}
	}

	if res.Settled {
		// Settle by the processor's id when there is one: it may now belong
		// to another in-flight refund of the same amount.
		input := chargedomain.RefundInput{
			ChargeID:         refund.ChargeID,
			ExternalRefundID: external,
			Amount:           refund.Amount,
		}
		if external == "" {
			input.RefundID = refund.ID
		}
		if _, err := s.ApplyRefund(ctx, input); err != nil {
			return nil, err
		}
		return s.refund(ctx, refund.ID)
	}
	s.metrics.IncRefund("requested")
	return refund, nil
}

// recordExternalRefund stores the processor's refund id. A notification for
// the refund may have arrived first and already claimed the id for this or
// another in-flight refund of the same amount; either way the stored rows
// are left as they are.
func (s *Service) recordExternalRefund(ctx context.Context, refund *chargedomain.Refund, external string) error {
	result := s.db.WithContext(ctx).
		Model(&chargedomain.Refund{}).
		Where("id = ? AND external_refund_id IS NULL", refund.ID).
		Updates(map[string]any{
			"external_refund_id": external,
			"updated_at":         s.clock.Now(),
		})
	if result.Error != nil && !pkgdb.IsDuplicate(result.Error) {
		return result.Error
	}
	if result.Error == nil && result.RowsAffected == 1 {
		refund.ExternalRefundID = &external
		return nil
	}
	stored, err := s.refund(ctx, refund.ID)
	if err != nil {
		return err
	}
	s.log.Info("refund already resolved by notification",
		zap.String("refund_id", refund.ID.String()),
		zap.String("external_refund_id", external),
		zap.String("status", string(stored.Status)),
	)
	*refund = *stored
	return nil
}

// ApplyRefund settles a refund on its charge. Applying the same external
// refund twice is a no-op; a refund beyond the charge amount fails and
// changes nothing.
func (s *Service) ApplyRefund(ctx context.Context, input chargedomain.RefundInput) (*chargedomain.Charge, error) {
	if input.Amount <= 0 {
		return nil, chargedomain.ErrInvalidAmount
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	var charge *chargedomain.Charge
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		id, err := s.resolveChargeID(ctx, tx, input)
		if err != nil {
			return err
		}
		charge, err = s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if charge.HaltedAt != nil {
			return apperr.ErrEntityHalted
		}
		if !charge.Status.Settled() {
			return chargedomain.ErrChargeNotRefundable
		}

		refund, err := s.findRefund(ctx, tx, charge.ID, input)
		if err != nil {
			return err
		}
		if refund != nil && refund.Status == chargedomain.RefundStatusSucceeded {
			return nil
		}
		if refund != nil && refund.Status == chargedomain.RefundStatusFailed {
			return chargedomain.ErrRefundAlreadyFinished
		}
		reserved := refund != nil && refund.Status == chargedomain.RefundStatusPending
		if reserved && refund.Amount != input.Amount {
			return fmt.Errorf("%w: refund %d reported as %d", chargedomain.ErrChargeInvariant, refund.Amount, input.Amount)
		}

		available := charge.Amount - charge.RefundedAmount
		if !reserved {
			available -= charge.PendingRefundAmount
		}
		if input.Amount > available {
			return chargedomain.ErrRefundExceedsCharge
		}

		from := charge.Status
		charge.RefundedAmount += input.Amount
		if reserved {
			charge.PendingRefundAmount -= input.Amount
		}
		if charge.RefundedAmount == charge.Amount {
			charge.Status = chargedomain.ChargeStatusRefunded
		} else {
			charge.Status = chargedomain.ChargeStatusPartiallyRefunded
		}
		if err := s.update(ctx, tx, charge, map[string]any{
			"status":                charge.Status,
			"refunded_amount":       charge.RefundedAmount,
			"pending_refund_amount": charge.PendingRefundAmount,
		}); err != nil {
			return err
		}

		now := s.clock.Now()
		if refund == nil {
			refund = &chargedomain.Refund{
				ID:             s.genID.Generate(),
				ChargeID:       charge.ID,
				Amount:         input.Amount,
				Currency:       charge.Currency,
				IdempotencyKey: "re:external:" + input.ExternalRefundID,
				Status:         chargedomain.RefundStatusSucceeded,
				SettledAt:      &occurredAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if input.ExternalRefundID != "" {
				external := input.ExternalRefundID
				refund.ExternalRefundID = &external
			} else {
				refund.IdempotencyKey = "re:" + refund.ID.String()
			}
			if err := tx.WithContext(ctx).Create(refund).Error; err != nil {
				return err
			}
		} else {
			if err := tx.WithContext(ctx).Model(refund).Updates(map[string]any{
				"status":     chargedomain.RefundStatusSucceeded,
				"settled_at": occurredAt,
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
		}

		spend, err := s.lockSpend(ctx, tx, charge.AdvertiserID, charge.Currency)
		if err != nil {
			return err
		}
		if spend.HaltedAt != nil {
			return apperr.ErrEntityHalted
		}
		spend.TotalSpent -= input.Amount
		spend.TotalRefunded += input.Amount
		if err := s.updateSpend(ctx, tx, spend); err != nil {
			return err
		}

		if err := s.allocation.ApplyRefund(ctx, tx, charge.CampaignID, input.Amount); err != nil {
			return err
		}

		if err := s.ledger.CreateEntry(ctx, tx, ledgerdomain.Entry{
			SourceType: ledgerdomain.SourceTypeRefund,
			SourceID:   refund.ID,
			CampaignID: charge.CampaignID,
			Currency:   charge.Currency,
			OccurredAt: occurredAt,
			Lines:      ledgerdomain.Post(ledgerdomain.AccountCodeCampaignEscrow, ledgerdomain.AccountCodeCashClearing, input.Amount),
		}); err != nil {
			return err
		}
		if charge.Status == chargedomain.ChargeStatusRefunded {
			if err := s.reverseFee(ctx, tx, charge, occurredAt); err != nil {
				return err
			}
		}

		dedupe := fmt.Sprintf("%s:%s", events.EventChargeRefunded, refund.ID)
		if err := s.publish(ctx, tx, events.EventChargeRefunded, charge, input.Amount, "", dedupe); err != nil {
			return err
		}
		s.metrics.IncTransition(entityName, string(from), string(charge.Status))
		return nil
	})
	if err != nil {
		if errors.Is(err, chargedomain.ErrRefundExceedsCharge) {
			s.metrics.IncRefund("rejected")
		}
		return nil, err
	}
	s.metrics.IncRefund("succeeded")
	s.log.Info("refund applied",
		zap.String("charge_id", charge.ID.String()),
		zap.Int64("amount", input.Amount),
		zap.Int64("refunded_amount", charge.RefundedAmount),
		zap.String("status", string(charge.Status)),
	)
	return charge, nil
}

// FailRefund records a refund the processor rejected after accepting it.
func (s *Service) FailRefund(ctx context.Context, externalRefundID, reason string) error {
	var refund chargedomain.Refund
	if err := s.db.WithContext(ctx).Where("external_refund_id = ?", externalRefundID).Take(&refund).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return chargedomain.ErrRefundNotFound
		}
		return err
	}
	if err := s.releaseRefund(ctx, refund.ID, reason); err != nil {
		return err
	}
	s.metrics.IncRefund("failed")
	return nil
}

func (s *Service) releaseRefund(ctx context.Context, refundID snowflake.ID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var refund chargedomain.Refund
		if err := pkgdb.ForUpdate(ctx, tx, &refund, refundID); err != nil {
			return err
		}
		if refund.Status != chargedomain.RefundStatusPending {
			return nil
		}
		charge, err := s.lock(ctx, tx, refund.ChargeID)
		if err != nil {
			return err
		}
		charge.PendingRefundAmount -= refund.Amount
		if err := s.update(ctx, tx, charge, map[string]any{"pending_refund_amount": charge.PendingRefundAmount}); err != nil {
			return err
		}
		return tx.WithContext(ctx).Model(&refund).Updates(map[string]any{
			"status":         chargedomain.RefundStatusFailed,
			"failure_reason": reason,
			"updated_at":     s.clock.Now(),
		}).Error
	})
}

// reverseFee returns the collected platform fee to escrow when the whole
// charge has been refunded.
func (s *Service) reverseFee(ctx context.Context, tx *gorm.DB, charge *chargedomain.Charge, at time.Time) error {
	var record paymentdomain.PlatformFeeRecord
	if err := tx.WithContext(ctx).Where("payment_intent_id = ?", charge.PaymentIntentID).Take(&record).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil
		}
		return err
	}
	if record.Status != paymentdomain.FeeRecordCollected {
		return nil
	}
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Model(&record).Updates(map[string]any{
		"status":      paymentdomain.FeeRecordRefunded,
		"refunded_at": now,
		"updated_at":  now,
	}).Error; err != nil {
		return err
	}
	if record.FeeAmount <= 0 {
		return nil
	}
	return s.ledger.CreateEntry(ctx, tx, ledgerdomain.Entry{
		SourceType: ledgerdomain.SourceTypeFeeReversal,
		SourceID:   record.ID,
		CampaignID: record.CampaignID,
		Currency:   record.Currency,
		OccurredAt: at,
		Lines:      ledgerdomain.Post(ledgerdomain.AccountCodePlatformFeeRevenue, ledgerdomain.AccountCodeCampaignEscrow, record.FeeAmount),
	})
}

func (s *Service) resolveChargeID(ctx context.Context, tx *gorm.DB, input chargedomain.RefundInput) (snowflake.ID, error) {
	if input.ChargeID != 0 {
		return input.ChargeID, nil
	}
	var charge chargedomain.Charge
	err := tx.WithContext(ctx).
		Joins("JOIN payment_intents pi ON pi.id = charges.payment_intent_id").
		Where("pi.external_id = ?", input.PaymentExternalID).
		Take(&charge).Error
	if err != nil {
		if pkgdb.IsNotFound(err) {
			return 0, chargedomain.ErrChargeNotFound
		}
		return 0, err
	}
	return charge.ID, nil
}

func (s *Service) findRefund(ctx context.Context, tx *gorm.DB, chargeID snowflake.ID, input chargedomain.RefundInput) (*chargedomain.Refund, error) {
	query := tx.WithContext(ctx).Where("charge_id = ?", chargeID)
	switch {
	case input.RefundID != 0:
		query = query.Where("id = ?", input.RefundID)
	case input.ExternalRefundID != "":
		query = query.Where("external_refund_id = ?", input.ExternalRefundID)
	default:
		return nil, nil
	}
	var refund chargedomain.Refund
	err := query.Take(&refund).Error
	if pkgdb.IsNotFound(err) {
		if input.RefundID == 0 {
			return s.claimInFlightRefund(ctx, tx, chargeID, input)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

// claimInFlightRefund matches a processor notification to a refund this
// service requested whose processor id has not been stored yet. The oldest
// pending refund of the same amount takes the external id.
func (s *Service) claimInFlightRefund(ctx context.Context, tx *gorm.DB, chargeID snowflake.ID, input chargedomain.RefundInput) (*chargedomain.Refund, error) {
	var refund chargedomain.Refund
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("charge_id = ? AND status = ? AND external_refund_id IS NULL AND amount = ?",
			chargeID, chargedomain.RefundStatusPending, input.Amount).
		Order("created_at ASC, id ASC").
		Take(&refund).Error
	if pkgdb.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	external := input.ExternalRefundID
	if err := tx.WithContext(ctx).Model(&refund).Updates(map[string]any{
		"external_refund_id": external,
		"updated_at":         s.clock.Now(),
	}).Error; err != nil {
		return nil, err
	}
	refund.ExternalRefundID = &external
	return &refund, nil
}

// AuditAdvertiser recomputes the advertiser's totals from its charges. A
// mismatch halts the spend row and is reported, never corrected.
func (s *Service) AuditAdvertiser(ctx context.Context, advertiserID snowflake.ID) error {
	spend, err := s.Spend(ctx, advertiserID)
	if err != nil {
		return err
	}

	var totals struct {
		Spent    int64
		Refunded int64
		Pending  int64
	}
	if err := s.db.WithContext(ctx).Model(&chargedomain.Charge{}).
		Select(`COALESCE(SUM(CASE WHEN status IN ? THEN amount - refunded_amount ELSE 0 END), 0) AS spent,
			COALESCE(SUM(refunded_amount), 0) AS refunded,
			COALESCE(SUM(CASE WHEN status = ? THEN amount ELSE 0 END), 0) AS pending`,
			settledStatuses, chargedomain.ChargeStatusPending).
		Where("advertiser_id = ? AND currency = ?", advertiserID, spend.Currency).
		Scan(&totals).Error; err != nil {
		return err
	}

	checks := []struct {
		name             string
		expected, actual int64
	}{
		{"total_spent", totals.Spent, spend.TotalSpent},
		{"total_refunded", totals.Refunded, spend.TotalRefunded},
		{"pending_charges", totals.Pending, spend.PendingCharges},
	}
	for _, c := range checks {
		if c.expected == c.actual {
			continue
		}
		return s.violation(ctx, "advertiser_spend", spend.ID, c.name, c.expected, c.actual, chargedomain.ErrSpendMismatch,
			func(tx *gorm.DB, reason string) error {
				now := s.clock.Now()
				return tx.WithContext(ctx).Model(&chargedomain.AdvertiserSpend{}).
					Where("id = ? AND halted_at IS NULL", spend.ID).
					Updates(map[string]any{"halted_at": now, "halt_reason": reason, "updated_at": now}).Error
			})
	}
	return nil
}

// AuditAllocation checks the campaign spend on a current allocation against
// its settled charges, plus the allocation's own balance equations.
func (s *Service) AuditAllocation(ctx context.Context, allocationID snowflake.ID) error {
	alloc, err := s.allocation.Get(ctx, allocationID)
	if err != nil {
		return err
	}
	if !alloc.IsCurrent || alloc.Halted() {
		return nil
	}

	halt := func(tx *gorm.DB, reason string) error {
		return s.allocation.Halt(ctx, tx, alloc.ID, reason)
	}
	if err := allocationdomain.Verify(alloc); err != nil {
		return s.violation(ctx, "budget_allocation", alloc.ID, apperr.Reason(err), 0, 0, err, halt)
	}

	var spent int64
	if err := s.db.WithContext(ctx).Model(&chargedomain.Charge{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("campaign_id = ? AND status IN ?", alloc.CampaignID, settledStatuses).
		Scan(&spent).Error; err != nil {
		return err
	}
	if spent != alloc.BudgetSpent {
		return s.violation(ctx, "budget_allocation", alloc.ID, "budget_spent", spent, alloc.BudgetSpent, chargedomain.ErrAllocationSpendDrift, halt)
	}
	return nil
}

var settledStatuses = []chargedomain.ChargeStatus{
	chargedomain.ChargeStatusSucceeded,
	chargedomain.ChargeStatusPartiallyRefunded,
	chargedomain.ChargeStatusRefunded,
}

// violation halts the entity and records the mismatch. The halt commits and
// the coded error is still returned to the caller.
func (s *Service) violation(ctx context.Context, entity string, id snowflake.ID, check string, expected, actual int64, cause error, halt func(tx *gorm.DB, reason string) error) error {
	reason := fmt.Sprintf("%s mismatch: expected %d, got %d", check, expected, actual)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := halt(tx, reason); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, auditdomain.ActionInvariantViolated, entity, id.String(), map[string]any{
			"check":    check,
			"expected": expected,
			"actual":   actual,
		}); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:        events.EventInvariantViolated,
			AggregateID: id,
			DedupeKey:   fmt.Sprintf("%s:%s:%s", events.EventInvariantViolated, id, check),
			Payload: events.InvariantPayload{
				EntityType: entity,
				EntityID:   id.String(),
				Check:      check,
				Expected:   expected,
				Actual:     actual,
			}.ToMap(),
		})
	})
	if err != nil {
		return err
	}
	s.metrics.IncInvariantViolation(entity)
	s.log.Error("invariant violated",
		zap.String("entity", entity),
		zap.String("entity_id", id.String()),
		zap.String("check", check),
		zap.Int64("expected", expected),
		zap.Int64("actual", actual),
	)
	return fmt.Errorf("%w: %s", cause, reason)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*chargedomain.Charge, error) {
	var row chargedomain.Charge
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, chargedomain.ErrChargeNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) ByIntent(ctx context.Context, intentID snowflake.ID) (*chargedomain.Charge, error) {
	var row chargedomain.Charge
	if err := s.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, chargedomain.ErrChargeNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) Spend(ctx context.Context, advertiserID snowflake.ID) (*chargedomain.AdvertiserSpend, error) {
	var row chargedomain.AdvertiserSpend
	if err := s.db.WithContext(ctx).Where("advertiser_id = ?", advertiserID).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, chargedomain.ErrSpendNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) Refunds(ctx context.Context, chargeID snowflake.ID) ([]chargedomain.Refund, error) {
	var rows []chargedomain.Refund
	err := s.db.WithContext(ctx).Where("charge_id = ?", chargeID).Order("created_at ASC, id ASC").Find(&rows).Error
	return rows, err
}

func (s *Service) refund(ctx context.Context, id snowflake.ID) (*chargedomain.Refund, error) {
	var row chargedomain.Refund
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*chargedomain.Charge, error) {
	var row chargedomain.Charge
	if err := pkgdb.ForUpdate(ctx, tx, &row, id); err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, chargedomain.ErrChargeNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) lockByIntent(ctx context.Context, tx *gorm.DB, intentID snowflake.ID) (*chargedomain.Charge, error) {
	var row chargedomain.Charge
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_intent_id = ?", intentID).
		Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, chargedomain.ErrChargeNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) lockOrCreate(ctx context.Context, tx *gorm.DB, intent *paymentdomain.PaymentIntent) (*chargedomain.Charge, error) {
	charge, err := s.lockByIntent(ctx, tx, intent.ID)
	if errors.Is(err, chargedomain.ErrChargeNotFound) {
		return s.OpenPending(ctx, tx, intent)
	}
	return charge, err
}

// lockSpend returns the advertiser's spend row, creating it on first use.
// An advertiser's totals are kept in the currency of its first charge.
func (s *Service) lockSpend(ctx context.Context, tx *gorm.DB, advertiserID snowflake.ID, currency string) (*chargedomain.AdvertiserSpend, error) {
	now := s.clock.Now()
	seed := chargedomain.AdvertiserSpend{
		ID:           s.genID.Generate(),
		AdvertiserID: advertiserID,
		Currency:     currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "advertiser_id"}}, DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, err
	}

	var row chargedomain.AdvertiserSpend
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("advertiser_id = ?", advertiserID).
		Take(&row).Error; err != nil {
		return nil, err
	}
	if row.Currency != currency {
		return nil, chargedomain.ErrCurrencyMismatch
	}
	return &row, nil
}

func (s *Service) updateSpend(ctx context.Context, tx *gorm.DB, spend *chargedomain.AdvertiserSpend) error {
	return pkgdb.UpdateVersioned(ctx, tx, spend.TableName(), spend.ID, &spend.Version, map[string]any{
		"total_spent":     spend.TotalSpent,
		"total_refunded":  spend.TotalRefunded,
		"pending_charges": spend.PendingCharges,
		"updated_at":      s.clock.Now(),
	})
}

func (s *Service) update(ctx context.Context, tx *gorm.DB, charge *chargedomain.Charge, updates map[string]any) error {
	if charge.RefundedAmount < 0 || charge.RefundedAmount > charge.Amount || charge.PendingRefundAmount < 0 {
		return fmt.Errorf("%w: refunded %d pending %d of %d", chargedomain.ErrChargeInvariant,
			charge.RefundedAmount, charge.PendingRefundAmount, charge.Amount)
	}
	now := s.clock.Now()
	updates["updated_at"] = now
	if err := pkgdb.UpdateVersioned(ctx, tx, charge.TableName(), charge.ID, &charge.Version, updates); err != nil {
		return err
	}
	charge.UpdatedAt = now
	return nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType string, charge *chargedomain.Charge, refundAmount int64, reason, dedupe string) error {
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        eventType,
		AggregateID: charge.ID,
		DedupeKey:   dedupe,
		Payload: events.ChargePayload{
			ChargeID:        charge.ID.String(),
			PaymentIntentID: charge.PaymentIntentID.String(),
			AdvertiserID:    charge.AdvertiserID.String(),
			CampaignID:      charge.CampaignID.String(),
			Amount:          charge.Amount,
			RefundedAmount:  charge.RefundedAmount,
			RefundAmount:    refundAmount,
			Currency:        charge.Currency,
			Status:          string(charge.Status),
			Reason:          reason,
		}.ToMap(),
	})
}
