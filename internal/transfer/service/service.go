package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/events"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/transfer/domain"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const entityName = "transfer"

// staleExecution is how long an unacknowledged execution request blocks a
// new attempt by the release worker.
const staleExecution = 15 * time.Minute

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Processor processor.Processor
	Ledger    ledgerdomain.Service
	Outbox    *events.Outbox
	Audit     auditdomain.Service
	Metrics   *metrics.SettlementMetrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	processor processor.Processor
	ledger    ledgerdomain.Service
	outbox    *events.Outbox
	audit     auditdomain.Service
	metrics   *metrics.SettlementMetrics

	mu    sync.RWMutex
	hooks []domain.Hook
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("transfer.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		processor: p.Processor,
		ledger:    p.Ledger,
		outbox:    p.Outbox,
		audit:     p.Audit,
		metrics:   p.Metrics,
	}
}

func (s *Service) RegisterHook(hook domain.Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Create records a pending transfer. Every funding intent must have
// succeeded and, where the campaign requires it, completed its goal. The
// strictest hold period and release mode among the intents apply.
func (s *Service) Create(ctx context.Context, tx *gorm.DB, req domain.CreateRequest) (*domain.Transfer, error) {
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if req.RecipientID == 0 {
		return nil, domain.ErrInvalidRecipient
	}
	if len(req.PaymentIntentIDs) == 0 {
		return nil, domain.ErrMissingIntent
	}
	db := s.conn(tx)

	var intents []paymentdomain.PaymentIntent
	if err := db.WithContext(ctx).Where("id IN ?", req.PaymentIntentIDs).Find(&intents).Error; err != nil {
		return nil, err
	}
	if len(intents) != len(dedupe(req.PaymentIntentIDs)) {
		return nil, domain.ErrTransferNotEligible
	}
	byID := make(map[snowflake.ID]*paymentdomain.PaymentIntent, len(intents))
	for i := range intents {
		byID[intents[i].ID] = &intents[i]
	}
	first := byID[req.PaymentIntentIDs[0]]

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = first.Currency
	}
	destination := strings.TrimSpace(req.DestinationAccountID)

	var (
		releaseAt *time.Time
		manual    bool
	)
	for i := range intents {
		intent := &intents[i]
		if intent.Status != paymentdomain.StatusSucceeded || intent.SucceededAt == nil {
			return nil, domain.ErrTransferNotEligible
		}
		if intent.Currency != currency {
			return nil, domain.ErrCurrencyMismatch
		}
		var cfg paymentdomain.PaymentFlowConfig
		if err := db.WithContext(ctx).Where("campaign_id = ?", intent.CampaignID).Take(&cfg).Error; err != nil {
			if pkgdb.IsNotFound(err) {
				return nil, paymentdomain.ErrFlowConfigNotFound
			}
			return nil, err
		}
		if cfg.RequiresGoalCompletion && cfg.GoalCompletedAt == nil {
			return nil, domain.ErrTransferNotEligible
		}
		if at := cfg.ReleaseAt(*intent.SucceededAt); at != nil && (releaseAt == nil || at.After(*releaseAt)) {
			releaseAt = at
		}
		if !cfg.AutoReleaseFunds {
			manual = true
		}
		if destination == "" && intent.ID == first.ID {
			destination = cfg.DestinationAccountID
		}
	}
	if destination == "" {
		return nil, domain.ErrMissingDestination
	}

	now := s.clock.Now()
	id := s.genID.Generate()
	transfer := &domain.Transfer{
		ID:                   id,
		IdempotencyKey:       "tr:" + id.String(),
		PaymentIntentID:      first.ID,
		CampaignID:           first.CampaignID,
		PayoutRunID:          req.PayoutRunID,
		Consolidated:         len(intents) > 1,
		Amount:               req.Amount,
		Currency:             currency,
		DestinationAccountID: destination,
		RecipientID:          req.RecipientID,
		Status:               domain.StatusPending,
		ReleaseAt:            releaseAt,
		ManualRelease:        manual,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := db.WithContext(ctx).Create(transfer).Error; err != nil {
		return nil, err
	}
	s.log.Info("transfer created",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("recipient_id", transfer.RecipientID.String()),
		zap.Int64("amount", transfer.Amount),
		zap.Bool("manual_release", manual),
	)
	return transfer, nil
}

// Execute sends a due automatic transfer to the processor.
func (s *Service) Execute(ctx context.Context, transferID snowflake.ID) (*domain.Transfer, error) {
	return s.execute(ctx, transferID, false)
}

// Release is the operator trigger for transfers held for manual release.
func (s *Service) Release(ctx context.Context, transferID snowflake.ID) (*domain.Transfer, error) {
	return s.execute(ctx, transferID, true)
}

func (s *Service) execute(ctx context.Context, transferID snowflake.ID, manual bool) (transfer *domain.Transfer, err error) {
	ctx, span := tracing.Start(ctx, "transfer.Execute",
		tracing.ID("transfer.id", transferID),
		attribute.Bool("transfer.manual", manual),
	)
	defer func() { tracing.End(span, err) }()

	var source string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lock(ctx, tx, transferID)
		if err != nil {
			return err
		}
		transfer = row
		span.SetAttributes(tracing.Amount(row.Amount, row.Currency)...)
		if row.Status != domain.StatusPending {
			return fmt.Errorf("%w: %s is final", domain.ErrInvalidTransition, row.Status)
		}
		if row.ExecutionAckedAt != nil {
			return nil
		}
		now := s.clock.Now()
		if row.ManualRelease && !manual {
			return domain.ErrManualRelease
		}
		if !row.Due(now) {
			return domain.ErrTransferNotDue
		}
		if !row.Consolidated {
			var intent paymentdomain.PaymentIntent
			if err := tx.WithContext(ctx).Where("id = ?", row.PaymentIntentID).Take(&intent).Error; err != nil {
				return err
			}
			source = intent.External()
		}
		if err := s.markRequested(ctx, tx, row, now); err != nil {
			return err
		}
		if manual {
			return s.audit.Record(ctx, tx, auditdomain.ActionTransferReleased, entityName, row.ID.String(), map[string]any{
				"amount": row.Amount,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if transfer.ExecutionAckedAt != nil {
		return transfer, nil
	}
	return s.send(ctx, transfer, source)
}

// ReleaseDue claims automatic transfers whose hold has elapsed and sends
// them. Individual processor failures are recorded on the transfer and do
// not stop the pass; a transfer with a recorded failure is never claimed
// again here.
func (s *Service) ReleaseDue(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	var claimed []domain.Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND manual_release = ? AND execution_acked_at IS NULL", domain.StatusPending, false).
			Where("release_at IS NULL OR release_at <= ?", now).
			Where("execution_requested_at IS NULL OR execution_requested_at <= ?", now.Add(-staleExecution)).
			// Failed sends wait for an operator retry.
			Where("failure_code IS NULL").
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if err := s.markRequested(ctx, tx, &claimed[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range claimed {
		transfer := &claimed[i]
		source := ""
		if !transfer.Consolidated {
			var intent paymentdomain.PaymentIntent
			if err := s.db.WithContext(ctx).Where("id = ?", transfer.PaymentIntentID).Take(&intent).Error; err == nil {
				source = intent.External()
			}
		}
		if _, err := s.send(ctx, transfer, source); err != nil {
			s.log.Warn("transfer release failed",
				zap.String("transfer_id", transfer.ID.String()),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	if len(claimed) > 0 {
		s.log.Info("released due transfers", zap.Int("claimed", len(claimed)), zap.Int("sent", sent))
	}
	return sent, nil
}

func (s *Service) markRequested(ctx context.Context, tx *gorm.DB, transfer *domain.Transfer, now time.Time) error {
	transfer.ExecutionRequestedAt = &now
	transfer.FailureCode = nil
	transfer.FailureMessage = nil
	return pkgdb.UpdateVersioned(ctx, tx, transfer.TableName(), transfer.ID, &transfer.Version, map[string]any{
		"execution_requested_at": now,
		"failure_code":           nil,
		"failure_message":        nil,
		"updated_at":             now,
	})
}

// send calls the processor outside any transaction and records the outcome.
func (s *Service) send(ctx context.Context, transfer *domain.Transfer, source string) (*domain.Transfer, error) {
	res, callErr := s.processor.CreateTransfer(ctx, processor.TransferRequest{
		IdempotencyKey:       transfer.IdempotencyKey,
		Amount:               transfer.Amount,
		Currency:             transfer.Currency,
		DestinationAccountID: transfer.DestinationAccountID,
		SourceTransaction:    source,
		Description:          "promoter payout " + transfer.ID.String(),
	})

	var out *domain.Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lock(ctx, tx, transfer.ID)
		if err != nil {
			return err
		}
		out = row
		if row.Status != domain.StatusPending || row.ExecutionAckedAt != nil {
			return nil
		}
		now := s.clock.Now()
		if callErr != nil {
			code := apperr.FailureCode(callErr)
			if code == "" {
				code = "processor_error"
			}
			message := apperr.Reason(callErr)
			row.FailureCode = &code
			row.FailureMessage = &message
			return pkgdb.UpdateVersioned(ctx, tx, row.TableName(), row.ID, &row.Version, map[string]any{
				"failure_code":    code,
				"failure_message": message,
				"updated_at":      now,
			})
		}
		row.ExternalID = &res.ExternalID
		row.ExecutionAckedAt = &now
		return pkgdb.UpdateVersioned(ctx, tx, row.TableName(), row.ID, &row.Version, map[string]any{
			"external_id":        res.ExternalID,
			"execution_acked_at": now,
			"updated_at":         now,
		})
	})
	if callErr != nil {
		if err != nil {
			s.log.Error("failed to record transfer failure", zap.String("transfer_id", transfer.ID.String()), zap.Error(err))
		}
		return out, callErr
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("transfer sent",
		zap.String("transfer_id", out.ID.String()),
		zap.String("external_id", out.External()),
	)
	return out, nil
}

// Cancel stops a pending transfer the processor has not accepted.
func (s *Service) Cancel(ctx context.Context, transferID snowflake.ID, reason string) (*domain.Transfer, error) {
	var transfer *domain.Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lock(ctx, tx, transferID)
		if err != nil {
			return err
		}
		transfer = row
		switch {
		case row.Status == domain.StatusCanceled:
			return nil
		case row.Status.Terminal():
			return s.reject(row, domain.StatusCanceled)
		case row.ExecutionAckedAt != nil:
			return domain.ErrExecutionAcknowledged
		case row.ExecutionRequestedAt != nil && row.FailureCode == nil:
			return domain.ErrExecutionInFlight
		}
		if err := s.finalize(ctx, tx, row, domain.StatusCanceled, "canceled", reason, s.clock.Now()); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, auditdomain.ActionTransferCanceled, entityName, row.ID.String(), map[string]any{
			"reason": reason,
		})
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// ApplyTransition applies a processor-reported outcome keyed by external id.
func (s *Service) ApplyTransition(ctx context.Context, t domain.Transition) (transfer *domain.Transfer, err error) {
	ctx, span := tracing.Start(ctx, "transfer.ApplyTransition",
		attribute.String("transfer.external_id", t.ExternalID),
		attribute.String("transfer.to", string(t.To)),
	)
	defer func() { tracing.End(span, err) }()

	if !t.To.Valid() {
		return nil, domain.ErrInvalidTransition
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = s.clock.Now()
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row domain.Transfer
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("external_id = ?", t.ExternalID).
			Take(&row).Error; err != nil {
			if pkgdb.IsNotFound(err) {
				return domain.ErrTransferNotFound
			}
			return err
		}
		transfer = &row
		if row.Status == t.To {
			return nil
		}
		if row.Status.Terminal() || t.To == domain.StatusPending {
			return s.reject(&row, t.To)
		}
		return s.finalize(ctx, tx, &row, t.To, t.FailureCode, t.FailureMessage, t.OccurredAt.UTC())
	})
	if err != nil {
		return nil, err
	}
	return transfer, nil
}

// finalize moves a pending transfer to a terminal state and runs the
// settlement hooks in the same transaction.
func (s *Service) finalize(ctx context.Context, tx *gorm.DB, transfer *domain.Transfer, to domain.Status, code, message string, at time.Time) error {
	from := transfer.Status
	updates := map[string]any{"status": to, "updated_at": s.clock.Now()}
	switch to {
	case domain.StatusPaid:
		transfer.TransferredAt = &at
		updates["transferred_at"] = at
	case domain.StatusFailed:
		if code == "" {
			code = "transfer_failed"
		}
		transfer.FailureCode = &code
		transfer.FailureMessage = &message
		updates["failure_code"] = code
		updates["failure_message"] = message
	case domain.StatusCanceled:
		transfer.CanceledAt = &at
		updates["canceled_at"] = at
	}
	if err := pkgdb.UpdateVersioned(ctx, tx, transfer.TableName(), transfer.ID, &transfer.Version, updates); err != nil {
		return err
	}
	transfer.Status = to

	switch to {
	case domain.StatusPaid:
		if err := s.ledger.CreateEntry(ctx, tx, ledgerdomain.Entry{
			SourceType: ledgerdomain.SourceTypeTransfer,
			SourceID:   transfer.ID,
			CampaignID: transfer.CampaignID,
			Currency:   transfer.Currency,
			OccurredAt: at,
			Lines:      ledgerdomain.Post(ledgerdomain.AccountCodePromoterPayouts, ledgerdomain.AccountCodeCashClearing, transfer.Amount),
		}); err != nil {
			return err
		}
		if err := s.publish(ctx, tx, events.EventTransferPaid, transfer); err != nil {
			return err
		}
	case domain.StatusFailed:
		if err := s.publish(ctx, tx, events.EventTransferFailed, transfer); err != nil {
			return err
		}
	}

	s.mu.RLock()
	hooks := append([]domain.Hook(nil), s.hooks...)
	s.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook.OnTransferFinalized(ctx, tx, transfer); err != nil {
			return err
		}
	}

	s.metrics.IncTransition(entityName, string(from), string(to))
	s.metrics.IncTransferOutcome(string(to))
	s.log.Info("transfer finalized",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("status", string(to)),
	)
	return nil
}

func (s *Service) publish(ctx context.Context, tx *gorm.DB, eventType string, transfer *domain.Transfer) error {
	payload := events.TransferPayload{
		TransferID:      transfer.ID.String(),
		PaymentIntentID: transfer.PaymentIntentID.String(),
		RecipientID:     transfer.RecipientID.String(),
		Amount:          transfer.Amount,
		Currency:        transfer.Currency,
		Status:          string(transfer.Status),
	}
	if transfer.FailureCode != nil {
		payload.FailureCode = *transfer.FailureCode
	}
	if transfer.FailureMessage != nil {
		payload.FailureMessage = *transfer.FailureMessage
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        eventType,
		AggregateID: transfer.ID,
		Payload:     payload.ToMap(),
	})
}

func (s *Service) reject(transfer *domain.Transfer, to domain.Status) error {
	s.metrics.IncRejectedTransition(entityName, string(transfer.Status), string(to))
	s.log.Warn("transfer transition rejected",
		zap.String("transfer_id", transfer.ID.String()),
		zap.String("from", string(transfer.Status)),
		zap.String("to", string(to)),
	)
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, transfer.Status, to)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Transfer, error) {
	var row domain.Transfer
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) ListByRun(ctx context.Context, payoutRunID snowflake.ID) ([]domain.Transfer, error) {
	var rows []domain.Transfer
	err := s.db.WithContext(ctx).
		Where("payout_run_id = ?", payoutRunID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Transfer, error) {
	var row domain.Transfer
	if err := pkgdb.ForUpdate(ctx, tx, &row, id); err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func dedupe(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
