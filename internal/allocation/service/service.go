package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/fee"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Estimator fee.ProcessorEstimator
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	estimator fee.ProcessorEstimator
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("allocation.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		estimator: p.Estimator,
	}
}

type split struct {
	platform  int64
	processor int64
	payout    int64
}

func (s *Service) split(amount int64, policy fee.Policy) (split, error) {
	platform, err := fee.Compute(amount, policy)
	if err != nil {
		return split{}, err
	}
	out := split{platform: platform.Amount, processor: s.estimator.Estimate(amount)}
	out.payout = amount - out.platform - out.processor
	if out.payout <= 0 {
		return split{}, domain.ErrInvalidBudget
	}
	return out, nil
}

func (s *Service) Allocate(ctx context.Context, req domain.AllocateRequest) (alloc *domain.BudgetAllocation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.Allocate",
		tracing.ID("campaign.id", req.CampaignID),
		attribute.Int64("budget.total", req.TotalBudget),
	)
	defer func() { tracing.End(span, err) }()

	if req.CampaignID == 0 {
		return nil, domain.ErrInvalidCampaign
	}
	if req.TotalBudget <= 0 {
		return nil, domain.ErrInvalidBudget
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return nil, domain.ErrInvalidCurrency
	}
	parts, err := s.split(req.TotalBudget, req.FeePolicy)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []domain.BudgetAllocation
		if err := tx.WithContext(ctx).
			Where("campaign_id = ?", req.CampaignID).
			Order("sequence DESC").
			Find(&existing).Error; err != nil {
			return err
		}
		sequence := 1
		for i, row := range existing {
			if i == 0 {
				sequence = row.Sequence + 1
			}
			if row.IsCurrent && row.IsFunded {
				return domain.ErrAllocationExists
			}
			if row.SupersededAt == nil {
				return domain.ErrFundingInProgress
			}
		}

		alloc = &domain.BudgetAllocation{
			ID:                    s.genID.Generate(),
			CampaignID:            req.CampaignID,
			Sequence:              sequence,
			IsCurrent:             true,
			CampaignType:          strings.TrimSpace(req.CampaignType),
			Currency:              currency,
			TotalBudget:           req.TotalBudget,
			PlatformFee:           parts.platform,
			ProcessorFee:          parts.processor,
			PromoterPayout:        parts.payout,
			FundingAmount:         req.TotalBudget,
			FundingPlatformFee:    parts.platform,
			FundingProcessorFee:   parts.processor,
			FeeType:               req.FeePolicy.Type,
			FeeRate:               req.FeePolicy.Rate,
			FeeAmount:             req.FeePolicy.Amount,
			BudgetReserved:        req.TotalBudget,
			BudgetRemaining:       req.TotalBudget,
			ExpectedPromoterShare: share(parts.payout, req.TotalBudget),
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := domain.Verify(alloc); err != nil {
			return err
		}
		return tx.WithContext(ctx).Create(alloc).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, domain.ErrFundingInProgress
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("budget allocated",
		zap.String("campaign_id", alloc.CampaignID.String()),
		zap.String("allocation_id", alloc.ID.String()),
		zap.Int64("total_budget", alloc.TotalBudget),
		zap.Int64("platform_fee", alloc.PlatformFee),
		zap.Int64("processor_fee", alloc.ProcessorFee),
		zap.Int64("promoter_payout", alloc.PromoterPayout),
	)
	return alloc, nil
}

// IncreaseBudget creates the next snapshot for a funded campaign. Fees are
// computed on the additional amount with the policy of the current snapshot.
func (s *Service) IncreaseBudget(ctx context.Context, campaignID snowflake.ID, additional int64) (alloc *domain.BudgetAllocation, err error) {
	ctx, span := tracing.Start(ctx, "allocation.IncreaseBudget",
		tracing.ID("campaign.id", campaignID),
		attribute.Int64("budget.additional", additional),
	)
	defer func() { tracing.End(span, err) }()

	if additional <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.lockCurrent(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		if current.Halted() {
			return apperr.ErrEntityHalted
		}
		if !current.IsFunded {
			return domain.ErrNotFunded
		}

		var pending int64
		if err := tx.WithContext(ctx).Model(&domain.BudgetAllocation{}).
			Where("campaign_id = ? AND sequence > ? AND is_funded = ? AND superseded_at IS NULL", campaignID, current.Sequence, false).
			Count(&pending).Error; err != nil {
			return err
		}
		if pending > 0 {
			return domain.ErrFundingInProgress
		}

		parts, err := s.split(additional, current.FeePolicy())
		if err != nil {
			return err
		}
		total := current.TotalBudget + additional
		payout := current.PromoterPayout + parts.payout
		alloc = &domain.BudgetAllocation{
			ID:                    s.genID.Generate(),
			CampaignID:            campaignID,
			Sequence:              current.Sequence + 1,
			CampaignType:          current.CampaignType,
			Currency:              current.Currency,
			TotalBudget:           total,
			PlatformFee:           current.PlatformFee + parts.platform,
			ProcessorFee:          current.ProcessorFee + parts.processor,
			PromoterPayout:        payout,
			FundingAmount:         additional,
			FundingPlatformFee:    parts.platform,
			FundingProcessorFee:   parts.processor,
			FeeType:               current.FeeType,
			FeeRate:               current.FeeRate,
			FeeAmount:             current.FeeAmount,
			BudgetReserved:        total,
			BudgetRemaining:       total,
			ExpectedPromoterShare: share(payout, total),
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := domain.Verify(alloc); err != nil {
			return err
		}
		return tx.WithContext(ctx).Create(alloc).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, domain.ErrFundingInProgress
	}
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.BudgetAllocation, error) {
	var row domain.BudgetAllocation
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrAllocationNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) Current(ctx context.Context, campaignID snowflake.ID) (*domain.BudgetAllocation, error) {
	var row domain.BudgetAllocation
	if err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND is_current = ?", campaignID, true).
		Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrAllocationNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) History(ctx context.Context, campaignID snowflake.ID) ([]domain.BudgetAllocation, error) {
	var rows []domain.BudgetAllocation
	err := s.db.WithContext(ctx).
		Where("campaign_id = ?", campaignID).
		Order("sequence ASC").
		Find(&rows).Error
	return rows, err
}

// AttachIntent links the payment intent that funds the snapshot.
func (s *Service) AttachIntent(ctx context.Context, tx *gorm.DB, allocationID, intentID snowflake.ID) error {
	row, err := s.lock(ctx, tx, allocationID)
	if err != nil {
		return err
	}
	if row.Discarded() {
		return domain.ErrAllocationDiscarded
	}
	if row.PaymentIntentID != nil {
		if *row.PaymentIntentID == intentID {
			return nil
		}
		return domain.ErrIntentMismatch
	}
	row.PaymentIntentID = &intentID
	return s.update(ctx, tx, row, map[string]any{"payment_intent_id": intentID})
}

// MarkFunded is the only writer of is_funded. A top-up snapshot becomes
// current and inherits the running figures of the snapshot it supersedes.
func (s *Service) MarkFunded(ctx context.Context, tx *gorm.DB, allocationID, intentID snowflake.ID, fundedAt time.Time) (*domain.BudgetAllocation, error) {
	row, err := s.lock(ctx, tx, allocationID)
	if err != nil {
		return nil, err
	}
	if row.PaymentIntentID != nil && *row.PaymentIntentID != intentID {
		return nil, domain.ErrIntentMismatch
	}
	if row.IsFunded {
		return row, nil
	}
	if row.Discarded() {
		return nil, domain.ErrAllocationDiscarded
	}
	if row.Halted() {
		return nil, apperr.ErrEntityHalted
	}

	fundedAt = fundedAt.UTC()
	if !row.IsCurrent {
		previous, err := s.lockCurrent(ctx, tx, row.CampaignID)
		switch {
		case errors.Is(err, domain.ErrAllocationNotFound):
		case err != nil:
			return nil, err
		default:
			if previous.Halted() {
				return nil, apperr.ErrEntityHalted
			}
			row.BudgetReserved = previous.BudgetReserved + row.FundingAmount
			row.BudgetSpent = previous.BudgetSpent
			row.BudgetRemaining = previous.BudgetRemaining + row.FundingAmount
			row.PromoterCommitted = previous.PromoterCommitted
			row.PromoterPaid = previous.PromoterPaid
			row.ActualPromoterShare = share(row.PromoterPaid, row.TotalBudget)

			previous.IsCurrent = false
			previous.SupersededAt = &fundedAt
			if err := s.update(ctx, tx, previous, map[string]any{
				"is_current":    false,
				"superseded_at": fundedAt,
			}); err != nil {
				return nil, err
			}
		}
	}

	row.IsCurrent = true
	row.IsFunded = true
	row.FundedAt = &fundedAt
	row.PaymentIntentID = &intentID
	if err := domain.Verify(row); err != nil {
		return nil, err
	}
	updates := balances(row)
	updates["is_current"] = true
	updates["is_funded"] = true
	updates["funded_at"] = fundedAt
	updates["payment_intent_id"] = intentID
	if err := s.update(ctx, tx, row, updates); err != nil {
		return nil, err
	}

	s.log.Info("allocation funded",
		zap.String("campaign_id", row.CampaignID.String()),
		zap.String("allocation_id", row.ID.String()),
		zap.Int("sequence", row.Sequence),
	)
	return row, nil
}

// Discard abandons an unfunded snapshot after its payment was canceled.
func (s *Service) Discard(ctx context.Context, tx *gorm.DB, allocationID snowflake.ID) error {
	row, err := s.lock(ctx, tx, allocationID)
	if err != nil {
		return err
	}
	if row.IsFunded {
		return domain.ErrAlreadyFunded
	}
	if row.SupersededAt != nil {
		return nil
	}
	now := s.clock.Now()
	row.IsCurrent = false
	row.SupersededAt = &now
	return s.update(ctx, tx, row, map[string]any{
		"is_current":    false,
		"superseded_at": now,
	})
}

func (s *Service) ApplySpend(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) error {
	return s.mutateCurrent(ctx, tx, campaignID, amount, func(row *domain.BudgetAllocation) error {
		if !row.IsFunded {
			return domain.ErrNotFunded
		}
		if amount > row.BudgetRemaining {
			return domain.ErrInsufficientBudget
		}
		row.BudgetSpent += amount
		row.BudgetRemaining -= amount
		return nil
	})
}

// ApplyRefund makes refunded money available again. Spent is historical and
// stays; the reservation grows with the remaining budget.
func (s *Service) ApplyRefund(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) error {
	return s.mutateCurrent(ctx, tx, campaignID, amount, func(row *domain.BudgetAllocation) error {
		row.BudgetRemaining += amount
		row.BudgetReserved += amount
		return nil
	})
}

func (s *Service) CommitEarnings(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) (*domain.BudgetAllocation, error) {
	var committed *domain.BudgetAllocation
	err := s.mutateCurrent(ctx, tx, campaignID, amount, func(row *domain.BudgetAllocation) error {
		if !row.IsFunded {
			return domain.ErrNotFunded
		}
		if amount > row.UncommittedPayout() {
			return domain.ErrInsufficientPayoutBudget
		}
		row.PromoterCommitted += amount
		committed = row
		return nil
	})
	return committed, err
}

func (s *Service) RecordPromoterPaid(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64) error {
	return s.mutateCurrent(ctx, tx, campaignID, amount, func(row *domain.BudgetAllocation) error {
		row.PromoterPaid += amount
		row.ActualPromoterShare = share(row.PromoterPaid, row.TotalBudget)
		return nil
	})
}

func (s *Service) Halt(ctx context.Context, tx *gorm.DB, allocationID snowflake.ID, reason string) error {
	row, err := s.lock(ctx, tx, allocationID)
	if err != nil {
		return err
	}
	if row.Halted() {
		return nil
	}
	now := s.clock.Now()
	row.HaltedAt = &now
	row.HaltReason = &reason
	if err := s.update(ctx, tx, row, map[string]any{"halted_at": now, "halt_reason": reason}); err != nil {
		return err
	}
	s.log.Error("allocation halted",
		zap.String("allocation_id", row.ID.String()),
		zap.String("campaign_id", row.CampaignID.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (s *Service) mutateCurrent(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID, amount int64, apply func(*domain.BudgetAllocation) error) error {
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	row, err := s.lockCurrent(ctx, tx, campaignID)
	if err != nil {
		return err
	}
	if row.Halted() {
		return apperr.ErrEntityHalted
	}
	if err := apply(row); err != nil {
		return err
	}
	if err := domain.Verify(row); err != nil {
		return err
	}
	return s.update(ctx, tx, row, balances(row))
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.BudgetAllocation, error) {
	var row domain.BudgetAllocation
	if err := pkgdb.ForUpdate(ctx, s.conn(tx), &row, id); err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrAllocationNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) lockCurrent(ctx context.Context, tx *gorm.DB, campaignID snowflake.ID) (*domain.BudgetAllocation, error) {
	var row domain.BudgetAllocation
	if err := s.conn(tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("campaign_id = ? AND is_current = ?", campaignID, true).
		Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrAllocationNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (s *Service) update(ctx context.Context, tx *gorm.DB, row *domain.BudgetAllocation, updates map[string]any) error {
	now := s.clock.Now()
	updates["updated_at"] = now
	if err := pkgdb.UpdateVersioned(ctx, s.conn(tx), row.TableName(), row.ID, &row.Version, updates); err != nil {
		return err
	}
	row.UpdatedAt = now
	return nil
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func balances(row *domain.BudgetAllocation) map[string]any {
	return map[string]any{
		"budget_reserved":       row.BudgetReserved,
		"budget_spent":          row.BudgetSpent,
		"budget_remaining":      row.BudgetRemaining,
		"promoter_committed":    row.PromoterCommitted,
		"promoter_paid":         row.PromoterPaid,
		"actual_promoter_share": row.ActualPromoterShare,
	}
}

func share(part, total int64) decimal.Decimal {
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(part).DivRound(decimal.NewFromInt(total), 6)
}
