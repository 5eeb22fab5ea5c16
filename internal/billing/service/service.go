package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/billing/domain"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/events"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Outbox *events.Outbox
	Audit  auditdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	outbox *events.Outbox
	audit  auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("billing.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		outbox: p.Outbox,
		audit:  p.Audit,
	}
}

type summaryKey struct {
	userID   snowflake.ID
	role     domain.Role
	currency string
}

// ClosePeriod snapshots every advertiser's and promoter's totals for
// [start, end). A period left in CLOSING by an interrupted close is resumed.
func (s *Service) ClosePeriod(ctx context.Context, start, end time.Time) (period *domain.BillingPeriod, err error) {
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, domain.ErrInvalidPeriod
	}
	ctx, span := tracing.Start(ctx, "billing.close_period",
		attribute.String("billing.period_start", start.Format(time.RFC3339)),
		attribute.String("billing.period_end", end.Format(time.RFC3339)),
	)
	defer func() { tracing.End(span, err) }()

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockPeriod(ctx, tx, start, end, true)
		if err != nil {
			return err
		}
		switch row.Status {
		case domain.PeriodStatusClosed:
			return domain.ErrPeriodClosed
		case domain.PeriodStatusClosing:
			return nil
		}
		now := s.clock.Now()
		if err := pkgdb.UpdateVersioned(ctx, tx, row.TableName(), row.ID, &row.Version, map[string]any{
			"status":             domain.PeriodStatusClosing,
			"closing_started_at": now,
			"updated_at":         now,
		}); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.lockPeriod(ctx, tx, start, end, false)
		if err != nil {
			return err
		}
		if row.Status == domain.PeriodStatusClosed {
			return domain.ErrPeriodClosed
		}

		totals, err := s.collect(ctx, tx, start, end)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		summaries := make([]domain.BillingPeriodSummary, 0, len(totals))
		for key, t := range totals {
			summaries = append(summaries, domain.BillingPeriodSummary{
				ID:          s.genID.Generate(),
				PeriodID:    row.ID,
				UserID:      key.userID,
				Role:        key.role,
				PeriodStart: start,
				PeriodEnd:   end,
				Currency:    key.currency,
				Earned:      t.Earned,
				PaidOut:     t.PaidOut,
				Charged:     t.Charged,
				Refunded:    t.Refunded,
				Spent:       t.Charged - t.Refunded,
				CreatedAt:   now,
			})
		}
		sort.Slice(summaries, func(i, j int) bool {
			if summaries[i].UserID != summaries[j].UserID {
				return summaries[i].UserID < summaries[j].UserID
			}
			return summaries[i].Role < summaries[j].Role
		})
		if len(summaries) > 0 {
			// Rows from an interrupted close are kept as written.
			if err := tx.WithContext(ctx).
				Clauses(clause.OnConflict{DoNothing: true}).
				CreateInBatches(summaries, 200).Error; err != nil {
				return err
			}
		}
		var count int64
		if err := tx.WithContext(ctx).Model(&domain.BillingPeriodSummary{}).
			Where("period_id = ?", row.ID).
			Count(&count).Error; err != nil {
			return err
		}

		if err := pkgdb.UpdateVersioned(ctx, tx, row.TableName(), row.ID, &row.Version, map[string]any{
			"status":     domain.PeriodStatusClosed,
			"closed_at":  now,
			"summaries":  int(count),
			"updated_at": now,
		}); err != nil {
			return err
		}
		row.Status = domain.PeriodStatusClosed
		row.ClosedAt = &now
		row.Summaries = int(count)

		if err := s.outbox.PublishTx(ctx, tx, events.Event{
			Type:        events.EventBillingPeriodClosed,
			AggregateID: row.ID,
			Payload: events.BillingPeriodPayload{
				PeriodID:    row.ID.String(),
				PeriodStart: start.Format(time.RFC3339),
				PeriodEnd:   end.Format(time.RFC3339),
				Summaries:   row.Summaries,
			}.ToMap(),
		}); err != nil {
			return err
		}
		period = row
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("billing period closed",
		zap.String("period_id", period.ID.String()),
		zap.Time("period_start", start),
		zap.Time("period_end", end),
		zap.Int("summaries", period.Summaries),
	)
	return period, nil
}

// lockPeriod loads the period row for update, creating it when create is set.
func (s *Service) lockPeriod(ctx context.Context, tx *gorm.DB, start, end time.Time, create bool) (*domain.BillingPeriod, error) {
	if create {
		now := s.clock.Now()
		row := &domain.BillingPeriod{
			ID:          s.genID.Generate(),
			PeriodStart: start,
			PeriodEnd:   end,
			Status:      domain.PeriodStatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "period_start"}, {Name: "period_end"}},
				DoNothing: true,
			}).
			Create(row).Error; err != nil {
			return nil, err
		}
	}
	var row domain.BillingPeriod
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("period_start = ? AND period_end = ?", start, end).
		Take(&row).Error
	if pkgdb.IsNotFound(err) {
		return nil, domain.ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

type aggregateRow struct {
	UserID   snowflake.ID
	Currency string
	Total    int64
}

func (s *Service) collect(ctx context.Context, tx *gorm.DB, start, end time.Time) (map[summaryKey]*domain.Totals, error) {
	totals := map[summaryKey]*domain.Totals{}
	add := func(rows []aggregateRow, role domain.Role, apply func(*domain.Totals, int64)) {
		for _, r := range rows {
			key := summaryKey{userID: r.UserID, role: role, currency: r.Currency}
			t, ok := totals[key]
			if !ok {
				t = &domain.Totals{}
				totals[key] = t
			}
			apply(t, r.Total)
		}
	}
	db := tx.WithContext(ctx)

	var charged []aggregateRow
	if err := db.Model(&chargedomain.Charge{}).
		Select("advertiser_id AS user_id, currency, COALESCE(SUM(amount), 0) AS total").
		Where("status IN ? AND processed_at >= ? AND processed_at < ?", settledCharges(), start, end).
		Group("advertiser_id, currency").
		Scan(&charged).Error; err != nil {
		return nil, err
	}
	add(charged, domain.RoleAdvertiser, func(t *domain.Totals, v int64) { t.Charged += v })

	var refunded []aggregateRow
	if err := db.Table("refunds AS r").
		Select("c.advertiser_id AS user_id, r.currency, COALESCE(SUM(r.amount), 0) AS total").
		Joins("JOIN charges AS c ON c.id = r.charge_id").
		Where("r.status = ? AND r.settled_at >= ? AND r.settled_at < ?", chargedomain.RefundStatusSucceeded, start, end).
		Group("c.advertiser_id, r.currency").
		Scan(&refunded).Error; err != nil {
		return nil, err
	}
	add(refunded, domain.RoleAdvertiser, func(t *domain.Totals, v int64) { t.Refunded += v })

	var earned []aggregateRow
	if err := db.Table("promoter_earnings").
		Select("promoter_id AS user_id, currency, COALESCE(SUM(amount), 0) AS total").
		Where("approved_at >= ? AND approved_at < ?", start, end).
		Group("promoter_id, currency").
		Scan(&earned).Error; err != nil {
		return nil, err
	}
	add(earned, domain.RolePromoter, func(t *domain.Totals, v int64) { t.Earned += v })

	var paid []aggregateRow
	if err := db.Model(&transferdomain.Transfer{}).
		Select("recipient_id AS user_id, currency, COALESCE(SUM(amount), 0) AS total").
		Where("status = ? AND transferred_at >= ? AND transferred_at < ?", transferdomain.StatusPaid, start, end).
		Group("recipient_id, currency").
		Scan(&paid).Error; err != nil {
		return nil, err
	}
	add(paid, domain.RolePromoter, func(t *domain.Totals, v int64) { t.PaidOut += v })

	return totals, nil
}

func settledCharges() []chargedomain.ChargeStatus {
	return []chargedomain.ChargeStatus{
		chargedomain.ChargeStatusSucceeded,
		chargedomain.ChargeStatusPartiallyRefunded,
		chargedomain.ChargeStatusRefunded,
	}
}

// Adjust records a correction against a summary and leaves the summary
// itself untouched.
func (s *Service) Adjust(ctx context.Context, summaryID snowflake.ID, adj domain.Adjustment) (*domain.BillingAdjustment, error) {
	if adj.Empty() {
		return nil, domain.ErrEmptyAdjustment
	}
	if adj.Reason == "" {
		return nil, domain.ErrMissingReason
	}

	var out *domain.BillingAdjustment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var summary domain.BillingPeriodSummary
		if err := pkgdb.ForUpdate(ctx, tx, &summary, summaryID); err != nil {
			if pkgdb.IsNotFound(err) {
				return domain.ErrSummaryNotFound
			}
			return err
		}
		view := domain.SummaryView{Summary: summary}
		if err := tx.WithContext(ctx).
			Where("summary_id = ?", summaryID).
			Order("created_at ASC, id ASC").
			Find(&view.Adjustments).Error; err != nil {
			return err
		}

		row := domain.BillingAdjustment{
			ID:            s.genID.Generate(),
			SummaryID:     summaryID,
			EarnedDelta:   adj.EarnedDelta,
			PaidOutDelta:  adj.PaidOutDelta,
			ChargedDelta:  adj.ChargedDelta,
			RefundedDelta: adj.RefundedDelta,
			Reason:        adj.Reason,
			CreatedAt:     s.clock.Now(),
		}
		view.Adjustments = append(view.Adjustments, row)
		view.Apply()
		e := view.Effective
		if e.Earned < 0 || e.PaidOut < 0 || e.Charged < 0 || e.Refunded < 0 {
			return domain.ErrNegativeAdjustment
		}

		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, auditdomain.ActionBillingAdjusted, "billing_period_summary", summaryID.String(), map[string]any{
			"adjustment_id":  row.ID.String(),
			"earned_delta":   row.EarnedDelta,
			"paid_out_delta": row.PaidOutDelta,
			"charged_delta":  row.ChargedDelta,
			"refunded_delta": row.RefundedDelta,
			"reason":         row.Reason,
		}); err != nil {
			return err
		}
		out = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Summary returns the user's snapshots for the period, one per currency.
func (s *Service) Summary(ctx context.Context, userID snowflake.ID, role domain.Role, start, end time.Time) ([]domain.SummaryView, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	start, end = start.UTC(), end.UTC()
	var rows []domain.BillingPeriodSummary
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND role = ? AND period_start = ? AND period_end = ?", userID, role, start, end).
		Order("currency ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrSummaryNotFound
	}

	ids := make([]snowflake.ID, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var adjustments []domain.BillingAdjustment
	if err := s.db.WithContext(ctx).
		Where("summary_id IN ?", ids).
		Order("created_at ASC, id ASC").
		Find(&adjustments).Error; err != nil {
		return nil, err
	}
	bySummary := map[snowflake.ID][]domain.BillingAdjustment{}
	for _, a := range adjustments {
		bySummary[a.SummaryID] = append(bySummary[a.SummaryID], a)
	}

	views := make([]domain.SummaryView, len(rows))
	for i, r := range rows {
		views[i] = domain.SummaryView{Summary: r, Adjustments: bySummary[r.ID]}
		views[i].Apply()
	}
	return views, nil
}

func (s *Service) Period(ctx context.Context, start, end time.Time) (*domain.BillingPeriod, error) {
	var row domain.BillingPeriod
	err := s.db.WithContext(ctx).
		Where("period_start = ? AND period_end = ?", start.UTC(), end.UTC()).
		Take(&row).Error
	if pkgdb.IsNotFound(err) {
		return nil, domain.ErrPeriodNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
