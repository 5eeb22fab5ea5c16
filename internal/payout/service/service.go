package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/events"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/payout/domain"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const runLockKey = "settlement:payout:run"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Allocation allocationdomain.Service
	Transfers  transferdomain.Service
	Ledger     ledgerdomain.Service
	Outbox     *events.Outbox
	Audit      auditdomain.Service
	Lock       RunLock
	Config     Config                     `optional:"true"`
	Metrics    *metrics.SettlementMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	allocation allocationdomain.Service
	transfers  transferdomain.Service
	ledger     ledgerdomain.Service
	outbox     *events.Outbox
	audit      auditdomain.Service
	lock       RunLock
	cfg        Config
	metrics    *metrics.SettlementMetrics
}

// NewService builds the scheduler and registers it as the settlement hook
// of the transfer state machine.
func NewService(p Params) domain.Service {
	svc := &Service{
		db:         p.DB,
		log:        p.Log.Named("payout.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		allocation: p.Allocation,
		transfers:  p.Transfers,
		ledger:     p.Ledger,
		outbox:     p.Outbox,
		audit:      p.Audit,
		lock:       p.Lock,
		cfg:        p.Config.WithDefaults(),
		metrics:    p.Metrics,
	}
	if svc.lock == nil {
		svc.lock = NewLocalLock()
	}
	p.Transfers.RegisterHook(svc)
	return svc
}

// OnWorkApproved commits approved work against the campaign's funded
// payout budget and credits the promoter's balance for the period.
func (s *Service) OnWorkApproved(ctx context.Context, approval domain.WorkApproval) (earning *domain.PromoterEarning, err error) {
	ctx, span := tracing.Start(ctx, "payout.OnWorkApproved",
		tracing.ID("campaign.id", approval.CampaignID),
		tracing.ID("promoter.id", approval.PromoterID),
		attribute.Int64("earning.amount", approval.Amount),
	)
	defer func() { tracing.End(span, err) }()

	if approval.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if approval.PromoterID == 0 {
		return nil, domain.ErrInvalidPromoter
	}
	if !approval.Category.Valid() {
		return nil, domain.ErrInvalidCategory
	}
	approvedAt := approval.ApprovedAt.UTC()
	if approval.ApprovedAt.IsZero() {
		approvedAt = s.clock.Now()
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		alloc, err := s.allocation.CommitEarnings(ctx, tx, approval.CampaignID, approval.Amount)
		if err != nil {
			return err
		}
		if alloc.PaymentIntentID == nil {
			return allocationdomain.ErrNotFunded
		}
		pref, err := s.preference(ctx, tx, approval.PromoterID)
		if err != nil {
			return err
		}
		balance, err := s.openBalance(ctx, tx, approval.PromoterID, pref.Frequency, approvedAt, alloc.Currency)
		if err != nil {
			return err
		}
		balance.Credit(approval.Category, approval.Amount)
		if !balance.Balanced() {
			return domain.ErrBalanceInvariant
		}
		if err := pkgdb.UpdateVersioned(ctx, tx, balance.TableName(), balance.ID, &balance.Version, map[string]any{
			"visibility_earnings": balance.VisibilityEarnings,
			"consultant_earnings": balance.ConsultantEarnings,
			"seller_earnings":     balance.SellerEarnings,
			"salesman_earnings":   balance.SalesmanEarnings,
			"total_earnings":      balance.TotalEarnings,
			"updated_at":          s.clock.Now(),
		}); err != nil {
			return err
		}

		now := s.clock.Now()
		earning = &domain.PromoterEarning{
			ID:              s.genID.Generate(),
			BalanceID:       balance.ID,
			PromoterID:      approval.PromoterID,
			CampaignID:      approval.CampaignID,
			AllocationID:    alloc.ID,
			PaymentIntentID: *alloc.PaymentIntentID,
			Category:        approval.Category,
			Amount:          approval.Amount,
			Currency:        alloc.Currency,
			ApprovedAt:      approvedAt,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.WithContext(ctx).Create(earning).Error; err != nil {
			return err
		}
		return s.ledger.CreateEntry(ctx, tx, ledgerdomain.Entry{
			SourceType: ledgerdomain.SourceTypeEarning,
			SourceID:   earning.ID,
			CampaignID: earning.CampaignID,
			Currency:   earning.Currency,
			OccurredAt: approvedAt,
			Lines:      ledgerdomain.Post(ledgerdomain.AccountCodeCampaignEscrow, ledgerdomain.AccountCodePromoterPayouts, earning.Amount),
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("work approved",
		zap.String("earning_id", earning.ID.String()),
		zap.String("promoter_id", earning.PromoterID.String()),
		zap.String("category", string(earning.Category)),
		zap.Int64("amount", earning.Amount),
	)
	return earning, nil
}

// openBalance returns the locked unpaid balance for the period holding at.
// Work approved for a period already being paid lands in the current period.
func (s *Service) openBalance(ctx context.Context, tx *gorm.DB, promoterID snowflake.ID, freq domain.Frequency, at time.Time, currency string) (*domain.PromoterBalance, error) {
	for _, t := range []time.Time{at, s.clock.Now()} {
		start, end := freq.Period(t)
		now := s.clock.Now()
		seed := domain.PromoterBalance{
			ID:          s.genID.Generate(),
			PromoterID:  promoterID,
			PeriodStart: start,
			PeriodEnd:   end,
			Currency:    currency,
			Status:      domain.BalanceUnpaid,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "promoter_id"}, {Name: "period_start"}, {Name: "period_end"}},
				DoNothing: true,
			}).
			Create(&seed).Error; err != nil {
			return nil, err
		}
		var balance domain.PromoterBalance
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("promoter_id = ? AND period_start = ? AND period_end = ?", promoterID, start, end).
			Take(&balance).Error; err != nil {
			return nil, err
		}
		if balance.Currency != currency {
			return nil, domain.ErrCurrencyMismatch
		}
		if balance.Status == domain.BalanceUnpaid {
			return &balance, nil
		}
	}
	return nil, domain.ErrBalanceUnavailable
}

func (s *Service) SetPreference(ctx context.Context, pref domain.Preference) (*domain.PayoutPreference, error) {
	if pref.PromoterID == 0 {
		return nil, domain.ErrInvalidPromoter
	}
	if pref.Frequency == "" {
		pref.Frequency = s.cfg.DefaultFrequency
	}
	if !pref.Frequency.Valid() {
		return nil, domain.ErrInvalidFrequency
	}
	if pref.MinimumAmount < 0 {
		return nil, domain.ErrInvalidMinimum
	}
	now := s.clock.Now()
	row := &domain.PayoutPreference{
		ID:                   s.genID.Generate(),
		PromoterID:           pref.PromoterID,
		Frequency:            pref.Frequency,
		MinimumAmount:        pref.MinimumAmount,
		DestinationAccountID: strings.TrimSpace(pref.DestinationAccountID),
		Currency:             strings.ToUpper(strings.TrimSpace(pref.Currency)),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "promoter_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"frequency", "minimum_amount", "destination_account_id", "currency", "updated_at"}),
		}).
		Create(row).Error; err != nil {
		return nil, err
	}
	return s.Preference(ctx, pref.PromoterID)
}

func (s *Service) Preference(ctx context.Context, promoterID snowflake.ID) (*domain.PayoutPreference, error) {
	var row domain.PayoutPreference
	if err := s.db.WithContext(ctx).Where("promoter_id = ?", promoterID).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrPreferenceNotFound
		}
		return nil, err
	}
	return &row, nil
}

// preference returns the stored preference or the configured defaults.
func (s *Service) preference(ctx context.Context, db *gorm.DB, promoterID snowflake.ID) (*domain.PayoutPreference, error) {
	var row domain.PayoutPreference
	err := db.WithContext(ctx).Where("promoter_id = ?", promoterID).Take(&row).Error
	if pkgdb.IsNotFound(err) {
		return &domain.PayoutPreference{
			PromoterID:    promoterID,
			Frequency:     s.cfg.DefaultFrequency,
			MinimumAmount: s.cfg.DefaultMinimum,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// candidate is one promoter's pending earnings in one currency.
type candidate struct {
	PromoterID snowflake.ID
	Currency   string
	Pending    int64
}

type promoterResult struct {
	claimed   int
	transfers int
}

// Run pays out every promoter whose unpaid closed balances reach their
// minimum. Balances below the minimum roll forward untouched.
func (s *Service) Run(ctx context.Context, trigger domain.Trigger) (run *domain.PayoutRun, err error) {
	ctx, span := tracing.Start(ctx, "payout.Run", attribute.String("payout.trigger", string(trigger)))
	defer func() { tracing.End(span, err) }()

	release, ok, err := s.lock.Acquire(ctx, runLockKey, s.cfg.LockTTL)
	if err != nil {
		s.metrics.IncPayoutRun(string(trigger), "error")
		return nil, err
	}
	if !ok {
		s.metrics.IncPayoutRun(string(trigger), "skipped")
		return nil, domain.ErrRunInProgress
	}
	defer func() {
		if releaseErr := release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.log.Warn("failed to release payout run lock", zap.Error(releaseErr))
		}
	}()

	now := s.clock.Now()
	run = &domain.PayoutRun{
		ID:        s.genID.Generate(),
		Trigger:   trigger,
		Status:    domain.RunRunning,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, err
	}
	if trigger == domain.TriggerManual {
		if err := s.audit.Record(ctx, s.db, auditdomain.ActionPayoutTriggered, "payout_run", run.ID.String(), nil); err != nil {
			return nil, err
		}
	}

	candidates, err := s.candidates(ctx, now)
	if err != nil {
		if finishErr := s.finish(ctx, run, err); finishErr != nil {
			s.log.Warn("failed to record payout run", zap.Error(finishErr))
		}
		return run, err
	}
	run.PromotersConsidered = len(candidates)

	var (
		mu       sync.Mutex
		firstErr error
		g        errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)
	for _, c := range candidates {
		g.Go(func() error {
			res, err := s.payPromoter(ctx, run, c, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn("promoter payout failed",
					zap.String("promoter_id", c.PromoterID.String()),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			run.BalancesClaimed += res.claimed
			run.TransfersCreated += res.transfers
			return nil
		})
	}
	_ = g.Wait()

	if err := s.finish(ctx, run, firstErr); err != nil {
		return run, err
	}
	s.metrics.AddTransfersCreated(run.TransfersCreated)
	s.log.Info("payout run finished",
		zap.String("run_id", run.ID.String()),
		zap.String("trigger", string(trigger)),
		zap.Int("promoters", run.PromotersConsidered),
		zap.Int("balances", run.BalancesClaimed),
		zap.Int("transfers", run.TransfersCreated),
	)
	return run, nil
}

// finish stores the run outcome. A promoter failure marks the run failed
// but is not returned; the other promoters were still paid.
func (s *Service) finish(ctx context.Context, run *domain.PayoutRun, cause error) error {
	finished := s.clock.Now()
	run.FinishedAt = &finished
	run.Status = domain.RunCompleted
	updates := map[string]any{
		"finished_at":          finished,
		"promoters_considered": run.PromotersConsidered,
		"balances_claimed":     run.BalancesClaimed,
		"transfers_created":    run.TransfersCreated,
		"updated_at":           finished,
	}
	if cause != nil {
		run.Status = domain.RunFailed
		message := cause.Error()
		run.LastError = &message
		updates["last_error"] = message
	}
	updates["status"] = run.Status
	s.metrics.IncPayoutRun(string(run.Trigger), string(run.Status))
	return s.db.WithContext(context.WithoutCancel(ctx)).Model(run).Updates(updates).Error
}

func (s *Service) candidates(ctx context.Context, now time.Time) ([]candidate, error) {
	var rows []candidate
	err := s.db.WithContext(ctx).Raw(
		`SELECT b.promoter_id AS promoter_id, b.currency AS currency, SUM(e.amount) AS pending
		 FROM promoter_balances b
		 JOIN promoter_earnings e ON e.balance_id = b.id
		 WHERE b.period_end <= ?
		   AND (b.status = ? OR (b.status = ? AND b.claimed_at <= ?))
		   AND e.transfer_id IS NULL AND e.settled_at IS NULL AND e.needs_review = ?
		 GROUP BY b.promoter_id, b.currency
		 ORDER BY b.promoter_id, b.currency`,
		now,
		domain.BalanceUnpaid,
		domain.BalanceClaimed,
		now.Add(-s.cfg.ClaimTTL),
		false,
	).Scan(&rows).Error
	return rows, err
}

func (s *Service) payPromoter(ctx context.Context, run *domain.PayoutRun, c candidate, now time.Time) (promoterResult, error) {
	var res promoterResult
	pref, err := s.preference(ctx, s.db, c.PromoterID)
	if err != nil {
		return res, err
	}
	if c.Pending < pref.MinimumAmount {
		return res, nil
	}

	token := uuid.NewString()
	var claimed []domain.PromoterBalance
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("promoter_id = ? AND currency = ? AND period_end <= ?", c.PromoterID, c.Currency, now).
			Where("status = ? OR (status = ? AND claimed_at <= ?)", domain.BalanceUnpaid, domain.BalanceClaimed, now.Add(-s.cfg.ClaimTTL)).
			Order("period_start ASC").
			Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			b := &claimed[i]
			b.Status = domain.BalanceClaimed
			b.ClaimToken = &token
			b.ClaimedAt = &now
			if err := pkgdb.UpdateVersioned(ctx, tx, b.TableName(), b.ID, &b.Version, map[string]any{
				"status":      domain.BalanceClaimed,
				"claim_token": token,
				"claimed_at":  now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return res, err
	}
	res.claimed = len(claimed)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := s.transferClaimed(ctx, tx, run, pref, claimed, token)
		res.transfers = created
		return err
	})
	if err != nil {
		res.transfers = 0
		if releaseErr := s.releaseClaims(context.WithoutCancel(ctx), token); releaseErr != nil {
			s.log.Error("failed to release balance claims", zap.String("claim_token", token), zap.Error(releaseErr))
		}
		return res, err
	}
	return res, nil
}

// transferClaimed turns the eligible earnings of claimed balances into
// transfers, one per funding intent unless consolidation applies.
func (s *Service) transferClaimed(ctx context.Context, tx *gorm.DB, run *domain.PayoutRun, pref *domain.PayoutPreference, claimed []domain.PromoterBalance, token string) (int, error) {
	ids := make([]snowflake.ID, 0, len(claimed))
	for i := range claimed {
		var row domain.PromoterBalance
		if err := pkgdb.ForUpdate(ctx, tx, &row, claimed[i].ID); err != nil {
			return 0, err
		}
		if row.ClaimToken == nil || *row.ClaimToken != token {
			return 0, pkgdb.ErrStaleVersion
		}
		ids = append(ids, row.ID)
	}

	var earnings []domain.PromoterEarning
	if err := tx.WithContext(ctx).
		Where("balance_id IN ? AND transfer_id IS NULL AND settled_at IS NULL AND needs_review = ?", ids, false).
		Order("approved_at ASC, id ASC").
		Find(&earnings).Error; err != nil {
		return 0, err
	}

	var total int64
	for _, e := range earnings {
		total += e.Amount
	}
	created := 0
	if total >= pref.MinimumAmount && total > 0 {
		groups, err := s.group(ctx, tx, earnings)
		if err != nil {
			return 0, err
		}
		for _, group := range groups {
			ok, err := s.transferGroup(ctx, tx, run.ID, pref, group)
			if err != nil {
				return 0, err
			}
			if ok {
				created++
			}
		}
	}

	for _, id := range ids {
		if err := s.refreshBalance(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	return created, nil
}

type earningGroup struct {
	intents  []snowflake.ID
	earnings []domain.PromoterEarning
}

func (s *Service) group(ctx context.Context, tx *gorm.DB, earnings []domain.PromoterEarning) ([]earningGroup, error) {
	index := make(map[snowflake.ID]int)
	var groups []earningGroup
	for _, e := range earnings {
		i, ok := index[e.PaymentIntentID]
		if !ok {
			i = len(groups)
			index[e.PaymentIntentID] = i
			groups = append(groups, earningGroup{intents: []snowflake.ID{e.PaymentIntentID}})
		}
		groups[i].earnings = append(groups[i].earnings, e)
	}
	if !s.cfg.Consolidate || len(groups) < 2 {
		return groups, nil
	}

	campaigns := make([]snowflake.ID, 0, len(earnings))
	for _, e := range earnings {
		campaigns = append(campaigns, e.CampaignID)
	}
	var flows []paymentdomain.PaymentFlowConfig
	if err := tx.WithContext(ctx).Where("campaign_id IN ?", campaigns).Find(&flows).Error; err != nil {
		return nil, err
	}
	for _, f := range flows {
		if f.FlowType != paymentdomain.FlowSeparateTransfer {
			return groups, nil
		}
	}
	merged := earningGroup{}
	for _, g := range groups {
		merged.intents = append(merged.intents, g.intents...)
		merged.earnings = append(merged.earnings, g.earnings...)
	}
	return []earningGroup{merged}, nil
}

// transferGroup creates the transfer for one group. Groups whose funding is
// not yet eligible are left for a later run.
func (s *Service) transferGroup(ctx context.Context, tx *gorm.DB, runID snowflake.ID, pref *domain.PayoutPreference, group earningGroup) (bool, error) {
	var amount int64
	for _, e := range group.earnings {
		amount += e.Amount
	}
	transfer, err := s.transfers.Create(ctx, tx, transferdomain.CreateRequest{
		PaymentIntentIDs:     group.intents,
		PayoutRunID:          &runID,
		RecipientID:          pref.PromoterID,
		Amount:               amount,
		Currency:             group.earnings[0].Currency,
		DestinationAccountID: pref.DestinationAccountID,
	})
	if errors.Is(err, transferdomain.ErrTransferNotEligible) || errors.Is(err, transferdomain.ErrMissingDestination) {
		s.log.Info("earnings not yet transferable",
			zap.String("promoter_id", pref.PromoterID.String()),
			zap.Int64("amount", amount),
			zap.String("reason", err.Error()),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.attach(ctx, tx, transfer, group.earnings); err != nil {
		return false, err
	}
	return true, nil
}

// attach records the transfer allocations and links the earnings.
func (s *Service) attach(ctx context.Context, tx *gorm.DB, transfer *transferdomain.Transfer, earnings []domain.PromoterEarning) error {
	now := s.clock.Now()
	rows := make([]domain.TransferAllocation, 0, len(earnings))
	ids := make([]snowflake.ID, 0, len(earnings))
	for _, e := range earnings {
		rows = append(rows, domain.TransferAllocation{
			ID:         s.genID.Generate(),
			TransferID: transfer.ID,
			BalanceID:  e.BalanceID,
			EarningID:  e.ID,
			Amount:     e.Amount,
			CreatedAt:  now,
		})
		ids = append(ids, e.ID)
	}
	if err := tx.WithContext(ctx).Create(&rows).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&domain.PromoterEarning{}).
		Where("id IN ?", ids).
		Updates(map[string]any{"transfer_id": transfer.ID, "needs_review": false, "updated_at": now}).Error
}

func (s *Service) releaseClaims(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Model(&domain.PromoterBalance{}).
		Where("claim_token = ? AND status = ?", token, domain.BalanceClaimed).
		Updates(map[string]any{
			"status":      domain.BalanceUnpaid,
			"claim_token": nil,
			"claimed_at":  nil,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  s.clock.Now(),
		}).Error
}

// refreshBalance derives the balance status from its earnings: paid when
// every earning settled, transferring while any sits on a live transfer,
// unpaid otherwise. Claims are cleared.
func (s *Service) refreshBalance(ctx context.Context, tx *gorm.DB, balanceID snowflake.ID) error {
	var balance domain.PromoterBalance
	if err := pkgdb.ForUpdate(ctx, tx, &balance, balanceID); err != nil {
		return err
	}
	var counts struct {
		Total         int64
		Settled       int64
		InFlight      int64
		SettledAmount int64
	}
	if err := tx.WithContext(ctx).Model(&domain.PromoterEarning{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN settled_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS settled,
			COALESCE(SUM(CASE WHEN transfer_id IS NOT NULL AND settled_at IS NULL THEN 1 ELSE 0 END), 0) AS in_flight,
			COALESCE(SUM(CASE WHEN settled_at IS NOT NULL THEN amount ELSE 0 END), 0) AS settled_amount`).
		Where("balance_id = ?", balanceID).
		Scan(&counts).Error; err != nil {
		return err
	}

	status := domain.BalanceUnpaid
	switch {
	case counts.Total > 0 && counts.Settled == counts.Total:
		status = domain.BalancePaid
	case counts.InFlight > 0:
		status = domain.BalanceTransferring
	}
	now := s.clock.Now()
	updates := map[string]any{
		"status":      status,
		"claim_token": nil,
		"claimed_at":  nil,
		"updated_at":  now,
	}
	becamePaid := status == domain.BalancePaid && balance.Status != domain.BalancePaid
	if becamePaid {
		updates["paid_out"] = counts.SettledAmount
		updates["paid_out_at"] = now
	}
	if err := pkgdb.UpdateVersioned(ctx, tx, balance.TableName(), balance.ID, &balance.Version, updates); err != nil {
		return err
	}
	if !becamePaid {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        events.EventPayoutCompleted,
		AggregateID: balance.ID,
		Payload: events.PayoutPayload{
			BalanceID:   balance.ID.String(),
			PromoterID:  balance.PromoterID.String(),
			PeriodStart: balance.PeriodStart.Format(time.RFC3339),
			PeriodEnd:   balance.PeriodEnd.Format(time.RFC3339),
			Amount:      counts.SettledAmount,
			Currency:    balance.Currency,
		}.ToMap(),
	})
}

// OnTransferFinalized settles or detaches the earnings of a transfer that
// reached a terminal state.
func (s *Service) OnTransferFinalized(ctx context.Context, tx *gorm.DB, transfer *transferdomain.Transfer) error {
	var allocations []domain.TransferAllocation
	if err := tx.WithContext(ctx).Where("transfer_id = ?", transfer.ID).Find(&allocations).Error; err != nil {
		return err
	}
	if len(allocations) == 0 {
		return nil
	}

	now := s.clock.Now()
	switch transfer.Status {
	case transferdomain.StatusPaid:
		var earnings []domain.PromoterEarning
		if err := tx.WithContext(ctx).
			Where("transfer_id = ? AND settled_at IS NULL", transfer.ID).
			Order("id ASC").
			Find(&earnings).Error; err != nil {
			return err
		}
		settledAt := now
		if transfer.TransferredAt != nil {
			settledAt = *transfer.TransferredAt
		}
		if err := tx.WithContext(ctx).Model(&domain.PromoterEarning{}).
			Where("transfer_id = ? AND settled_at IS NULL", transfer.ID).
			Updates(map[string]any{"settled_at": settledAt, "updated_at": now}).Error; err != nil {
			return err
		}
		perCampaign := make(map[snowflake.ID]int64)
		var order []snowflake.ID
		for _, e := range earnings {
			if _, ok := perCampaign[e.CampaignID]; !ok {
				order = append(order, e.CampaignID)
			}
			perCampaign[e.CampaignID] += e.Amount
		}
		for _, campaignID := range order {
			if err := s.allocation.RecordPromoterPaid(ctx, tx, campaignID, perCampaign[campaignID]); err != nil {
				return err
			}
		}
	case transferdomain.StatusFailed, transferdomain.StatusCanceled:
		if err := tx.WithContext(ctx).Model(&domain.PromoterEarning{}).
			Where("transfer_id = ? AND settled_at IS NULL", transfer.ID).
			Updates(map[string]any{"transfer_id": nil, "needs_review": true, "updated_at": now}).Error; err != nil {
			return err
		}
	default:
		return nil
	}

	for _, id := range balanceIDs(allocations) {
		if err := s.refreshBalance(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// RetryFailedTransfer is the operator action that re-sends the earnings of a
// failed or canceled transfer on a fresh transfer.
func (s *Service) RetryFailedTransfer(ctx context.Context, transferID snowflake.ID) (*transferdomain.Transfer, error) {
	var created *transferdomain.Transfer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var old transferdomain.Transfer
		if err := tx.WithContext(ctx).Where("id = ?", transferID).Take(&old).Error; err != nil {
			if pkgdb.IsNotFound(err) {
				return transferdomain.ErrTransferNotFound
			}
			return err
		}
		if old.Status != transferdomain.StatusFailed && old.Status != transferdomain.StatusCanceled {
			return domain.ErrNotRetryable
		}

		var earnings []domain.PromoterEarning
		if err := tx.WithContext(ctx).
			Joins("JOIN transfer_allocations ta ON ta.earning_id = promoter_earnings.id").
			Where("ta.transfer_id = ?", old.ID).
			Where("promoter_earnings.transfer_id IS NULL AND promoter_earnings.settled_at IS NULL AND promoter_earnings.needs_review = ?", true).
			Order("promoter_earnings.approved_at ASC, promoter_earnings.id ASC").
			Find(&earnings).Error; err != nil {
			return err
		}
		if len(earnings) == 0 {
			return domain.ErrNotRetryable
		}

		var (
			amount  int64
			intents []snowflake.ID
			seen    = make(map[snowflake.ID]struct{})
		)
		for _, e := range earnings {
			amount += e.Amount
			if _, ok := seen[e.PaymentIntentID]; !ok {
				seen[e.PaymentIntentID] = struct{}{}
				intents = append(intents, e.PaymentIntentID)
			}
		}
		transfer, err := s.transfers.Create(ctx, tx, transferdomain.CreateRequest{
			PaymentIntentIDs:     intents,
			PayoutRunID:          old.PayoutRunID,
			RecipientID:          old.RecipientID,
			Amount:               amount,
			Currency:             old.Currency,
			DestinationAccountID: old.DestinationAccountID,
		})
		if err != nil {
			return err
		}
		if err := s.attach(ctx, tx, transfer, earnings); err != nil {
			return err
		}
		seenBalance := make(map[snowflake.ID]struct{})
		for _, e := range earnings {
			if _, ok := seenBalance[e.BalanceID]; ok {
				continue
			}
			seenBalance[e.BalanceID] = struct{}{}
			if err := s.refreshBalance(ctx, tx, e.BalanceID); err != nil {
				return err
			}
		}
		created = transfer
		return s.audit.Record(ctx, tx, auditdomain.ActionTransferRetried, "transfer", old.ID.String(), map[string]any{
			"new_transfer_id": transfer.ID.String(),
			"amount":          amount,
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("transfer retried",
		zap.String("transfer_id", transferID.String()),
		zap.String("new_transfer_id", created.ID.String()),
	)
	return created, nil
}

func (s *Service) Balances(ctx context.Context, promoterID snowflake.ID) ([]domain.PromoterBalance, error) {
	var rows []domain.PromoterBalance
	err := s.db.WithContext(ctx).
		Where("promoter_id = ?", promoterID).
		Order("period_start ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) Earnings(ctx context.Context, balanceID snowflake.ID) ([]domain.PromoterEarning, error) {
	var rows []domain.PromoterEarning
	err := s.db.WithContext(ctx).
		Where("balance_id = ?", balanceID).
		Order("approved_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (s *Service) GetRun(ctx context.Context, id snowflake.ID) (*domain.PayoutRun, error) {
	var row domain.PayoutRun
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if pkgdb.IsNotFound(err) {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}
	return &row, nil
}

func balanceIDs(allocations []domain.TransferAllocation) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(allocations))
	out := make([]snowflake.ID, 0, len(allocations))
	for _, a := range allocations {
		if _, ok := seen[a.BalanceID]; ok {
			continue
		}
		seen[a.BalanceID] = struct{}{}
		out = append(out, a.BalanceID)
	}
	return out
}

var _ transferdomain.Hook = (*Service)(nil)
