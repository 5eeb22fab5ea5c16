// Package engine is the entry point used by the campaign and work-approval
// workflows. It sequences the allocation, payment and payout services.
package engine

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/settlement/internal/payout/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Funding describes how a campaign is paid for.
type Funding struct {
	AdvertiserID  snowflake.ID
	Currency      string
	CampaignType  string
	Flow          paymentdomain.FlowConfigInput
	RecipientID   *snowflake.ID
	CaptureMethod processor.CaptureMethod
	Description   string
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Allocation allocationdomain.Service
	Payments   paymentdomain.Service
	Payouts    payoutdomain.Service
}

type Engine struct {
	log        *zap.Logger
	allocation allocationdomain.Service
	payments   paymentdomain.Service
	payouts    payoutdomain.Service
}

func New(p Params) *Engine {
	return &Engine{
		log:        p.Log.Named("engine"),
		allocation: p.Allocation,
		payments:   p.Payments,
		payouts:    p.Payouts,
	}
}

// OnCampaignFunded stores the campaign's payment setup, allocates the budget
// and opens the funding payment. Calling it again while the funding payment
// is still open resumes that attempt.
func (e *Engine) OnCampaignFunded(ctx context.Context, campaignID snowflake.ID, totalBudget int64, funding Funding) (alloc *allocationdomain.BudgetAllocation, err error) {
	ctx, span := tracing.Start(ctx, "engine.OnCampaignFunded",
		tracing.ID("campaign.id", campaignID),
		attribute.Int64("budget.total", totalBudget),
	)
	defer func() { tracing.End(span, err) }()

	flow := funding.Flow
	flow.CampaignID = campaignID
	if flow.Currency == "" {
		flow.Currency = funding.Currency
	}
	if _, err := e.payments.SetupFlow(ctx, flow); err != nil && !errors.Is(err, paymentdomain.ErrFlowConfigLocked) {
		return nil, err
	}

	alloc, err = e.allocation.Allocate(ctx, allocationdomain.AllocateRequest{
		CampaignID:   campaignID,
		TotalBudget:  totalBudget,
		Currency:     flow.Currency,
		CampaignType: funding.CampaignType,
		FeePolicy:    flow.FeePolicy,
	})
	if errors.Is(err, allocationdomain.ErrFundingInProgress) {
		alloc, err = e.pendingAllocation(ctx, campaignID)
	}
	if err != nil {
		return nil, err
	}
	return e.open(ctx, alloc, funding)
}

// OnBudgetIncreased opens a top-up payment for an already funded campaign.
func (e *Engine) OnBudgetIncreased(ctx context.Context, campaignID snowflake.ID, additional int64, funding Funding) (alloc *allocationdomain.BudgetAllocation, err error) {
	ctx, span := tracing.Start(ctx, "engine.OnBudgetIncreased",
		tracing.ID("campaign.id", campaignID),
		attribute.Int64("budget.additional", additional),
	)
	defer func() { tracing.End(span, err) }()

	alloc, err = e.allocation.IncreaseBudget(ctx, campaignID, additional)
	if errors.Is(err, allocationdomain.ErrFundingInProgress) {
		alloc, err = e.pendingAllocation(ctx, campaignID)
	}
	if err != nil {
		return nil, err
	}
	return e.open(ctx, alloc, funding)
}

// OnWorkApproved credits approved promoter work to the promoter's balance.
func (e *Engine) OnWorkApproved(ctx context.Context, campaignID, promoterID snowflake.ID, earnedAmount int64, category payoutdomain.Category) (earning *payoutdomain.PromoterEarning, err error) {
	ctx, span := tracing.Start(ctx, "engine.OnWorkApproved",
		tracing.ID("campaign.id", campaignID),
		tracing.ID("promoter.id", promoterID),
		attribute.Int64("earning.amount", earnedAmount),
	)
	defer func() { tracing.End(span, err) }()

	earning, err = e.payouts.OnWorkApproved(ctx, payoutdomain.WorkApproval{
		CampaignID: campaignID,
		PromoterID: promoterID,
		Amount:     earnedAmount,
		Category:   category,
	})
	if err != nil {
		e.log.Warn("work approval not credited",
			zap.String("campaign_id", campaignID.String()),
			zap.String("promoter_id", promoterID.String()),
			zap.String("reason", apperr.Reason(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return earning, nil
}

func (e *Engine) open(ctx context.Context, alloc *allocationdomain.BudgetAllocation, funding Funding) (*allocationdomain.BudgetAllocation, error) {
	intent, err := e.payments.Open(ctx, paymentdomain.OpenRequest{
		AllocationID:  alloc.ID,
		PayerID:       funding.AdvertiserID,
		RecipientID:   funding.RecipientID,
		CaptureMethod: funding.CaptureMethod,
		Description:   funding.Description,
	})
	if errors.Is(err, paymentdomain.ErrIntentInProgress) && alloc.PaymentIntentID != nil {
		// The attempt was already sent to the processor; the caller waits for it.
		return e.allocation.Get(ctx, alloc.ID)
	}
	if err != nil {
		return nil, err
	}
	e.log.Info("campaign funding opened",
		zap.String("campaign_id", alloc.CampaignID.String()),
		zap.String("allocation_id", alloc.ID.String()),
		zap.String("payment_intent_id", intent.ID.String()),
		zap.Int64("amount", intent.Amount),
		zap.String("currency", intent.Currency),
	)
	return e.allocation.Get(ctx, alloc.ID)
}

// pendingAllocation finds the unfunded snapshot of an open funding attempt.
func (e *Engine) pendingAllocation(ctx context.Context, campaignID snowflake.ID) (*allocationdomain.BudgetAllocation, error) {
	history, err := e.allocation.History(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		a := history[i]
		if !a.IsFunded && a.SupersededAt == nil {
			return &a, nil
		}
	}
	return nil, allocationdomain.ErrFundingInProgress
}
