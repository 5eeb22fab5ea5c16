package engine_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/engine"
	payoutdomain "github.com/smallbiznis/settlement/internal/payout/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/stretchr/testify/require"
)

var (
	campaignID   = snowflake.ID(12001)
	advertiserID = snowflake.ID(12101)
	promoterID   = snowflake.ID(12201)
)

func funding() engine.Funding {
	return engine.Funding{
		AdvertiserID: advertiserID,
		Currency:     "USD",
		CampaignType: "visibility",
		Flow:         testutil.Flow("acct_platform"),
		Description:  "campaign budget",
	}
}

func TestCampaignFundingIsResumable(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	first, err := h.Engine.OnCampaignFunded(ctx, campaignID, 1000, funding())
	require.NoError(t, err)
	require.NotNil(t, first.PaymentIntentID)
	require.Equal(t, int64(100), first.PlatformFee)
	require.Equal(t, int64(59), first.ProcessorFee)
	require.Equal(t, int64(841), first.PromoterPayout)

	again, err := h.Engine.OnCampaignFunded(ctx, campaignID, 1000, funding())
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, *first.PaymentIntentID, *again.PaymentIntentID)
	require.Len(t, h.Processor.Calls(processortest.OpCreatePaymentIntent), 1)

	cfg, err := h.Payments.FlowConfig(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, cfg.LockedAt)
}

func TestBudgetIncreaseFundsNextSnapshot(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	_, err := h.Engine.OnBudgetIncreased(ctx, campaignID, 500, funding())
	require.ErrorIs(t, err, allocationdomain.ErrAllocationNotFound)

	first, _ := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_platform"))

	topUp, err := h.Engine.OnBudgetIncreased(ctx, campaignID, 500, funding())
	require.NoError(t, err)
	require.Equal(t, 2, topUp.Sequence)
	require.Equal(t, int64(500), topUp.FundingAmount)
	require.False(t, topUp.IsFunded)

	intent, err := h.Payments.GetIntent(ctx, *topUp.PaymentIntentID)
	require.NoError(t, err)
	require.Equal(t, int64(500), intent.Amount)
	require.Equal(t, int64(50), intent.ApplicationFeeAmount)

	// The funded snapshot stays current until the top-up succeeds.
	current, err := h.Allocations.Current(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, first.ID, current.ID)

	require.NoError(t, h.Deliver(t, processor.Event{
		Type:       processor.EventIntentSucceeded,
		ResourceID: intent.External(),
		Amount:     intent.Amount,
	}))

	current, err = h.Allocations.Current(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, topUp.ID, current.ID)
	require.True(t, current.IsFunded)
	require.Equal(t, int64(1500), current.TotalBudget)
	require.Equal(t, int64(150), current.PlatformFee)
	require.Equal(t, int64(103), current.ProcessorFee)
	require.Equal(t, int64(1247), current.PromoterPayout)
	require.Equal(t, int64(1500), current.BudgetSpent)
	require.NoError(t, allocationdomain.Verify(current))

	previous, err := h.Allocations.Get(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, previous.IsCurrent)
	require.NotNil(t, previous.SupersededAt)
}

func TestWorkApprovalThroughEngine(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_platform"))

	earning, err := h.Engine.OnWorkApproved(ctx, campaignID, promoterID, 120, payoutdomain.CategoryConsultant)
	require.NoError(t, err)
	require.Equal(t, int64(120), earning.Amount)
	require.Equal(t, payoutdomain.CategoryConsultant, earning.Category)

	_, err = h.Engine.OnWorkApproved(ctx, campaignID, promoterID, 10_000, payoutdomain.CategoryConsultant)
	require.ErrorIs(t, err, allocationdomain.ErrInsufficientPayoutBudget)

	balances, err := h.Payouts.Balances(ctx, promoterID)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, int64(120), balances[0].ConsultantEarnings)
}
