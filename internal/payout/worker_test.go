package payout_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/payout"
	"github.com/smallbiznis/settlement/internal/payout/domain"
	"github.com/smallbiznis/settlement/internal/payout/service"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWorkerRunsPayoutsAndReleasesTransfers(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	campaignID, promoterID := snowflake.ID(9001), snowflake.ID(9201)
	h.Fund(t, campaignID, snowflake.ID(9101), 1000, testutil.Flow("acct_platform"))

	_, err := h.Payouts.SetPreference(ctx, domain.Preference{PromoterID: promoterID, MinimumAmount: 10})
	require.NoError(t, err)
	_, err = h.Payouts.OnWorkApproved(ctx, domain.WorkApproval{
		CampaignID: campaignID,
		PromoterID: promoterID,
		Amount:     75,
		Category:   domain.CategoryConsultant,
	})
	require.NoError(t, err)

	worker := payout.NewWorker(payout.WorkerParams{
		Log:       zap.NewNop(),
		Clock:     h.Clock,
		Payouts:   h.Payouts,
		Transfers: h.Transfers,
		Config:    service.DefaultConfig(),
	})

	require.NoError(t, worker.RunOnce(ctx))
	require.Empty(t, h.Processor.Calls(processortest.OpCreateTransfer))

	h.Clock.Advance(7 * 24 * time.Hour)
	require.NoError(t, worker.RunOnce(ctx))

	calls := h.Processor.Calls(processortest.OpCreateTransfer)
	require.Len(t, calls, 1)
	require.Equal(t, int64(75), calls[0].Amount)
	require.Equal(t, "acct_platform", calls[0].ExternalID)

	balances, err := h.Payouts.Balances(ctx, promoterID)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.Equal(t, domain.BalanceTransferring, balances[0].Status)
}
