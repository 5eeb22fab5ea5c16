package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/apperr"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	"github.com/smallbiznis/settlement/internal/engine"
	"github.com/smallbiznis/settlement/internal/events"
	"github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/stretchr/testify/require"
)

var (
	campaignID   = snowflake.ID(1001)
	advertiserID = snowflake.ID(2001)
)

func TestFundingSplitsFeesAndSettlesCharge(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	alloc, intent := h.Fund(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	require.Equal(t, domain.StatusSucceeded, intent.Status)
	require.NotNil(t, intent.SucceededAt)
	require.NotNil(t, intent.ConfirmedAt)
	require.Equal(t, int64(10000), intent.ApplicationFeeAmount)

	require.Equal(t, int64(10000), alloc.PlatformFee)
	require.Equal(t, int64(2930), alloc.ProcessorFee)
	require.Equal(t, int64(87070), alloc.PromoterPayout)
	require.Equal(t, int64(100000), alloc.BudgetSpent)
	require.Equal(t, int64(0), alloc.BudgetRemaining)
	require.NoError(t, allocationdomain.Verify(alloc))

	record, err := h.Payments.FeeRecord(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.FeeRecordCollected, record.Status)
	require.Equal(t, int64(10000), record.FeeAmount)
	require.Equal(t, int64(2930), record.ProcessorFeeAmount)
	require.Equal(t, int64(7070), record.NetFeeAmount)

	charge, err := h.Charges.ByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, chargedomain.ChargeStatusSucceeded, charge.Status)
	require.Equal(t, int64(100000), charge.Amount)

	spend, err := h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), spend.TotalSpent)
	require.Equal(t, int64(0), spend.PendingCharges)

	var types []string
	require.NoError(t, h.DB.Model(&events.OutboxEvent{}).Order("id").Pluck("event_type", &types).Error)
	require.Contains(t, types, events.EventAllocationFunded)
	require.Contains(t, types, events.EventChargeSucceeded)
}

func TestOpenTracksPendingCharge(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	_, intent := h.Open(t, campaignID, advertiserID, 50000, testutil.Flow("acct_promoters"))

	require.Equal(t, domain.StatusRequiresPaymentMethod, intent.Status)
	require.Equal(t, "pi:"+intent.ID.String(), intent.IdempotencyKey)

	spend, err := h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(50000), spend.PendingCharges)
	require.Equal(t, int64(0), spend.TotalSpent)

	cfg, err := h.Payments.FlowConfig(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, cfg.LockedAt)

	changed := testutil.Flow("acct_other")
	changed.CampaignID = campaignID
	_, err = h.Payments.SetupFlow(ctx, changed)
	require.ErrorIs(t, err, domain.ErrFlowConfigLocked)
}

func TestSucceededIntentIsTerminal(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	_, err := h.Payments.ApplyTransition(ctx, domain.Transition{
		ExternalID: intent.External(),
		To:         domain.StatusCanceled,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	_, err = h.Payments.ApplyTransition(ctx, domain.Transition{
		ExternalID: intent.External(),
		To:         domain.StatusRequiresPaymentMethod,
		Failed:     true,
	})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := h.Payments.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSucceeded, stored.Status)
	require.Nil(t, stored.CanceledAt)
}

func TestRepeatedSuccessIsIdempotent(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	again, err := h.Payments.ApplyTransition(ctx, domain.Transition{
		ExternalID: intent.External(),
		To:         domain.StatusSucceeded,
	})
	require.NoError(t, err)
	require.Equal(t, intent.Version, again.Version)

	spend, err := h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), spend.TotalSpent)

	alloc, err := h.Allocations.Current(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), alloc.BudgetSpent)
}

func TestSkippedStatesAndBackwardMoves(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Open(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	moved, err := h.Payments.ApplyTransition(ctx, domain.Transition{ExternalID: intent.External(), To: domain.StatusProcessing})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, moved.Status)

	_, err = h.Payments.ApplyTransition(ctx, domain.Transition{ExternalID: intent.External(), To: domain.StatusRequiresConfirmation})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	// A return to requires_payment_method must be a reported failure.
	_, err = h.Payments.ApplyTransition(ctx, domain.Transition{ExternalID: intent.External(), To: domain.StatusRequiresPaymentMethod})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.Payments.ApplyTransition(ctx, domain.Transition{ExternalID: "pi_unknown", To: domain.StatusSucceeded})
	require.ErrorIs(t, err, domain.ErrIntentNotFound)
}

func TestPaymentFailureThenRetrySucceeds(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Open(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	failed, err := h.Payments.ApplyTransition(ctx, domain.Transition{
		ExternalID:     intent.External(),
		To:             domain.StatusRequiresPaymentMethod,
		Failed:         true,
		FailureCode:    "card_declined",
		FailureMessage: "Your card was declined.",
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusRequiresPaymentMethod, failed.Status)
	require.Equal(t, "card_declined", *failed.FailureCode)

	charge, err := h.Charges.ByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, chargedomain.ChargeStatusFailed, charge.Status)
	spend, err := h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(0), spend.PendingCharges)

	_, err = h.Payments.ApplyTransition(ctx, domain.Transition{ExternalID: intent.External(), To: domain.StatusSucceeded})
	require.NoError(t, err)

	charge, err = h.Charges.ByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, chargedomain.ChargeStatusSucceeded, charge.Status)
	spend, err = h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), spend.TotalSpent)
	require.Equal(t, int64(0), spend.PendingCharges)
}

func TestCancelDiscardsAllocation(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	alloc, intent := h.Open(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	canceled, err := h.Payments.Cancel(ctx, intent.ID, "advertiser changed plans")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, canceled.Status)
	require.Len(t, h.Processor.Calls(processortest.OpCancelPaymentIntent), 1)

	stored, err := h.Allocations.Get(ctx, alloc.ID)
	require.NoError(t, err)
	require.True(t, stored.Discarded())

	charge, err := h.Charges.ByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, chargedomain.ChargeStatusFailed, charge.Status)

	again, err := h.Payments.Cancel(ctx, intent.ID, "twice")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, again.Status)
	require.Len(t, h.Processor.Calls(processortest.OpCancelPaymentIntent), 1)

	// The campaign can be funded again on a fresh snapshot.
	next, _ := h.Fund(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))
	require.Equal(t, 2, next.Sequence)
}

func TestCaptureRequiresAuthorisedPayment(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Open(t, campaignID, advertiserID, 100000, testutil.Flow("acct_promoters"))

	require.ErrorIs(t, h.Payments.Capture(ctx, intent.ID), domain.ErrNotCapturable)

	_, err := h.Payments.ApplyTransition(ctx, domain.Transition{ExternalID: intent.External(), To: domain.StatusRequiresCapture})
	require.NoError(t, err)
	require.NoError(t, h.Payments.Capture(ctx, intent.ID))

	calls := h.Processor.Calls(processortest.OpCapturePaymentIntent)
	require.Len(t, calls, 1)
	require.Equal(t, intent.External(), calls[0].ExternalID)
	require.Equal(t, int64(100000), calls[0].Amount)
}

func TestOpenResumesAfterProcessorFailure(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	funding := engine.Funding{
		AdvertiserID: advertiserID,
		Currency:     "USD",
		Flow:         testutil.Flow("acct_promoters"),
	}

	h.Processor.Fail(processortest.OpCreatePaymentIntent, errors.New("connection reset"))
	_, err := h.Engine.OnCampaignFunded(ctx, campaignID, 100000, funding)
	require.ErrorIs(t, err, apperr.ErrExternalProcessor)

	h.Processor.Fail(processortest.OpCreatePaymentIntent, nil)
	alloc, err := h.Engine.OnCampaignFunded(ctx, campaignID, 100000, funding)
	require.NoError(t, err)
	require.Equal(t, 1, alloc.Sequence)

	intent, err := h.Payments.GetIntent(ctx, *alloc.PaymentIntentID)
	require.NoError(t, err)
	require.NotNil(t, intent.ExternalID)
	require.Nil(t, intent.FailureCode)

	calls := h.Processor.Calls(processortest.OpCreatePaymentIntent)
	require.Len(t, calls, 2)
	require.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	spend, err := h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), spend.PendingCharges)
}

func TestGoalCompletionSignalKeepsFirstTimestamp(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	flow := testutil.Flow("acct_promoters")
	flow.CampaignID = campaignID
	flow.RequiresGoalCompletion = true
	_, err := h.Payments.SetupFlow(ctx, flow)
	require.NoError(t, err)

	first := h.Clock.Now()
	require.NoError(t, h.Payments.SignalGoalCompleted(ctx, campaignID, first))
	require.NoError(t, h.Payments.SignalGoalCompleted(ctx, campaignID, first.Add(48*time.Hour)))

	cfg, err := h.Payments.FlowConfig(ctx, campaignID)
	require.NoError(t, err)
	require.True(t, cfg.GoalCompletedAt.Equal(first))

	require.ErrorIs(t, h.Payments.SignalGoalCompleted(ctx, snowflake.ID(9), first), domain.ErrFlowConfigNotFound)
}

func TestSetupFlowValidation(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	flow := testutil.Flow("")
	flow.CampaignID = campaignID
	flow.FlowType = domain.FlowDestination
	_, err := h.Payments.SetupFlow(ctx, flow)
	require.ErrorIs(t, err, domain.ErrMissingDestination)

	flow = testutil.Flow("acct")
	flow.CampaignID = campaignID
	flow.HoldPeriodDays = -1
	_, err = h.Payments.SetupFlow(ctx, flow)
	require.ErrorIs(t, err, domain.ErrInvalidHoldPeriod)

	flow = testutil.Flow("acct")
	flow.CampaignID = campaignID
	flow.FlowType = "wire"
	_, err = h.Payments.SetupFlow(ctx, flow)
	require.ErrorIs(t, err, domain.ErrInvalidFlowType)

}
