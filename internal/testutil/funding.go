package testutil

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/engine"
	"github.com/smallbiznis/settlement/internal/fee"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	"github.com/stretchr/testify/require"
)

// Flow is a separate-transfer setup with a 10% platform fee and automatic
// release to the given destination account.
func Flow(destination string) paymentdomain.FlowConfigInput {
	return paymentdomain.FlowConfigInput{
		Currency:             "USD",
		FlowType:             paymentdomain.FlowSeparateTransfer,
		FeePolicy:            fee.Percentage(decimal.RequireFromString("0.10")),
		AutoReleaseFunds:     true,
		DestinationAccountID: destination,
	}
}

// Deliver sends evt through the webhook ingestor as the fake processor.
func (h *Harness) Deliver(t *testing.T, evt processor.Event) error {
	t.Helper()
	if evt.ID == "" {
		evt.ID = "evt_" + h.Node.Generate().String()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = h.Clock.Now()
	}
	payload, headers := processortest.Webhook(evt)
	return h.Webhooks.Ingest(context.Background(), processortest.Provider, payload, headers)
}

// Open allocates and opens the funding payment without confirming it.
func (h *Harness) Open(t *testing.T, campaignID, advertiserID snowflake.ID, total int64, flow paymentdomain.FlowConfigInput) (*allocationdomain.BudgetAllocation, *paymentdomain.PaymentIntent) {
	t.Helper()
	ctx := context.Background()
	alloc, err := h.Engine.OnCampaignFunded(ctx, campaignID, total, engine.Funding{
		AdvertiserID: advertiserID,
		Currency:     flow.Currency,
		CampaignType: "visibility",
		Flow:         flow,
	})
	require.NoError(t, err)
	require.NotNil(t, alloc.PaymentIntentID)
	intent, err := h.Payments.GetIntent(ctx, *alloc.PaymentIntentID)
	require.NoError(t, err)
	require.NotNil(t, intent.ExternalID)
	return alloc, intent
}

// Fund opens the funding payment and confirms it through a succeeded
// webhook.
func (h *Harness) Fund(t *testing.T, campaignID, advertiserID snowflake.ID, total int64, flow paymentdomain.FlowConfigInput) (*allocationdomain.BudgetAllocation, *paymentdomain.PaymentIntent) {
	t.Helper()
	alloc, intent := h.Open(t, campaignID, advertiserID, total, flow)
	require.NoError(t, h.Deliver(t, processor.Event{
		Type:       processor.EventIntentSucceeded,
		ResourceID: intent.External(),
		Amount:     intent.Amount,
		Currency:   intent.Currency,
	}))
	ctx := context.Background()
	alloc, err := h.Allocations.Get(ctx, alloc.ID)
	require.NoError(t, err)
	require.True(t, alloc.IsFunded)
	intent, err = h.Payments.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	return alloc, intent
}
