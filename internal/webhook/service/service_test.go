package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/apperr"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/settlement/internal/payout/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	"github.com/smallbiznis/settlement/internal/testutil"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	"github.com/smallbiznis/settlement/internal/webhook/domain"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	campaignID   = snowflake.ID(10001)
	advertiserID = snowflake.ID(10101)
)

func storedEvent(t *testing.T, h *testutil.Harness, eventID string) domain.EventRecord {
	t.Helper()
	var row domain.EventRecord
	require.NoError(t, h.DB.Where("provider = ? AND external_event_id = ?", processortest.Provider, eventID).Take(&row).Error)
	return row
}

func TestRedeliveredEventAppliesOnce(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Open(t, campaignID, advertiserID, 500, testutil.Flow("acct_promoters"))

	evt := processor.Event{
		ID:         "evt_success",
		Type:       processor.EventIntentSucceeded,
		ResourceID: intent.External(),
		Amount:     500,
		OccurredAt: h.Clock.Now(),
	}
	payload, headers := processortest.Webhook(evt)
	require.NoError(t, h.Webhooks.Ingest(ctx, processortest.Provider, payload, headers))
	require.NoError(t, h.Webhooks.Ingest(ctx, processortest.Provider, payload, headers))
	require.NoError(t, h.Webhooks.Ingest(ctx, "FAKE ", payload, headers))

	spend, err := h.Charges.Spend(ctx, advertiserID)
	require.NoError(t, err)
	require.Equal(t, int64(500), spend.TotalSpent)

	row := storedEvent(t, h, "evt_success")
	require.NotNil(t, row.ProcessedAt)
	require.Equal(t, 1, row.Attempts)
	require.Equal(t, intent.External(), row.ResourceID)

	var count int64
	require.NoError(t, h.DB.Model(&domain.EventRecord{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestIngestRejectsBadInput(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	payload, headers := processortest.Webhook(processor.Event{ID: "evt_1", Type: processor.EventIntentSucceeded, ResourceID: "pi_1"})

	forged := headers.Clone()
	forged.Set(processortest.SignatureHeader, "deadbeef")
	require.ErrorIs(t, h.Webhooks.Ingest(ctx, processortest.Provider, payload, forged), processor.ErrInvalidSignature)

	require.ErrorIs(t, h.Webhooks.Ingest(ctx, "", payload, headers), domain.ErrInvalidProvider)
	require.ErrorIs(t, h.Webhooks.Ingest(ctx, "unknown", payload, headers), domain.ErrInvalidProvider)
	require.ErrorIs(t, h.Webhooks.Ingest(ctx, processortest.Provider, []byte("not json"), headers), domain.ErrInvalidPayload)

	noType, noTypeHeaders := processortest.Webhook(processor.Event{ID: "evt_2"})
	require.ErrorIs(t, h.Webhooks.Ingest(ctx, processortest.Provider, noType, noTypeHeaders), processor.ErrInvalidEvent)

	var count int64
	require.NoError(t, h.DB.Model(&domain.EventRecord{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestUnknownEventTypeIsAcknowledged(t *testing.T) {
	h := testutil.NewHarness(t)
	require.NoError(t, h.Deliver(t, processor.Event{ID: "evt_customer", Type: "customer.updated", ResourceID: "cus_1"}))

	row := storedEvent(t, h, "evt_customer")
	require.NotNil(t, row.ProcessedAt)
	require.Nil(t, row.LastError)
}

func TestStaleTransitionIsAcknowledgedAndAudited(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 500, testutil.Flow("acct_promoters"))

	require.NoError(t, h.Deliver(t, processor.Event{
		ID:          "evt_late_failure",
		Type:        processor.EventIntentPaymentFailed,
		ResourceID:  intent.External(),
		FailureCode: "card_declined",
	}))

	stored, err := h.Payments.GetIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, paymentdomain.StatusSucceeded, stored.Status)

	row := storedEvent(t, h, "evt_late_failure")
	require.NotNil(t, row.ProcessedAt)
	require.NotNil(t, row.LastError)

	logs, err := h.Audit.List(ctx, auditdomain.ListFilter{Action: auditdomain.ActionWebhookRejected})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "evt_late_failure", logs[0].Metadata["event_id"])
	require.Equal(t, string(auditdomain.ActorTypeProcessor), logs[0].ActorType)
	require.NotNil(t, logs[0].ActorID)
	require.Equal(t, processortest.Provider, *logs[0].ActorID)
	require.NotNil(t, logs[0].RequestID)
	require.Equal(t, "evt_late_failure", *logs[0].RequestID)
}

func TestHaltedAllocationDefersTransferPaid(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	promoterID := snowflake.ID(10201)
	h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_platform"))
	_, err := h.Payouts.SetPreference(ctx, payoutdomain.Preference{
		PromoterID:           promoterID,
		Frequency:            payoutdomain.FrequencyWeekly,
		MinimumAmount:        20,
		DestinationAccountID: "acct_promoter",
	})
	require.NoError(t, err)
	_, err = h.Payouts.OnWorkApproved(ctx, payoutdomain.WorkApproval{CampaignID: campaignID, PromoterID: promoterID, Amount: 50, Category: payoutdomain.CategoryVisibility})
	require.NoError(t, err)

	h.Clock.Set(time.Date(2025, 3, 10, 1, 0, 0, 0, time.UTC))
	run, err := h.Payouts.Run(ctx, payoutdomain.TriggerManual)
	require.NoError(t, err)
	transfers, err := h.Transfers.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	sent, err := h.Transfers.Execute(ctx, transfers[0].ID)
	require.NoError(t, err)

	alloc, err := h.Allocations.Current(ctx, campaignID)
	require.NoError(t, err)
	require.NoError(t, h.Allocations.Halt(ctx, nil, alloc.ID, "manual review"))

	require.NoError(t, h.Deliver(t, processor.Event{
		ID:         "evt_paid_while_halted",
		Type:       processor.EventTransferPaid,
		ResourceID: sent.External(),
	}))

	row := storedEvent(t, h, "evt_paid_while_halted")
	require.Nil(t, row.ProcessedAt)
	require.NotNil(t, row.LastError)
	require.Contains(t, *row.LastError, apperr.ErrEntityHalted.Error())
	stored, err := h.Transfers.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, transferdomain.StatusPending, stored.Status)

	logs, err := h.Audit.List(ctx, auditdomain.ListFilter{Action: auditdomain.ActionWebhookRejected})
	require.NoError(t, err)
	require.Empty(t, logs)

	// Still halted: replay leaves it waiting.
	processed, err := h.Webhooks.ReplayUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)
	require.Nil(t, storedEvent(t, h, "evt_paid_while_halted").ProcessedAt)

	require.NoError(t, h.DB.Model(&allocationdomain.BudgetAllocation{}).
		Where("id = ?", alloc.ID).
		Updates(map[string]any{"halted_at": nil, "halt_reason": nil}).Error)

	processed, err = h.Webhooks.ReplayUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.NotNil(t, storedEvent(t, h, "evt_paid_while_halted").ProcessedAt)

	stored, err = h.Transfers.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, transferdomain.StatusPaid, stored.Status)
	alloc, err = h.Allocations.Current(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, int64(50), alloc.PromoterPaid)
}

func TestUnknownResourceIsKeptForReplay(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))

	transfer, err := h.Transfers.Create(ctx, nil, transferdomain.CreateRequest{
		PaymentIntentIDs: []snowflake.ID{intent.ID},
		RecipientID:      snowflake.ID(10201),
		Amount:           400,
	})
	require.NoError(t, err)

	// The processor accepts the transfer but its response has not been
	// recorded yet when the paid notification arrives.
	accepted, err := h.Processor.CreateTransfer(ctx, processor.TransferRequest{
		IdempotencyKey:       transfer.IdempotencyKey,
		Amount:               transfer.Amount,
		Currency:             transfer.Currency,
		DestinationAccountID: transfer.DestinationAccountID,
	})
	require.NoError(t, err)

	err = h.Deliver(t, processor.Event{ID: "evt_early_paid", Type: processor.EventTransferPaid, ResourceID: accepted.ExternalID})
	require.ErrorIs(t, err, transferdomain.ErrTransferNotFound)

	row := storedEvent(t, h, "evt_early_paid")
	require.Nil(t, row.ProcessedAt)
	require.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)

	sent, err := h.Transfers.Execute(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, accepted.ExternalID, sent.External())

	processed, err := h.Webhooks.ReplayUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	paid, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, transferdomain.StatusPaid, paid.Status)

	row = storedEvent(t, h, "evt_early_paid")
	require.NotNil(t, row.ProcessedAt)
	require.Equal(t, 2, row.Attempts)

	processed, err = h.Webhooks.ReplayUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)
}

func TestRefundNotificationsRouteToCharges(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 500, testutil.Flow("acct_promoters"))

	require.NoError(t, h.Deliver(t, processor.Event{
		Type:       processor.EventChargeRefunded,
		ResourceID: intent.External(),
		RefundID:   "re_portal",
		Amount:     125,
	}))
	charge, err := h.Charges.ByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, chargedomain.ChargeStatusPartiallyRefunded, charge.Status)
	require.Equal(t, int64(125), charge.RefundedAmount)

	// A failure reported for a settled refund changes nothing.
	require.NoError(t, h.Deliver(t, processor.Event{
		Type:     processor.EventRefundFailed,
		RefundID: "re_portal",
	}))
	charge, err = h.Charges.ByIntent(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(125), charge.RefundedAmount)
}

func TestReplayLogsWhenFailureCannotBeRecorded(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	core, logs := observer.New(zapcore.WarnLevel)
	undo := zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(undo)

	require.NoError(t, h.DB.Create(&domain.EventRecord{
		ID:              h.Node.Generate(),
		Provider:        processortest.Provider,
		ExternalEventID: "evt_truncated",
		Type:            "unknown",
		PayloadHash:     "hash",
		Payload:         datatypes.JSON(`{"note":"truncated"}`),
		ReceivedAt:      h.Clock.Now(),
	}).Error)

	require.NoError(t, h.DB.Callback().Update().Before("gorm:update").Register("test:fail_webhook_updates", func(db *gorm.DB) {
		if db.Statement.Table == "webhook_events" {
			_ = db.AddError(errors.New("disk full"))
		}
	}))

	processed, err := h.Webhooks.ReplayUnprocessed(ctx, 10)
	require.ErrorIs(t, err, processor.ErrInvalidEvent)
	require.Zero(t, processed)

	entries := logs.FilterMessage("record webhook replay failure").All()
	require.Len(t, entries, 1)
	require.Equal(t, "evt_truncated", entries[0].ContextMap()["event_id"])
}
