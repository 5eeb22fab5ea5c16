package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/apperr"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/smallbiznis/settlement/internal/transfer/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	campaignID   = snowflake.ID(5001)
	advertiserID = snowflake.ID(6001)
	promoterID   = snowflake.ID(7001)
)

type recordingHook struct {
	mu       sync.Mutex
	statuses []domain.Status
}

func (r *recordingHook) OnTransferFinalized(_ context.Context, _ *gorm.DB, transfer *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, transfer.Status)
	return nil
}

func (r *recordingHook) seen() []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.statuses...)
}

func create(t *testing.T, h *testutil.Harness, intent *paymentdomain.PaymentIntent, amount int64) (*domain.Transfer, error) {
	t.Helper()
	return h.Transfers.Create(context.Background(), nil, domain.CreateRequest{
		PaymentIntentIDs: []snowflake.ID{intent.ID},
		RecipientID:      promoterID,
		Amount:           amount,
	})
}

func TestCreateRequiresSucceededIntent(t *testing.T) {
	h := testutil.NewHarness(t)
	_, intent := h.Open(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))

	_, err := create(t, h, intent, 500)
	require.ErrorIs(t, err, domain.ErrTransferNotEligible)

	_, err = h.Transfers.Create(context.Background(), nil, domain.CreateRequest{RecipientID: promoterID, Amount: 500})
	require.ErrorIs(t, err, domain.ErrMissingIntent)
}

func TestCreateWaitsForGoalCompletion(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	flow := testutil.Flow("acct_promoters")
	flow.RequiresGoalCompletion = true
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, flow)

	_, err := create(t, h, intent, 500)
	require.ErrorIs(t, err, domain.ErrTransferNotEligible)

	require.NoError(t, h.Payments.SignalGoalCompleted(ctx, campaignID, h.Clock.Now()))
	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, transfer.Status)
	require.Equal(t, "acct_promoters", transfer.DestinationAccountID)
	require.Equal(t, "tr:"+transfer.ID.String(), transfer.IdempotencyKey)
	require.Nil(t, transfer.ReleaseAt)
	require.False(t, transfer.ManualRelease)
}

func TestHoldPeriodDelaysRelease(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	flow := testutil.Flow("acct_promoters")
	flow.HoldPeriodDays = 7
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, flow)

	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)
	require.NotNil(t, transfer.ReleaseAt)
	require.True(t, transfer.ReleaseAt.Equal(intent.SucceededAt.AddDate(0, 0, 7)))

	_, err = h.Transfers.Execute(ctx, transfer.ID)
	require.ErrorIs(t, err, domain.ErrTransferNotDue)

	sent, err := h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Empty(t, h.Processor.Calls(processortest.OpCreateTransfer))

	h.Clock.Advance(7 * 24 * time.Hour)
	sent, err = h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	stored, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ExecutionAckedAt)
	require.NotEmpty(t, stored.External())
	require.Equal(t, domain.StatusPending, stored.Status)

	// A second pass finds nothing left to send.
	sent, err = h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Len(t, h.Processor.Calls(processortest.OpCreateTransfer), 1)
}

func TestManualReleaseFlow(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	flow := testutil.Flow("acct_promoters")
	flow.AutoReleaseFunds = false
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, flow)

	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)
	require.True(t, transfer.ManualRelease)

	_, err = h.Transfers.Execute(ctx, transfer.ID)
	require.ErrorIs(t, err, domain.ErrManualRelease)

	sent, err := h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, sent)

	released, err := h.Transfers.Release(ctx, transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, released.ExecutionAckedAt)

	logs, err := h.Audit.List(ctx, auditdomain.ListFilter{Action: auditdomain.ActionTransferReleased})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	// Releasing again does not resend.
	_, err = h.Transfers.Release(ctx, transfer.ID)
	require.NoError(t, err)
	require.Len(t, h.Processor.Calls(processortest.OpCreateTransfer), 1)
}

func TestExecuteRecordsProcessorFailure(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))
	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)

	h.Processor.Fail(processortest.OpCreateTransfer, errors.New("destination account restricted"))
	_, err = h.Transfers.Execute(ctx, transfer.ID)
	require.ErrorIs(t, err, apperr.ErrExternalProcessor)

	stored, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, stored.Status)
	require.NotNil(t, stored.FailureCode)
	require.NotNil(t, stored.ExecutionRequestedAt)
	require.Nil(t, stored.ExternalID)

	// The retry reuses the idempotency key and clears the failure.
	h.Processor.Fail(processortest.OpCreateTransfer, nil)
	stored, err = h.Transfers.Execute(ctx, transfer.ID)
	require.NoError(t, err)
	require.Nil(t, stored.FailureCode)
	require.NotNil(t, stored.ExecutionAckedAt)

	calls := h.Processor.Calls(processortest.OpCreateTransfer)
	require.Len(t, calls, 2)
	require.Equal(t, calls[0], calls[1])
}

func TestReleaseDueLeavesFailedTransfersForReview(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))
	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)

	h.Processor.Fail(processortest.OpCreateTransfer, errors.New("destination account restricted"))
	sent, err := h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Len(t, h.Processor.Calls(processortest.OpCreateTransfer), 1)

	failed, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.FailureCode)

	h.Processor.Fail(processortest.OpCreateTransfer, nil)
	h.Clock.Advance(16 * time.Minute)
	sent, err = h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Len(t, h.Processor.Calls(processortest.OpCreateTransfer), 1)

	stored, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.FailureCode)
	require.Equal(t, *failed.FailureCode, *stored.FailureCode)
	require.Nil(t, stored.ExecutionAckedAt)

	// The operator retry is the only way forward.
	stored, err = h.Transfers.Execute(ctx, transfer.ID)
	require.NoError(t, err)
	require.Nil(t, stored.FailureCode)
	require.NotNil(t, stored.ExecutionAckedAt)
	require.Len(t, h.Processor.Calls(processortest.OpCreateTransfer), 2)
}

func TestReleaseDueReclaimsStaleRequestWithoutFailure(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))
	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)

	// A worker marked the transfer requested and died before calling out.
	require.NoError(t, h.DB.Model(&domain.Transfer{}).
		Where("id = ?", transfer.ID).
		Update("execution_requested_at", h.Clock.Now()).Error)

	sent, err := h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, sent)

	h.Clock.Advance(16 * time.Minute)
	sent, err = h.Transfers.ReleaseDue(ctx, h.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Len(t, h.Processor.Calls(processortest.OpCreateTransfer), 1)
}

func TestCancelRules(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))

	sent, err := create(t, h, intent, 300)
	require.NoError(t, err)
	_, err = h.Transfers.Execute(ctx, sent.ID)
	require.NoError(t, err)
	_, err = h.Transfers.Cancel(ctx, sent.ID, "promoter left")
	require.ErrorIs(t, err, domain.ErrExecutionAcknowledged)

	inFlight, err := create(t, h, intent, 100)
	require.NoError(t, err)
	require.NoError(t, h.DB.Model(&domain.Transfer{}).
		Where("id = ?", inFlight.ID).
		Update("execution_requested_at", h.Clock.Now()).Error)
	_, err = h.Transfers.Cancel(ctx, inFlight.ID, "promoter left")
	require.ErrorIs(t, err, domain.ErrExecutionInFlight)

	hook := &recordingHook{}
	h.Transfers.RegisterHook(hook)

	idle, err := create(t, h, intent, 100)
	require.NoError(t, err)
	canceled, err := h.Transfers.Cancel(ctx, idle.ID, "promoter left")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)
	require.Equal(t, []domain.Status{domain.StatusCanceled}, hook.seen())

	_, err = h.Transfers.Cancel(ctx, idle.ID, "again")
	require.NoError(t, err)
	require.Len(t, hook.seen(), 1)

	_, err = h.Transfers.Execute(ctx, idle.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	logs, err := h.Audit.List(ctx, auditdomain.ListFilter{Action: auditdomain.ActionTransferCanceled})
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestProcessorOutcomeFinalizesTransfer(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	hook := &recordingHook{}
	h.Transfers.RegisterHook(hook)
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))

	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)
	transfer, err = h.Transfers.Execute(ctx, transfer.ID)
	require.NoError(t, err)

	paid := processor.Event{Type: processor.EventTransferPaid, ResourceID: transfer.External(), Amount: 500}
	require.NoError(t, h.Deliver(t, paid))

	stored, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaid, stored.Status)
	require.NotNil(t, stored.TransferredAt)
	require.Equal(t, []domain.Status{domain.StatusPaid}, hook.seen())

	// Repeating the outcome is a no-op.
	again, err := h.Transfers.ApplyTransition(ctx, domain.Transition{ExternalID: transfer.External(), To: domain.StatusPaid})
	require.NoError(t, err)
	require.Equal(t, stored.Version, again.Version)
	require.Len(t, hook.seen(), 1)

	_, err = h.Transfers.ApplyTransition(ctx, domain.Transition{ExternalID: transfer.External(), To: domain.StatusFailed})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.Transfers.ApplyTransition(ctx, domain.Transition{ExternalID: "tr_unknown", To: domain.StatusPaid})
	require.ErrorIs(t, err, domain.ErrTransferNotFound)
}

func TestFailedOutcomeKeepsFailureDetail(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	_, intent := h.Fund(t, campaignID, advertiserID, 1000, testutil.Flow("acct_promoters"))

	transfer, err := create(t, h, intent, 500)
	require.NoError(t, err)
	transfer, err = h.Transfers.Execute(ctx, transfer.ID)
	require.NoError(t, err)

	require.NoError(t, h.Deliver(t, processor.Event{
		Type:           processor.EventTransferFailed,
		ResourceID:     transfer.External(),
		FailureCode:    "account_closed",
		FailureMessage: "the destination account is closed",
	}))

	stored, err := h.Transfers.Get(ctx, transfer.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, stored.Status)
	require.Equal(t, "account_closed", *stored.FailureCode)
	require.Equal(t, "the destination account is closed", *stored.FailureMessage)
}
