package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/allocation/domain"
	"github.com/smallbiznis/settlement/internal/allocation/service"
	"github.com/smallbiznis/settlement/internal/apperr"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/fee"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	campaignID = snowflake.ID(4242)
	intentID   = snowflake.ID(777)
	tenPercent = fee.Percentage(decimal.RequireFromString("0.10"))
)

func newService(t *testing.T) (domain.Service, *gorm.DB, *clock.FixedClock) {
	t.Helper()
	db := testutil.NewDB(t)
	clk := clock.NewFixed(time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC))
	svc := service.NewService(service.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     testutil.NewNode(t),
		Clock:     clk,
		Estimator: fee.DefaultProcessorEstimator(),
	})
	return svc, db, clk
}

func allocate(t *testing.T, svc domain.Service, total int64) *domain.BudgetAllocation {
	t.Helper()
	alloc, err := svc.Allocate(context.Background(), domain.AllocateRequest{
		CampaignID:   campaignID,
		TotalBudget:  total,
		Currency:     "usd",
		CampaignType: "visibility",
		FeePolicy:    tenPercent,
	})
	require.NoError(t, err)
	return alloc
}

func requireBalanced(t *testing.T, svc domain.Service, id snowflake.ID) *domain.BudgetAllocation {
	t.Helper()
	alloc, err := svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, domain.Verify(alloc))
	return alloc
}

func TestAllocateSplitsBudget(t *testing.T) {
	svc, _, _ := newService(t)

	alloc := allocate(t, svc, 100000)

	require.Equal(t, int64(10000), alloc.PlatformFee)
	require.Equal(t, int64(2930), alloc.ProcessorFee)
	require.Equal(t, int64(87070), alloc.PromoterPayout)
	require.Equal(t, int64(100000), alloc.BudgetReserved)
	require.Equal(t, int64(0), alloc.BudgetSpent)
	require.Equal(t, int64(100000), alloc.BudgetRemaining)
	require.Equal(t, "USD", alloc.Currency)
	require.False(t, alloc.IsFunded)
	require.True(t, alloc.IsCurrent)
	require.Equal(t, 1, alloc.Sequence)
	require.True(t, alloc.ExpectedPromoterShare.Equal(decimal.RequireFromString("0.8707")))

	stored := requireBalanced(t, svc, alloc.ID)
	require.Equal(t, int64(87070), stored.PromoterPayout)
}

func TestAllocateRejectsBudgetWithoutPayout(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Allocate(ctx, domain.AllocateRequest{CampaignID: campaignID, TotalBudget: 30, Currency: "USD", FeePolicy: fee.None()})
	require.ErrorIs(t, err, domain.ErrInvalidBudget)
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Allocate(ctx, domain.AllocateRequest{CampaignID: campaignID, TotalBudget: -5, Currency: "USD", FeePolicy: fee.None()})
	require.ErrorIs(t, err, domain.ErrInvalidBudget)

	_, err = svc.Allocate(ctx, domain.AllocateRequest{CampaignID: campaignID, TotalBudget: 1000, Currency: "USD", FeePolicy: fee.Policy{Type: "tiered"}})
	require.ErrorIs(t, err, fee.ErrInvalidPolicy)

	history, err := svc.History(ctx, campaignID)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestMarkFundedThenSpendAndRefund(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	alloc := allocate(t, svc, 100000)

	require.NoError(t, svc.AttachIntent(ctx, nil, alloc.ID, intentID))
	funded, err := svc.MarkFunded(ctx, nil, alloc.ID, intentID, clk.Now())
	require.NoError(t, err)
	require.True(t, funded.IsFunded)
	require.Equal(t, int64(0), funded.BudgetSpent)

	again, err := svc.MarkFunded(ctx, nil, alloc.ID, intentID, clk.Now().Add(time.Hour))
	require.NoError(t, err)
	require.True(t, again.FundedAt.Equal(*funded.FundedAt))

	require.NoError(t, svc.ApplySpend(ctx, nil, campaignID, 100000))
	got := requireBalanced(t, svc, alloc.ID)
	require.Equal(t, int64(100000), got.BudgetSpent)
	require.Equal(t, int64(0), got.BudgetRemaining)

	require.NoError(t, svc.ApplyRefund(ctx, nil, campaignID, 20000))
	got = requireBalanced(t, svc, alloc.ID)
	require.Equal(t, int64(100000), got.BudgetSpent)
	require.Equal(t, int64(20000), got.BudgetRemaining)
	require.Equal(t, int64(120000), got.BudgetReserved)

	err = svc.ApplySpend(ctx, nil, campaignID, 20001)
	require.ErrorIs(t, err, domain.ErrInsufficientBudget)
}

func TestMarkFundedRejectsOtherIntent(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	alloc := allocate(t, svc, 100000)
	require.NoError(t, svc.AttachIntent(ctx, nil, alloc.ID, intentID))

	_, err := svc.MarkFunded(ctx, nil, alloc.ID, snowflake.ID(1), clk.Now())
	require.ErrorIs(t, err, domain.ErrIntentMismatch)
}

func TestSpendBeforeFundingIsRejected(t *testing.T) {
	svc, _, _ := newService(t)
	allocate(t, svc, 100000)

	err := svc.ApplySpend(context.Background(), nil, campaignID, 10)
	require.ErrorIs(t, err, domain.ErrNotFunded)
}

func TestAllocateWhileFundingOpenOrFunded(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	alloc := allocate(t, svc, 100000)

	_, err := svc.Allocate(ctx, domain.AllocateRequest{CampaignID: campaignID, TotalBudget: 5000, Currency: "USD", FeePolicy: tenPercent})
	require.ErrorIs(t, err, domain.ErrFundingInProgress)

	_, err = svc.MarkFunded(ctx, nil, alloc.ID, intentID, clk.Now())
	require.NoError(t, err)

	_, err = svc.Allocate(ctx, domain.AllocateRequest{CampaignID: campaignID, TotalBudget: 5000, Currency: "USD", FeePolicy: tenPercent})
	require.ErrorIs(t, err, domain.ErrAllocationExists)
}

func TestDiscardAllowsNewFundingAttempt(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	first := allocate(t, svc, 100000)

	require.NoError(t, svc.Discard(ctx, nil, first.ID))
	_, err := svc.Current(ctx, campaignID)
	require.ErrorIs(t, err, domain.ErrAllocationNotFound)

	second := allocate(t, svc, 50000)
	require.Equal(t, 2, second.Sequence)

	current, err := svc.Current(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, second.ID, current.ID)
}

func TestIncreaseBudgetCreatesSnapshot(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()

	first := allocate(t, svc, 100000)
	_, err := svc.IncreaseBudget(ctx, campaignID, 50000)
	require.ErrorIs(t, err, domain.ErrNotFunded)

	_, err = svc.MarkFunded(ctx, nil, first.ID, intentID, clk.Now())
	require.NoError(t, err)
	require.NoError(t, svc.ApplySpend(ctx, nil, campaignID, 100000))
	_, err = svc.CommitEarnings(ctx, nil, campaignID, 5000)
	require.NoError(t, err)

	topUp, err := svc.IncreaseBudget(ctx, campaignID, 50000)
	require.NoError(t, err)
	require.Equal(t, 2, topUp.Sequence)
	require.False(t, topUp.IsCurrent)
	require.Equal(t, int64(150000), topUp.TotalBudget)
	require.Equal(t, int64(50000), topUp.FundingAmount)
	require.Equal(t, int64(5000), topUp.FundingPlatformFee)
	require.Equal(t, int64(1480), topUp.FundingProcessorFee)
	require.NoError(t, domain.Verify(topUp))

	_, err = svc.IncreaseBudget(ctx, campaignID, 1000)
	require.ErrorIs(t, err, domain.ErrFundingInProgress)

	current, err := svc.Current(ctx, campaignID)
	require.NoError(t, err)
	require.Equal(t, first.ID, current.ID)

	topUpIntent := snowflake.ID(778)
	funded, err := svc.MarkFunded(ctx, nil, topUp.ID, topUpIntent, clk.Now())
	require.NoError(t, err)
	require.True(t, funded.IsCurrent)
	require.Equal(t, int64(150000), funded.BudgetReserved)
	require.Equal(t, int64(100000), funded.BudgetSpent)
	require.Equal(t, int64(50000), funded.BudgetRemaining)
	require.Equal(t, int64(5000), funded.PromoterCommitted)
	requireBalanced(t, svc, topUp.ID)

	previous := requireBalanced(t, svc, first.ID)
	require.False(t, previous.IsCurrent)
	require.NotNil(t, previous.SupersededAt)
	require.Equal(t, int64(100000), previous.BudgetSpent)

	history, err := svc.History(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestCommitAndPayEarnings(t *testing.T) {
	svc, db, clk := newService(t)
	ctx := context.Background()
	alloc := allocate(t, svc, 100000)
	_, err := svc.MarkFunded(ctx, nil, alloc.ID, intentID, clk.Now())
	require.NoError(t, err)

	_, err = svc.CommitEarnings(ctx, nil, campaignID, 87071)
	require.ErrorIs(t, err, domain.ErrInsufficientPayoutBudget)

	committed, err := svc.CommitEarnings(ctx, nil, campaignID, 80000)
	require.NoError(t, err)
	require.Equal(t, int64(7070), committed.UncommittedPayout())

	require.NoError(t, svc.RecordPromoterPaid(ctx, nil, campaignID, 30000))

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.RecordPromoterPaid(ctx, tx, campaignID, 60000)
	})
	require.ErrorIs(t, err, domain.ErrAllocationInvariant)
	require.ErrorIs(t, err, apperr.ErrInvariantViolation)

	got := requireBalanced(t, svc, alloc.ID)
	require.Equal(t, int64(30000), got.PromoterPaid)
	require.True(t, got.ActualPromoterShare.Equal(decimal.RequireFromString("0.3")))
}

func TestHaltStopsAutomatedMutations(t *testing.T) {
	svc, _, clk := newService(t)
	ctx := context.Background()
	alloc := allocate(t, svc, 100000)
	_, err := svc.MarkFunded(ctx, nil, alloc.ID, intentID, clk.Now())
	require.NoError(t, err)

	require.NoError(t, svc.Halt(ctx, nil, alloc.ID, "reserved mismatch"))
	require.NoError(t, svc.Halt(ctx, nil, alloc.ID, "again"))

	err = svc.ApplySpend(ctx, nil, campaignID, 10)
	require.True(t, errors.Is(err, apperr.ErrEntityHalted))

	got, err := svc.Get(ctx, alloc.ID)
	require.NoError(t, err)
	require.Equal(t, "reserved mismatch", *got.HaltReason)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	alloc := &domain.BudgetAllocation{
		TotalBudget: 100, PlatformFee: 10, ProcessorFee: 5, PromoterPayout: 85,
		BudgetReserved: 100, BudgetSpent: 40, BudgetRemaining: 50,
	}
	require.ErrorIs(t, domain.Verify(alloc), domain.ErrAllocationInvariant)

	alloc.BudgetRemaining = 60
	require.NoError(t, domain.Verify(alloc))

	alloc.PromoterPayout = 80
	require.ErrorIs(t, domain.Verify(alloc), domain.ErrAllocationInvariant)
}
