package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/ledger/domain"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/stretchr/testify/require"
)

func TestCreateEntryIsIdempotentPerSource(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()

	charge := domain.Entry{
		SourceType: domain.SourceTypeCharge,
		SourceID:   snowflake.ID(901),
		CampaignID: snowflake.ID(90),
		Currency:   "usd",
		OccurredAt: h.Clock.Now(),
		Lines:      domain.Post(domain.AccountCodeCashClearing, domain.AccountCodeCampaignEscrow, 500),
	}
	require.NoError(t, h.Ledger.CreateEntry(ctx, nil, charge))
	require.NoError(t, h.Ledger.CreateEntry(ctx, nil, charge))

	require.NoError(t, h.Ledger.CreateEntry(ctx, nil, domain.Entry{
		SourceType: domain.SourceTypePlatformFee,
		SourceID:   snowflake.ID(901),
		CampaignID: snowflake.ID(90),
		Currency:   "USD",
		OccurredAt: h.Clock.Now(),
		Lines:      domain.Post(domain.AccountCodeCampaignEscrow, domain.AccountCodePlatformFeeRevenue, 50),
	}))

	cash, err := h.Ledger.Balance(ctx, domain.AccountCodeCashClearing, "usd")
	require.NoError(t, err)
	require.EqualValues(t, 500, cash)

	escrow, err := h.Ledger.Balance(ctx, domain.AccountCodeCampaignEscrow, "USD")
	require.NoError(t, err)
	require.EqualValues(t, -450, escrow)

	revenue, err := h.Ledger.Balance(ctx, domain.AccountCodePlatformFeeRevenue, "USD")
	require.NoError(t, err)
	require.EqualValues(t, -50, revenue)

	other, err := h.Ledger.Balance(ctx, domain.AccountCodeCashClearing, "EUR")
	require.NoError(t, err)
	require.Zero(t, other)
}

func TestCreateEntryValidation(t *testing.T) {
	h := testutil.NewHarness(t)
	ctx := context.Background()
	valid := domain.Entry{
		SourceType: domain.SourceTypeTransfer,
		SourceID:   snowflake.ID(902),
		Currency:   "USD",
		OccurredAt: h.Clock.Now(),
		Lines:      domain.Post(domain.AccountCodeCampaignEscrow, domain.AccountCodePromoterPayouts, 100),
	}

	entry := valid
	entry.SourceType = ""
	require.ErrorIs(t, h.Ledger.CreateEntry(ctx, nil, entry), domain.ErrInvalidSourceType)

	entry = valid
	entry.SourceID = 0
	require.ErrorIs(t, h.Ledger.CreateEntry(ctx, nil, entry), domain.ErrInvalidSourceID)

	entry = valid
	entry.OccurredAt = time.Time{}
	require.ErrorIs(t, h.Ledger.CreateEntry(ctx, nil, entry), domain.ErrInvalidOccurredAt)

	entry = valid
	entry.Currency = " "
	require.ErrorIs(t, h.Ledger.CreateEntry(ctx, nil, entry), domain.ErrInvalidCurrency)

	entry = valid
	entry.Lines = []domain.Line{
		{AccountCode: domain.AccountCodeCampaignEscrow, Direction: domain.LedgerEntryDirectionDebit, Amount: 100},
		{AccountCode: domain.AccountCodePromoterPayouts, Direction: domain.LedgerEntryDirectionCredit, Amount: 90},
	}
	require.ErrorIs(t, h.Ledger.CreateEntry(ctx, nil, entry), domain.ErrUnbalancedEntry)

	balance, err := h.Ledger.Balance(ctx, domain.AccountCodePromoterPayouts, "USD")
	require.NoError(t, err)
	require.Zero(t, balance)
}
