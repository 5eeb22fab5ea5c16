package domain

import (
	"errors"
	"testing"
)

func TestValidateBalanced(t *testing.T) {
	cases := []struct {
		name  string
		lines []Line
		want  error
	}{
		{"move", Post(AccountCodeCashClearing, AccountCodeCampaignEscrow, 500), nil},
		{"single line", Post(AccountCodeCashClearing, AccountCodeCampaignEscrow, 500)[:1], ErrInvalidEntryLines},
		{"zero amount", Post(AccountCodeCashClearing, AccountCodeCampaignEscrow, 0), ErrInvalidLineAmount},
		{"unknown account", Post("suspense", AccountCodeCampaignEscrow, 10), ErrInvalidAccount},
		{"unbalanced", []Line{
			{AccountCode: AccountCodeCampaignEscrow, Direction: LedgerEntryDirectionDebit, Amount: 10},
			{AccountCode: AccountCodeCashClearing, Direction: LedgerEntryDirectionCredit, Amount: 9},
		}, ErrUnbalancedEntry},
		{"bad direction", []Line{
			{AccountCode: AccountCodeCampaignEscrow, Direction: "sideways", Amount: 10},
			{AccountCode: AccountCodeCashClearing, Direction: LedgerEntryDirectionCredit, Amount: 10},
		}, ErrInvalidLineDirection},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateBalanced(tc.lines); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPostDirections(t *testing.T) {
	lines := Post(AccountCodeCampaignEscrow, AccountCodePlatformFeeRevenue, 100)
	if lines[0].AccountCode != AccountCodeCampaignEscrow || lines[0].Direction != LedgerEntryDirectionDebit {
		t.Fatalf("unexpected debit line %+v", lines[0])
	}
	if lines[1].AccountCode != AccountCodePlatformFeeRevenue || lines[1].Direction != LedgerEntryDirectionCredit {
		t.Fatalf("unexpected credit line %+v", lines[1])
	}
}
