package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

const (
	SourceTypeCharge      = "charge"
	SourceTypeRefund      = "refund"
	SourceTypePlatformFee = "platform_fee"
	SourceTypeFeeReversal = "platform_fee_reversal"
	SourceTypeTransfer    = "transfer"
	SourceTypeEarning     = "promoter_earning"
)

// Chart of accounts. A successful charge debits cash_clearing and credits
// campaign_escrow; escrow is drawn down by platform fees, refunds and
// approved promoter earnings, which sit in promoter_payouts until paid.
const (
	AccountCodeCashClearing       = "cash_clearing"
	AccountCodeCampaignEscrow     = "campaign_escrow"
	AccountCodePlatformFeeRevenue = "platform_fee_revenue"
	AccountCodePromoterPayouts    = "promoter_payouts"
)

var accountNames = map[string]string{
	AccountCodeCashClearing:       "Cash clearing",
	AccountCodeCampaignEscrow:     "Campaign escrow",
	AccountCodePlatformFeeRevenue: "Platform fee revenue",
	AccountCodePromoterPayouts:    "Promoter payouts",
}

// AccountName returns the display name of a known account code.
func AccountName(code string) (string, bool) {
	name, ok := accountNames[code]
	return name, ok
}

// LedgerAccount defines a chart-of-accounts entry.
type LedgerAccount struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Code      string       `gorm:"type:text;not null;uniqueIndex"`
	Name      string       `gorm:"type:text;not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry is the immutable header of one money movement. A source is
// posted at most once.
type LedgerEntry struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	SourceType string       `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	CampaignID snowflake.ID `gorm:"not null;index"`
	Currency   string       `gorm:"type:text;not null"`
	OccurredAt time.Time    `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }
