package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/fee"
)

// BudgetAllocation is one snapshot of a campaign's budget split. A campaign
// has at most one current snapshot; a budget increase creates the next
// sequence, which becomes current once its top-up payment succeeds.
type BudgetAllocation struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	CampaignID      snowflake.ID  `gorm:"not null;uniqueIndex:ux_budget_allocations_sequence,priority:1"`
	Sequence        int           `gorm:"not null;uniqueIndex:ux_budget_allocations_sequence,priority:2"`
	IsCurrent       bool          `gorm:"not null;default:false;index"`
	SupersededAt    *time.Time    `gorm:"column:superseded_at"`
	PaymentIntentID *snowflake.ID `gorm:"column:payment_intent_id;index"`
	CampaignType    string        `gorm:"type:text"`
	Currency        string        `gorm:"type:text;not null"`

	TotalBudget    int64 `gorm:"not null"`
	PlatformFee    int64 `gorm:"not null"`
	ProcessorFee   int64 `gorm:"not null"`
	PromoterPayout int64 `gorm:"not null"`

	// Funding* describe what the linked payment intent collects: the whole
	// budget for the first snapshot, the increase for a top-up.
	FundingAmount       int64 `gorm:"not null"`
	FundingPlatformFee  int64 `gorm:"not null"`
	FundingProcessorFee int64 `gorm:"not null"`

	FeeType   fee.PolicyType  `gorm:"type:text;not null"`
	FeeRate   decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	FeeAmount int64           `gorm:"not null;default:0"`

	BudgetReserved    int64 `gorm:"not null"`
	BudgetSpent       int64 `gorm:"not null"`
	BudgetRemaining   int64 `gorm:"not null"`
	PromoterCommitted int64 `gorm:"not null;default:0"`
	PromoterPaid      int64 `gorm:"not null;default:0"`

	ExpectedPromoterShare decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	ActualPromoterShare   decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`

	IsFunded   bool       `gorm:"not null;default:false"`
	FundedAt   *time.Time `gorm:"column:funded_at"`
	HaltedAt   *time.Time `gorm:"column:halted_at"`
	HaltReason *string    `gorm:"column:halt_reason;type:text"`
	Version    int64      `gorm:"not null;default:0"`
	CreatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BudgetAllocation) TableName() string { return "budget_allocations" }

// FeePolicy returns the platform fee policy snapshotted on the allocation.
func (a *BudgetAllocation) FeePolicy() fee.Policy {
	return fee.Policy{Type: a.FeeType, Rate: a.FeeRate, Amount: a.FeeAmount}
}

// UncommittedPayout is the promoter payout not yet promised to approved work.
func (a *BudgetAllocation) UncommittedPayout() int64 {
	return a.PromoterPayout - a.PromoterCommitted
}

func (a *BudgetAllocation) Halted() bool { return a.HaltedAt != nil }

// Discarded reports a snapshot whose funding was abandoned before it became
// current.
func (a *BudgetAllocation) Discarded() bool { return !a.IsFunded && a.SupersededAt != nil }
