package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Category is the kind of work a promoter was paid for.
type Category string

const (
	CategoryVisibility Category = "visibility"
	CategoryConsultant Category = "consultant"
	CategorySeller     Category = "seller"
	CategorySalesman   Category = "salesman"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryVisibility, CategoryConsultant, CategorySeller, CategorySalesman:
		return true
	}
	return false
}

type Frequency string

const (
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	return f == FrequencyWeekly || f == FrequencyMonthly
}

// Period returns the [start, end) window containing t. Weeks start on
// Monday 00:00 UTC and months on the 1st.
func (f Frequency) Period(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if f == FrequencyMonthly {
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
	offset := (int(day.Weekday()) + 6) % 7
	start := day.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 7)
}

type BalanceStatus string

const (
	BalanceUnpaid       BalanceStatus = "unpaid"
	BalanceClaimed      BalanceStatus = "claimed"
	BalanceTransferring BalanceStatus = "transferring"
	BalancePaid         BalanceStatus = "paid"
)

// PromoterBalance aggregates a promoter's approved earnings for one period.
type PromoterBalance struct {
	ID                 snowflake.ID  `gorm:"primaryKey"`
	PromoterID         snowflake.ID  `gorm:"not null;uniqueIndex:ux_promoter_balances_period,priority:1"`
	PeriodStart        time.Time     `gorm:"not null;uniqueIndex:ux_promoter_balances_period,priority:2"`
	PeriodEnd          time.Time     `gorm:"not null;uniqueIndex:ux_promoter_balances_period,priority:3;index"`
	Currency           string        `gorm:"type:text;not null"`
	VisibilityEarnings int64         `gorm:"not null;default:0"`
	ConsultantEarnings int64         `gorm:"not null;default:0"`
	SellerEarnings     int64         `gorm:"not null;default:0"`
	SalesmanEarnings   int64         `gorm:"not null;default:0"`
	TotalEarnings      int64         `gorm:"not null;default:0"`
	Status             BalanceStatus `gorm:"type:text;not null;index"`
	PaidOut            int64         `gorm:"not null;default:0"`
	PaidOutAt          *time.Time    `gorm:"column:paid_out_at"`
	ClaimToken         *string       `gorm:"type:text"`
	ClaimedAt          *time.Time    `gorm:"column:claimed_at"`
	Version            int64         `gorm:"not null;default:0"`
	CreatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PromoterBalance) TableName() string { return "promoter_balances" }

// Credit adds amount to the category column and the total.
func (b *PromoterBalance) Credit(category Category, amount int64) {
	switch category {
	case CategoryVisibility:
		b.VisibilityEarnings += amount
	case CategoryConsultant:
		b.ConsultantEarnings += amount
	case CategorySeller:
		b.SellerEarnings += amount
	case CategorySalesman:
		b.SalesmanEarnings += amount
	}
	b.TotalEarnings += amount
}

// Balanced reports whether the total equals the category sum.
func (b *PromoterBalance) Balanced() bool {
	return b.TotalEarnings == b.VisibilityEarnings+b.ConsultantEarnings+b.SellerEarnings+b.SalesmanEarnings
}

// PromoterEarning is one approved piece of work, the source row of a balance.
type PromoterEarning struct {
	ID              snowflake.ID  `gorm:"primaryKey"`
	BalanceID       snowflake.ID  `gorm:"not null;index"`
	PromoterID      snowflake.ID  `gorm:"not null;index"`
	CampaignID      snowflake.ID  `gorm:"not null;index"`
	AllocationID    snowflake.ID  `gorm:"not null"`
	PaymentIntentID snowflake.ID  `gorm:"not null;index"`
	Category        Category      `gorm:"type:text;not null"`
	Amount          int64         `gorm:"not null"`
	Currency        string        `gorm:"type:text;not null"`
	ApprovedAt      time.Time     `gorm:"not null"`
	TransferID      *snowflake.ID `gorm:"index"`
	SettledAt       *time.Time    `gorm:"column:settled_at"`
	NeedsReview     bool          `gorm:"not null;default:false"`
	CreatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PromoterEarning) TableName() string { return "promoter_earnings" }

type PayoutPreference struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	PromoterID           snowflake.ID `gorm:"not null;uniqueIndex"`
	Frequency            Frequency    `gorm:"type:text;not null"`
	MinimumAmount        int64        `gorm:"not null;default:0"`
	DestinationAccountID string       `gorm:"type:text"`
	Currency             string       `gorm:"type:text"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PayoutPreference) TableName() string { return "payout_preferences" }

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type PayoutRun struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	Trigger             Trigger      `gorm:"type:text;not null"`
	Status              RunStatus    `gorm:"type:text;not null"`
	StartedAt           time.Time    `gorm:"not null"`
	FinishedAt          *time.Time   `gorm:"column:finished_at"`
	PromotersConsidered int          `gorm:"not null;default:0"`
	BalancesClaimed     int          `gorm:"not null;default:0"`
	TransfersCreated    int          `gorm:"not null;default:0"`
	LastError           *string      `gorm:"type:text"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PayoutRun) TableName() string { return "payout_runs" }

// TransferAllocation maps the money of a transfer back to the balances and
// earnings it pays.
type TransferAllocation struct {
	ID         snowflake.ID `gorm:"primaryKey"`
	TransferID snowflake.ID `gorm:"not null;index"`
	BalanceID  snowflake.ID `gorm:"not null;index"`
	EarningID  snowflake.ID `gorm:"not null;index"`
	Amount     int64        `gorm:"not null"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (TransferAllocation) TableName() string { return "transfer_allocations" }
