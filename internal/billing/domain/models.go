package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PeriodStatus tracks the closing progress of a billing period.
type PeriodStatus string

const (
	PeriodStatusOpen    PeriodStatus = "OPEN"
	PeriodStatusClosing PeriodStatus = "CLOSING"
	PeriodStatusClosed  PeriodStatus = "CLOSED"
)

// Role is the side of the marketplace a summary describes.
type Role string

const (
	RoleAdvertiser Role = "advertiser"
	RolePromoter   Role = "promoter"
)

func (r Role) Valid() bool {
	return r == RoleAdvertiser || r == RolePromoter
}

// BillingPeriod is a closed-open window [PeriodStart, PeriodEnd).
type BillingPeriod struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	PeriodStart      time.Time    `gorm:"not null;uniqueIndex:ux_billing_periods_window,priority:1"`
	PeriodEnd        time.Time    `gorm:"not null;uniqueIndex:ux_billing_periods_window,priority:2"`
	Status           PeriodStatus `gorm:"type:text;not null"`
	ClosingStartedAt *time.Time   `gorm:"column:closing_started_at"`
	ClosedAt         *time.Time   `gorm:"column:closed_at"`
	Summaries        int          `gorm:"not null;default:0"`
	Version          int64        `gorm:"not null;default:0"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingPeriod) TableName() string { return "billing_periods" }

// BillingPeriodSummary is an immutable snapshot of one user's totals for a
// closed period. Corrections are recorded as BillingAdjustment rows.
type BillingPeriodSummary struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	PeriodID    snowflake.ID `gorm:"not null;index"`
	UserID      snowflake.ID `gorm:"not null;uniqueIndex:ux_billing_summaries_user_period,priority:1"`
	Role        Role         `gorm:"type:text;not null;uniqueIndex:ux_billing_summaries_user_period,priority:2"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_billing_summaries_user_period,priority:3"`
	PeriodEnd   time.Time    `gorm:"not null;uniqueIndex:ux_billing_summaries_user_period,priority:4"`
	Currency    string       `gorm:"type:text;not null;uniqueIndex:ux_billing_summaries_user_period,priority:5"`
	Earned      int64        `gorm:"not null;default:0"`
	PaidOut     int64        `gorm:"not null;default:0"`
	Charged     int64        `gorm:"not null;default:0"`
	Refunded    int64        `gorm:"not null;default:0"`
	Spent       int64        `gorm:"not null;default:0"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingPeriodSummary) TableName() string { return "billing_period_summaries" }

// BillingAdjustment is a signed correction to a summary.
type BillingAdjustment struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	SummaryID     snowflake.ID `gorm:"not null;index"`
	EarnedDelta   int64        `gorm:"not null;default:0"`
	PaidOutDelta  int64        `gorm:"not null;default:0"`
	ChargedDelta  int64        `gorm:"not null;default:0"`
	RefundedDelta int64        `gorm:"not null;default:0"`
	Reason        string       `gorm:"type:text;not null"`
	CreatedAt     time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BillingAdjustment) TableName() string { return "billing_adjustments" }

// Totals are summary figures with adjustments applied.
type Totals struct {
	Earned   int64
	PaidOut  int64
	Charged  int64
	Refunded int64
	Spent    int64
}

// SummaryView is a summary together with its adjustments.
type SummaryView struct {
	Summary     BillingPeriodSummary
	Adjustments []BillingAdjustment
	Effective   Totals
}

// Apply folds the adjustments into the snapshot totals.
func (v *SummaryView) Apply() {
	t := Totals{
		Earned:   v.Summary.Earned,
		PaidOut:  v.Summary.PaidOut,
		Charged:  v.Summary.Charged,
		Refunded: v.Summary.Refunded,
	}
	for _, adj := range v.Adjustments {
		t.Earned += adj.EarnedDelta
		t.PaidOut += adj.PaidOutDelta
		t.Charged += adj.ChargedDelta
		t.Refunded += adj.RefundedDelta
	}
	t.Spent = t.Charged - t.Refunded
	v.Effective = t
}
