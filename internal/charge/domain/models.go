package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ChargeStatus string

const (
	ChargeStatusPending           ChargeStatus = "pending"
	ChargeStatusSucceeded         ChargeStatus = "succeeded"
	ChargeStatusFailed            ChargeStatus = "failed"
	ChargeStatusRefunded          ChargeStatus = "refunded"
	ChargeStatusPartiallyRefunded ChargeStatus = "partially_refunded"
)

// Settled reports a charge whose money was collected.
func (s ChargeStatus) Settled() bool {
	return s == ChargeStatusSucceeded || s == ChargeStatusPartiallyRefunded || s == ChargeStatusRefunded
}

// Charge is the advertiser-facing record of one funding payment.
type Charge struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	AdvertiserID        snowflake.ID `gorm:"not null;index"`
	CampaignID          snowflake.ID `gorm:"not null;index"`
	PaymentIntentID     snowflake.ID `gorm:"not null;uniqueIndex"`
	Amount              int64        `gorm:"not null"`
	Currency            string       `gorm:"type:text;not null"`
	Status              ChargeStatus `gorm:"type:text;not null;index"`
	RefundedAmount      int64        `gorm:"not null;default:0"`
	PendingRefundAmount int64        `gorm:"not null;default:0"`
	ExternalChargeID    *string      `gorm:"type:text"`
	FailureReason       *string      `gorm:"type:text"`
	ProcessedAt         *time.Time   `gorm:"column:processed_at"`
	HaltedAt            *time.Time   `gorm:"column:halted_at"`
	HaltReason          *string      `gorm:"column:halt_reason;type:text"`
	Version             int64        `gorm:"not null;default:0"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Charge) TableName() string { return "charges" }

// Refundable is the amount still available for new refund requests.
func (c *Charge) Refundable() int64 {
	if !c.Status.Settled() {
		return 0
	}
	return c.Amount - c.RefundedAmount - c.PendingRefundAmount
}

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// Refund is one refund against a charge. A pending refund holds a
// reservation on the charge until the processor settles or rejects it.
type Refund struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	ChargeID         snowflake.ID `gorm:"not null;index"`
	Amount           int64        `gorm:"not null"`
	Currency         string       `gorm:"type:text;not null"`
	ExternalRefundID *string      `gorm:"type:text;uniqueIndex"`
	IdempotencyKey   string       `gorm:"type:text;not null;uniqueIndex"`
	Reason           string       `gorm:"type:text"`
	Status           RefundStatus `gorm:"type:text;not null"`
	FailureReason    *string      `gorm:"type:text"`
	SettledAt        *time.Time   `gorm:"column:settled_at"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Refund) TableName() string { return "refunds" }

// AdvertiserSpend holds an advertiser's running totals.
type AdvertiserSpend struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	AdvertiserID   snowflake.ID `gorm:"not null;uniqueIndex"`
	Currency       string       `gorm:"type:text;not null"`
	TotalSpent     int64        `gorm:"not null;default:0"`
	TotalRefunded  int64        `gorm:"not null;default:0"`
	PendingCharges int64        `gorm:"not null;default:0"`
	HaltedAt       *time.Time   `gorm:"column:halted_at"`
	HaltReason     *string      `gorm:"column:halt_reason;type:text"`
	Version        int64        `gorm:"not null;default:0"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AdvertiserSpend) TableName() string { return "advertiser_spends" }
