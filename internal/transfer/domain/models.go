package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports a final state. Every state but pending is final.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCanceled
}

// Transfer moves promoter money out of the platform. PaymentIntentID is the
// funding intent; a consolidated transfer keeps its first intent there.
type Transfer struct {
	ID                   snowflake.ID  `gorm:"primaryKey"`
	ExternalID           *string       `gorm:"type:text;uniqueIndex"`
	IdempotencyKey       string        `gorm:"type:text;not null;uniqueIndex"`
	PaymentIntentID      snowflake.ID  `gorm:"not null;index"`
	CampaignID           snowflake.ID  `gorm:"not null;index"`
	PayoutRunID          *snowflake.ID `gorm:"index"`
	Consolidated         bool          `gorm:"not null;default:false"`
	Amount               int64         `gorm:"not null"`
	Currency             string        `gorm:"type:text;not null"`
	DestinationAccountID string        `gorm:"type:text;not null"`
	RecipientID          snowflake.ID  `gorm:"not null;index"`
	Status               Status        `gorm:"type:text;not null;index"`
	ReleaseAt            *time.Time    `gorm:"column:release_at;index"`
	ManualRelease        bool          `gorm:"not null;default:false"`
	ExecutionRequestedAt *time.Time    `gorm:"column:execution_requested_at"`
	ExecutionAckedAt     *time.Time    `gorm:"column:execution_acked_at"`
	FailureCode          *string       `gorm:"type:text"`
	FailureMessage       *string       `gorm:"type:text"`
	TransferredAt        *time.Time    `gorm:"column:transferred_at"`
	CanceledAt           *time.Time    `gorm:"column:canceled_at"`
	Version              int64         `gorm:"not null;default:0"`
	CreatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Transfer) TableName() string { return "transfers" }

func (t *Transfer) External() string {
	if t.ExternalID == nil {
		return ""
	}
	return *t.ExternalID
}

// Due reports whether an automatic release may execute the transfer at now.
func (t *Transfer) Due(now time.Time) bool {
	return t.ReleaseAt == nil || !t.ReleaseAt.After(now)
}
