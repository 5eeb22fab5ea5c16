package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/settlement/internal/fee"
	"gorm.io/datatypes"
)

// FlowType decides how funds travel from advertiser to promoters.
type FlowType string

const (
	FlowDestination      FlowType = "destination"
	FlowDirect           FlowType = "direct"
	FlowSeparateTransfer FlowType = "separate_transfer"
	FlowHoldAndTransfer  FlowType = "hold_and_transfer"
)

func (f FlowType) Valid() bool {
	switch f {
	case FlowDestination, FlowDirect, FlowSeparateTransfer, FlowHoldAndTransfer:
		return true
	}
	return false
}

// PaymentFlowConfig is the per-campaign payment setup. It is frozen once the
// first funding attempt opens.
type PaymentFlowConfig struct {
	ID                     snowflake.ID    `gorm:"primaryKey"`
	CampaignID             snowflake.ID    `gorm:"not null;uniqueIndex"`
	Currency               string          `gorm:"type:text;not null"`
	FlowType               FlowType        `gorm:"column:payment_flow_type;type:text;not null"`
	FeeType                fee.PolicyType  `gorm:"column:platform_fee_type;type:text;not null"`
	FeeRate                decimal.Decimal `gorm:"column:platform_fee_rate;type:numeric(12,6);not null;default:0"`
	FeeAmount              int64           `gorm:"column:platform_fee_amount;not null;default:0"`
	RequiresGoalCompletion bool            `gorm:"not null;default:false"`
	AutoReleaseFunds       bool            `gorm:"not null"`
	HoldPeriodDays         int             `gorm:"not null;default:0"`
	RevenueSplits          datatypes.JSON  `gorm:"type:jsonb"`
	DestinationAccountID   string          `gorm:"type:text"`
	LockedAt               *time.Time      `gorm:"column:locked_at"`
	GoalCompletedAt        *time.Time      `gorm:"column:goal_completed_at"`
	CreatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentFlowConfig) TableName() string { return "payment_flow_configs" }

func (c *PaymentFlowConfig) FeePolicy() fee.Policy {
	return fee.Policy{Type: c.FeeType, Rate: c.FeeRate, Amount: c.FeeAmount}
}

// Splits decodes the ordered revenue splits; nil when none are configured.
func (c *PaymentFlowConfig) Splits() ([]fee.Split, error) {
	if len(c.RevenueSplits) == 0 || string(c.RevenueSplits) == "null" {
		return nil, nil
	}
	var splits []fee.Split
	if err := json.Unmarshal(c.RevenueSplits, &splits); err != nil {
		return nil, err
	}
	return splits, nil
}

func (c *PaymentFlowConfig) SetSplits(splits []fee.Split) error {
	if len(splits) == 0 {
		c.RevenueSplits = nil
		return nil
	}
	raw, err := json.Marshal(splits)
	if err != nil {
		return err
	}
	c.RevenueSplits = datatypes.JSON(raw)
	return nil
}

// ReleaseAt returns when a transfer funded at fundedAt may execute, or nil
// when there is no hold.
func (c *PaymentFlowConfig) ReleaseAt(fundedAt time.Time) *time.Time {
	if c.HoldPeriodDays <= 0 {
		return nil
	}
	at := fundedAt.UTC().AddDate(0, 0, c.HoldPeriodDays)
	return &at
}

// PaymentIntent is one funding attempt against the processor.
type PaymentIntent struct {
	ID                   snowflake.ID  `gorm:"primaryKey"`
	ExternalID           *string       `gorm:"type:text;uniqueIndex"`
	IdempotencyKey       string        `gorm:"type:text;not null;uniqueIndex"`
	CampaignID           snowflake.ID  `gorm:"not null;index"`
	AllocationID         snowflake.ID  `gorm:"not null;index"`
	PayerID              snowflake.ID  `gorm:"not null;index"`
	RecipientID          *snowflake.ID `gorm:"column:recipient_id"`
	Amount               int64         `gorm:"not null"`
	Currency             string        `gorm:"type:text;not null"`
	ApplicationFeeAmount int64         `gorm:"not null;default:0"`
	FlowType             FlowType      `gorm:"column:payment_flow_type;type:text;not null"`
	DestinationAccountID string        `gorm:"type:text"`
	CaptureMethod        string        `gorm:"type:text;not null;default:'automatic'"`
	Status               IntentStatus  `gorm:"type:text;not null;index"`
	ClientSecret         string        `gorm:"type:text"`
	FailureCode          *string       `gorm:"type:text"`
	FailureMessage       *string       `gorm:"type:text"`
	ConfirmedAt          *time.Time    `gorm:"column:confirmed_at"`
	SucceededAt          *time.Time    `gorm:"column:succeeded_at"`
	CanceledAt           *time.Time    `gorm:"column:canceled_at"`
	Version              int64         `gorm:"not null;default:0"`
	CreatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentIntent) TableName() string { return "payment_intents" }

func (i *PaymentIntent) External() string {
	if i.ExternalID == nil {
		return ""
	}
	return *i.ExternalID
}

// FeeRecordStatus tracks whether the platform fee has been earned.
type FeeRecordStatus string

const (
	FeeRecordPending   FeeRecordStatus = "pending"
	FeeRecordCollected FeeRecordStatus = "collected"
	FeeRecordRefunded  FeeRecordStatus = "refunded"
)

// PlatformFeeRecord snapshots the fee computed for one intent. Only its
// status changes after creation.
type PlatformFeeRecord struct {
	ID                 snowflake.ID    `gorm:"primaryKey"`
	PaymentIntentID    snowflake.ID    `gorm:"not null;uniqueIndex"`
	CampaignID         snowflake.ID    `gorm:"not null;index"`
	Currency           string          `gorm:"type:text;not null"`
	FeeAmount          int64           `gorm:"not null"`
	ProcessorFeeAmount int64           `gorm:"not null"`
	NetFeeAmount       int64           `gorm:"not null"`
	FeeType            fee.PolicyType  `gorm:"type:text;not null"`
	FeeRate            decimal.Decimal `gorm:"type:numeric(12,6);not null;default:0"`
	BaseAmount         int64           `gorm:"not null"`
	Status             FeeRecordStatus `gorm:"type:text;not null"`
	CollectedAt        *time.Time      `gorm:"column:collected_at"`
	RefundedAt         *time.Time      `gorm:"column:refunded_at"`
	CreatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PlatformFeeRecord) TableName() string { return "platform_fee_records" }
