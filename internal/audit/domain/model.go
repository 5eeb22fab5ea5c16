package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ActorType represents who triggered an action.
type ActorType string

const (
	ActorTypeOperator  ActorType = "operator"
	ActorTypeSystem    ActorType = "system"
	ActorTypeProcessor ActorType = "processor"
)

// Actions recorded by the settlement engine.
const (
	ActionInvariantViolated = "invariant.violated"
	ActionEntityHalted      = "entity.halted"
	ActionTransferReleased  = "transfer.released"
	ActionTransferCanceled  = "transfer.canceled"
	ActionTransferRetried   = "transfer.retried"
	ActionRefundRequested   = "refund.requested"
	ActionPaymentCanceled   = "payment_intent.canceled"
	ActionBillingAdjusted   = "billing_summary.adjusted"
	ActionPayoutTriggered   = "payout_run.triggered"
	ActionWebhookRejected   = "webhook.rejected"
)

// AuditLog is an immutable record of an operator action or a halting condition.
type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  string            `gorm:"type:text;not null"`
	ActorID    *string           `gorm:"type:text"`
	Action     string            `gorm:"type:text;not null;index"`
	TargetType string            `gorm:"type:text;not null;index:ix_audit_logs_target,priority:1"`
	TargetID   *string           `gorm:"type:text;index:ix_audit_logs_target,priority:2"`
	RequestID  *string           `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (AuditLog) TableName() string { return "audit_logs" }
