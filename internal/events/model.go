package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// OutboxEvent is a domain event waiting to be relayed to the broker.
type OutboxEvent struct {
	ID           snowflake.ID      `gorm:"primaryKey"`
	EventType    string            `gorm:"type:text;not null;index"`
	AggregateID  snowflake.ID      `gorm:"not null;index"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb;not null"`
	TraceContext datatypes.JSONMap `gorm:"type:jsonb"`
	DedupeKey    string            `gorm:"type:text;not null;uniqueIndex"`
	ClaimToken   *string           `gorm:"type:text;index"`
	ClaimUntil   *time.Time
	Attempts     int     `gorm:"not null;default:0"`
	LastError    *string `gorm:"type:text"`
	LastErrorAt  *time.Time
	PublishedAt  *time.Time `gorm:"index"`
	DeadAt       *time.Time
	CreatedAt    time.Time `gorm:"not null;index"`
}

func (OutboxEvent) TableName() string { return "settlement_events" }
