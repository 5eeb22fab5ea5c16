package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord is a received processor notification, stored before it is
// applied so redeliveries can be recognised.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_external,priority:1"`
	ExternalEventID string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_external,priority:2"`
	Type            string         `gorm:"type:text;not null"`
	ResourceID      string         `gorm:"type:text;index"`
	PayloadHash     string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"not null"`
	ReceivedAt      time.Time      `gorm:"not null;index"`
	ProcessedAt     *time.Time     `gorm:"column:processed_at;index"`
	Attempts        int            `gorm:"not null;default:0"`
	LastError       *string        `gorm:"type:text"`
	CreatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (EventRecord) TableName() string { return "webhook_events" }
