package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert stores the event unless (provider, external id) exists and
	// reports whether a row was written.
	Insert(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	Find(ctx context.Context, db *gorm.DB, provider, externalEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, note *string) error
	RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error
	ListUnprocessed(ctx context.Context, db *gorm.DB, receivedBefore time.Time, limit int) ([]EventRecord, error)
}
