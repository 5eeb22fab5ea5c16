package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/webhook/domain"
	pkgdb "github.com/smallbiznis/settlement/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "external_event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, provider, externalEventID string) (*domain.EventRecord, error) {
	var row domain.EventRecord
	err := db.WithContext(ctx).
		Where("provider = ? AND external_event_id = ?", provider, externalEventID).
		Take(&row).Error
	if pkgdb.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time, note *string) error {
	return db.WithContext(ctx).Model(&domain.EventRecord{}).
		Where("id = ? AND processed_at IS NULL", id).
		Updates(map[string]any{
			"processed_at": processedAt,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   note,
			"updated_at":   processedAt,
		}).Error
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.EventRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": message,
			"updated_at": at,
		}).Error
}

func (r *repo) ListUnprocessed(ctx context.Context, db *gorm.DB, receivedBefore time.Time, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []domain.EventRecord
	err := db.WithContext(ctx).
		Where("processed_at IS NULL AND received_at <= ?", receivedBefore).
		Order("received_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
