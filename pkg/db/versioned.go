package db

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/settlement/internal/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrStaleVersion reports that a row changed between read and write.
var ErrStaleVersion = apperr.Define(apperr.ErrConcurrencyConflict, "stale_version", "the record was modified concurrently, retry the operation")

// ForUpdate loads dest by primary key holding a row lock for the rest of tx.
// SQLite ignores the locking clause; the version check in UpdateVersioned
// still guards the write.
func ForUpdate(ctx context.Context, tx *gorm.DB, dest any, id any) error {
	return tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(dest).Error
}

// UpdateVersioned writes updates to table only when the row still carries
// *version, then advances *version to the stored value.
func UpdateVersioned(ctx context.Context, tx *gorm.DB, table string, id any, version *int64, updates map[string]any) error {
	if version == nil {
		return errors.New("db: nil version")
	}
	values := make(map[string]any, len(updates)+2)
	for k, v := range updates {
		values[k] = v
	}
	values["version"] = gorm.Expr("version + 1")
	if _, ok := values["updated_at"]; !ok {
		values["updated_at"] = time.Now().UTC()
	}

	result := tx.WithContext(ctx).
		Table(table).
		Where("id = ? AND version = ?", id, *version).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleVersion
	}
	*version++
	return nil
}

// IsNotFound reports whether err is gorm's missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsDuplicate reports whether err is a unique constraint violation. It needs
// TranslateError on the gorm config.
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
