package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
	}
}

func (s *Service) CreateEntry(ctx context.Context, tx *gorm.DB, entry domain.Entry) error {
	if tx == nil {
		tx = s.db
	}
	if strings.TrimSpace(entry.SourceType) == "" {
		return domain.ErrInvalidSourceType
	}
	if entry.SourceID == 0 {
		return domain.ErrInvalidSourceID
	}
	if strings.TrimSpace(entry.Currency) == "" {
		return domain.ErrInvalidCurrency
	}
	if entry.OccurredAt.IsZero() {
		return domain.ErrInvalidOccurredAt
	}
	if err := domain.ValidateBalanced(entry.Lines); err != nil {
		return err
	}

	header := domain.LedgerEntry{
		ID:         s.genID.Generate(),
		SourceType: entry.SourceType,
		SourceID:   entry.SourceID,
		CampaignID: entry.CampaignID,
		Currency:   strings.ToUpper(entry.Currency),
		OccurredAt: entry.OccurredAt.UTC(),
		CreatedAt:  entry.OccurredAt.UTC(),
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&header)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Debug("ledger entry already posted",
			zap.String("source_type", entry.SourceType),
			zap.String("source_id", entry.SourceID.String()),
		)
		return nil
	}

	lines := make([]domain.LedgerEntryLine, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		accountID, err := s.ensureAccount(ctx, tx, line.AccountCode)
		if err != nil {
			return err
		}
		lines = append(lines, domain.LedgerEntryLine{
			ID:            s.genID.Generate(),
			LedgerEntryID: header.ID,
			AccountID:     accountID,
			Direction:     line.Direction,
			Amount:        line.Amount,
			CreatedAt:     header.CreatedAt,
		})
	}
	return tx.WithContext(ctx).Create(&lines).Error
}

func (s *Service) Balance(ctx context.Context, accountCode, currency string) (int64, error) {
	var balance int64
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN l.direction = ? THEN l.amount ELSE -l.amount END), 0)
		 FROM ledger_entry_lines l
		 JOIN ledger_accounts a ON a.id = l.account_id
		 JOIN ledger_entries e ON e.id = l.ledger_entry_id
		 WHERE a.code = ? AND e.currency = ?`,
		domain.LedgerEntryDirectionDebit,
		accountCode,
		strings.ToUpper(currency),
	).Scan(&balance).Error
	return balance, err
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code string) (snowflake.ID, error) {
	name, ok := domain.AccountName(code)
	if !ok {
		return 0, domain.ErrInvalidAccount
	}

	account := domain.LedgerAccount{ID: s.genID.Generate(), Code: code, Name: name}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoNothing: true}).
		Create(&account).Error; err != nil {
		return 0, err
	}

	var stored domain.LedgerAccount
	if err := tx.WithContext(ctx).Where("code = ?", code).Take(&stored).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errors.New("ledger_account_not_found")
		}
		return 0, err
	}
	return stored.ID, nil
}
