package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Line is one side of a posting, addressed by account code.
type Line struct {
	AccountCode string
	Direction   LedgerEntryDirection
	Amount      int64
}

// Entry is a posting request.
type Entry struct {
	SourceType string
	SourceID   snowflake.ID
	CampaignID snowflake.ID
	Currency   string
	OccurredAt time.Time
	Lines      []Line
}

// Post builds a two-line posting of amount.
func Post(debit, credit string, amount int64) []Line {
	return []Line{
		{AccountCode: debit, Direction: LedgerEntryDirectionDebit, Amount: amount},
		{AccountCode: credit, Direction: LedgerEntryDirectionCredit, Amount: amount},
	}
}

// Service writes balanced journal entries.
type Service interface {
	// CreateEntry posts entry inside tx. Posting the same source twice is a no-op.
	CreateEntry(ctx context.Context, tx *gorm.DB, entry Entry) error
	// Balance returns debits minus credits for an account in one currency.
	Balance(ctx context.Context, accountCode, currency string) (int64, error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)
