package fee

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Split is one recipient's share of revenue.
type Split struct {
	Recipient string          `json:"recipient"`
	Share     decimal.Decimal `json:"share"`
}

// ValidateSplits requires positive shares that sum to exactly 1.
func ValidateSplits(splits []Split) error {
	if len(splits) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, split := range splits {
		if strings.TrimSpace(split.Recipient) == "" || !split.Share.IsPositive() {
			return ErrInvalidSplits
		}
		total = total.Add(split.Share)
	}
	if !total.Equal(decimal.NewFromInt(1)) {
		return ErrInvalidSplits
	}
	return nil
}

// SplitRevenue divides amount across splits in order. Each part is rounded
// down and the remainder goes to the first recipient, so the parts always
// sum to amount.
func SplitRevenue(amount int64, splits []Split) ([]int64, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if len(splits) == 0 {
		return nil, ErrInvalidSplits
	}
	if err := ValidateSplits(splits); err != nil {
		return nil, err
	}

	parts := make([]int64, len(splits))
	var allocated int64
	for i, split := range splits {
		parts[i] = decimal.NewFromInt(amount).Mul(split.Share).Floor().IntPart()
		allocated += parts[i]
	}
	parts[0] += amount - allocated
	return parts, nil
}
