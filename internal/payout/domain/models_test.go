package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrequencyPeriod(t *testing.T) {
	cases := []struct {
		name       string
		freq       Frequency
		at         time.Time
		start, end time.Time
	}{
		{
			name:  "weekly midweek",
			freq:  FrequencyWeekly,
			at:    time.Date(2025, 3, 5, 18, 30, 0, 0, time.UTC),
			start: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "weekly sunday belongs to the previous monday",
			freq:  FrequencyWeekly,
			at:    time.Date(2025, 3, 9, 23, 59, 59, 0, time.UTC),
			start: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "weekly monday midnight starts a new week",
			freq:  FrequencyWeekly,
			at:    time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			start: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2025, 3, 17, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "weekly uses UTC",
			freq:  FrequencyWeekly,
			at:    time.Date(2025, 3, 10, 5, 0, 0, 0, time.FixedZone("WIB", 7*3600)),
			start: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "monthly across year end",
			freq:  FrequencyMonthly,
			at:    time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC),
			start: time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "monthly leap february",
			freq:  FrequencyMonthly,
			at:    time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC),
			start: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end := tc.freq.Period(tc.at)
			require.Equal(t, tc.start, start)
			require.Equal(t, tc.end, end)
		})
	}
}

func TestBalanceCredit(t *testing.T) {
	var b PromoterBalance
	b.Credit(CategoryVisibility, 10)
	b.Credit(CategoryConsultant, 20)
	b.Credit(CategorySeller, 30)
	b.Credit(CategorySalesman, 40)
	require.Equal(t, int64(100), b.TotalEarnings)
	require.True(t, b.Balanced())

	b.TotalEarnings++
	require.False(t, b.Balanced())
}
