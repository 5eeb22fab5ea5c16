package service

import (
	"time"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/payout/domain"
)

// Config controls payout runs.
type Config struct {
	Interval         time.Duration
	BatchSize        int
	ClaimTTL         time.Duration
	Concurrency      int
	DefaultMinimum   int64
	DefaultFrequency domain.Frequency
	Consolidate      bool
	LockTTL          time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         time.Hour,
		BatchSize:        100,
		ClaimTTL:         15 * time.Minute,
		Concurrency:      4,
		DefaultMinimum:   1000,
		DefaultFrequency: domain.FrequencyWeekly,
		LockTTL:          10 * time.Minute,
	}
}

// FromConfig maps the process configuration onto payout settings.
func FromConfig(cfg config.Config) Config {
	return Config{
		Interval:         cfg.Payout.Interval,
		BatchSize:        cfg.Payout.BatchSize,
		ClaimTTL:         cfg.Payout.ClaimTTL,
		Concurrency:      cfg.Payout.Concurrency,
		DefaultMinimum:   cfg.Payout.DefaultMinimum,
		DefaultFrequency: domain.Frequency(cfg.Payout.DefaultFrequency),
		Consolidate:      cfg.Payout.Consolidate,
		LockTTL:          cfg.Payout.LockTTL,
	}.WithDefaults()
}

func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaults.ClaimTTL
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaults.Concurrency
	}
	if c.DefaultMinimum < 0 {
		c.DefaultMinimum = defaults.DefaultMinimum
	}
	if !c.DefaultFrequency.Valid() {
		c.DefaultFrequency = defaults.DefaultFrequency
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}
