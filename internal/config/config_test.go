package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "settlement", cfg.ServiceName)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "0.029", cfg.Fees.ProcessorRate)
	require.EqualValues(t, 30, cfg.Fees.ProcessorFixed)
	require.Equal(t, "weekly", cfg.Payout.DefaultFrequency)
	require.Equal(t, 15*time.Minute, cfg.Payout.ClaimTTL)
	require.False(t, cfg.IsProduction())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settlement.yaml")
	content := []byte(`
environment: production
database:
  driver: sqlite
  dsn: "file::memory:"
payout:
  default_minimum: 5000
  default_frequency: monthly
kafka:
  brokers: ["kafka-1:9092"]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	t.Setenv("SETTLEMENT_PAYOUT_DEFAULT_MINIMUM", "7500")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.EqualValues(t, 7500, cfg.Payout.DefaultMinimum)
	require.Equal(t, "monthly", cfg.Payout.DefaultFrequency)
	require.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	require.Error(t, cfg.Validate())
}
