package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SETTLEMENT"

// Config is the process configuration.
type Config struct {
	Environment string          `mapstructure:"environment"`
	ServiceName string          `mapstructure:"service_name"`
	NodeID      int64           `mapstructure:"node_id"`
	Log         LogConfig       `mapstructure:"log"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Processor   ProcessorConfig `mapstructure:"processor"`
	Fees        FeeConfig       `mapstructure:"fees"`
	Payout      PayoutConfig    `mapstructure:"payout"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
	Outbox      OutboxConfig    `mapstructure:"outbox"`
	Kafka       KafkaConfig     `mapstructure:"kafka"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Tracing     TracingConfig   `mapstructure:"tracing"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ProcessorConfig struct {
	Provider string         `mapstructure:"provider"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Midtrans MidtransConfig `mapstructure:"midtrans"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type MidtransConfig struct {
	ServerKey   string `mapstructure:"server_key"`
	IrisAPIKey  string `mapstructure:"iris_api_key"`
	MerchantKey string `mapstructure:"merchant_key"`
	Production  bool   `mapstructure:"production"`
}

type GatewayConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

// FeeConfig holds the processor fee estimate applied at allocation time.
type FeeConfig struct {
	ProcessorRate  string `mapstructure:"processor_rate"`
	ProcessorFixed int64  `mapstructure:"processor_fixed"`
}

type PayoutConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	ClaimTTL         time.Duration `mapstructure:"claim_ttl"`
	Concurrency      int           `mapstructure:"concurrency"`
	DefaultMinimum   int64         `mapstructure:"default_minimum"`
	DefaultFrequency string        `mapstructure:"default_frequency"`
	Consolidate      bool          `mapstructure:"consolidate"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
}

type WebhookConfig struct {
	DedupeTTL      time.Duration `mapstructure:"dedupe_ttl"`
	DedupeEntries  int           `mapstructure:"dedupe_entries"`
	ReplayInterval time.Duration `mapstructure:"replay_interval"`
	ReplayBatch    int           `mapstructure:"replay_batch"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	ClaimTTL     time.Duration `mapstructure:"claim_ttl"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from defaults, an optional file and SETTLEMENT_* env vars.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate rejects configurations the process cannot start with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config: node_id %d out of range", c.NodeID)
	}
	switch c.Payout.DefaultFrequency {
	case "weekly", "monthly":
	default:
		return fmt.Errorf("config: unsupported payout frequency %q", c.Payout.DefaultFrequency)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("service_name", "settlement")
	v.SetDefault("node_id", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=settlement port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("processor.provider", "gateway")
	v.SetDefault("processor.timeout", 15*time.Second)
	v.SetDefault("processor.gateway.base_url", "http://localhost:12111")

	v.SetDefault("fees.processor_rate", "0.029")
	v.SetDefault("fees.processor_fixed", 30)

	v.SetDefault("payout.interval", time.Hour)
	v.SetDefault("payout.batch_size", 100)
	v.SetDefault("payout.claim_ttl", 15*time.Minute)
	v.SetDefault("payout.concurrency", 4)
	v.SetDefault("payout.default_minimum", 1000)
	v.SetDefault("payout.default_frequency", "weekly")
	v.SetDefault("payout.consolidate", false)
	v.SetDefault("payout.lock_ttl", 10*time.Minute)

	v.SetDefault("webhook.dedupe_ttl", 24*time.Hour)
	v.SetDefault("webhook.dedupe_entries", 100000)
	v.SetDefault("webhook.replay_interval", 5*time.Minute)
	v.SetDefault("webhook.replay_batch", 100)

	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.claim_ttl", time.Minute)
	v.SetDefault("outbox.max_attempts", 10)

	v.SetDefault("kafka.topic_prefix", "settlement.")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "otlp_grpc")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sampling_rate", 1.0)

	v.SetDefault("metrics.enabled", true)
}
