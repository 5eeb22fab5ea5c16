package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Message is an outbox row handed to a Publisher.
type Message struct {
	ID           string
	Type         string
	Key          string
	Payload      []byte
	TraceContext map[string]string
	CreatedAt    time.Time
}

// Publisher delivers relayed events to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// RelayConfig controls the outbox relay loop.
type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	ClaimTTL     time.Duration
	MaxAttempts  int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		PollInterval: 2 * time.Second,
		ClaimTTL:     time.Minute,
		MaxAttempts:  10,
	}
}

// RelayConfigFrom maps process configuration onto the relay.
func RelayConfigFrom(cfg config.Config) RelayConfig {
	return RelayConfig{
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		ClaimTTL:     cfg.Outbox.ClaimTTL,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}.withDefaults()
}

func (c RelayConfig) withDefaults() RelayConfig {
	defaults := DefaultRelayConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaults.ClaimTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	return c
}

type RelayParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	Publisher Publisher
	Metrics   *metrics.SettlementMetrics `optional:"true"`
	Config    RelayConfig                `optional:"true"`
}

// Relay moves committed outbox rows to the broker. Delivery is at least once;
// consumers dedupe on the message id.
type Relay struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	publisher Publisher
	metrics   *metrics.SettlementMetrics
	cfg       RelayConfig
}

func NewRelay(p RelayParams) *Relay {
	return &Relay{
		db:        p.DB,
		log:       p.Log.Named("events.relay"),
		clock:     p.Clock,
		publisher: p.Publisher,
		metrics:   p.Metrics,
		cfg:       p.Config.withDefaults(),
	}
}

func (r *Relay) RunForever(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("outbox relay pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and publishes it, returning how many rows were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	token := uuid.NewString()
	rows, err := r.claim(ctx, token)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		msg, err := toMessage(row)
		if err == nil {
			// Continue the trace of the write that produced the event.
			err = r.publisher.Publish(tracing.ExtractContext(ctx, propagation.MapCarrier(msg.TraceContext)), msg)
		}
		if err != nil {
			if markErr := r.markFailed(ctx, row, token, err); markErr != nil {
				return published, markErr
			}
			continue
		}
		if err := r.markPublished(ctx, row, token); err != nil {
			return published, err
		}
		published++
		r.metrics.IncOutbox("published")
	}

	r.observeBacklog(ctx)
	return published, nil
}

func (r *Relay) claim(ctx context.Context, token string) ([]OutboxEvent, error) {
	now := r.clock.Now()
	claimUntil := now.Add(r.cfg.ClaimTTL)

	var rows []OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidates := tx.Model(&OutboxEvent{}).
			Select("id").
			Where("published_at IS NULL AND dead_at IS NULL").
			Where("claim_until IS NULL OR claim_until < ?", now).
			Order("id ASC").
			Limit(r.cfg.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

		if err := tx.Model(&OutboxEvent{}).
			Where("id IN (?)", candidates).
			Updates(map[string]any{
				"claim_token": token,
				"claim_until": claimUntil,
			}).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ? AND published_at IS NULL", token).
			Order("id ASC").
			Find(&rows).Error
	})
	return rows, err
}

func (r *Relay) markPublished(ctx context.Context, row OutboxEvent, token string) error {
	return r.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND claim_token = ?", row.ID, token).
		Updates(map[string]any{
			"published_at": r.clock.Now(),
			"claim_token":  nil,
			"claim_until":  nil,
		}).Error
}

func (r *Relay) markFailed(ctx context.Context, row OutboxEvent, token string, cause error) error {
	now := r.clock.Now()
	updates := map[string]any{
		"attempts":      gorm.Expr("attempts + 1"),
		"last_error":    cause.Error(),
		"last_error_at": now,
		"claim_token":   nil,
		"claim_until":   nil,
	}
	result := "failed"
	if row.Attempts+1 >= r.cfg.MaxAttempts {
		updates["dead_at"] = now
		result = "dead"
		r.log.Error("outbox event dead-lettered",
			zap.String("event_id", row.ID.String()),
			zap.String("event_type", row.EventType),
			zap.Error(cause),
		)
	} else {
		r.log.Warn("outbox publish failed",
			zap.String("event_id", row.ID.String()),
			zap.String("event_type", row.EventType),
			zap.Int("attempts", row.Attempts+1),
			zap.Error(cause),
		)
	}
	r.metrics.IncOutbox(result)
	return r.db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("id = ? AND claim_token = ?", row.ID, token).
		Updates(updates).Error
}

func (r *Relay) observeBacklog(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	var oldest OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published_at IS NULL AND dead_at IS NULL").
		Order("id ASC").
		Limit(1).
		Find(&oldest).Error
	if err != nil || oldest.ID == 0 {
		r.metrics.SetOutboxOldest(0)
		return
	}
	r.metrics.SetOutboxOldest(r.clock.Now().Sub(oldest.CreatedAt))
}

func toMessage(row OutboxEvent) (Message, error) {
	payload, err := json.Marshal(map[string]any(row.Payload))
	if err != nil {
		return Message{}, err
	}
	trace := make(map[string]string, len(row.TraceContext))
	for k, v := range row.TraceContext {
		if s, ok := v.(string); ok {
			trace[k] = s
		}
	}
	return Message{
		ID:           row.ID.String(),
		Type:         row.EventType,
		Key:          row.AggregateID.String(),
		Payload:      payload,
		TraceContext: trace,
		CreatedAt:    row.CreatedAt,
	}, nil
}
