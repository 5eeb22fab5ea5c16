package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Event describes a domain event to store in the outbox.
type Event struct {
	Type        string
	AggregateID snowflake.ID
	Payload     map[string]any
	// DedupeKey makes re-recording the same state change a no-op. Defaults to
	// "<type>:<aggregate id>".
	DedupeKey string
}

// Outbox writes domain events into settlement_events.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	now   func() time.Time
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID, now: func() time.Time { return time.Now().UTC() }}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event in the caller's transaction so it commits or rolls
// back together with the state change it describes.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if event.AggregateID == 0 {
		return errors.New("invalid_aggregate_id")
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return errors.New("missing_event_type")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	var traceContext datatypes.JSONMap
	if carrier := tracing.CaptureContext(ctx); len(carrier) > 0 {
		traceContext = datatypes.JSONMap{}
		for k, v := range carrier {
			traceContext[k] = v
		}
	}

	dedupe := strings.TrimSpace(event.DedupeKey)
	if dedupe == "" {
		dedupe = fmt.Sprintf("%s:%s", name, event.AggregateID)
	}

	row := OutboxEvent{
		ID:           o.genID.Generate(),
		EventType:    name,
		AggregateID:  event.AggregateID,
		Payload:      payload,
		TraceContext: traceContext,
		DedupeKey:    dedupe,
		CreatedAt:    o.now(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(&row).Error
}
