package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/events"
	"github.com/smallbiznis/settlement/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type relayFixture struct {
	db        *gorm.DB
	outbox    *events.Outbox
	publisher *events.MemoryPublisher
	relay     *events.Relay
}

func newRelayFixture(t *testing.T, cfg events.RelayConfig) relayFixture {
	t.Helper()
	db := testutil.NewDB(t)
	publisher := events.NewMemoryPublisher()
	return relayFixture{
		db:        db,
		outbox:    events.NewOutbox(db, testutil.NewNode(t)),
		publisher: publisher,
		relay: events.NewRelay(events.RelayParams{
			DB:        db,
			Log:       zap.NewNop(),
			Clock:     clock.NewFixed(testutil.Start),
			Publisher: publisher,
			Config:    cfg,
		}),
	}
}

func TestRelayPublishesCommittedEventsOnce(t *testing.T) {
	f := newRelayFixture(t, events.DefaultRelayConfig())
	ctx := context.Background()

	require.NoError(t, f.outbox.Publish(ctx, events.Event{
		Type:        "charge.succeeded",
		AggregateID: snowflake.ID(11),
		Payload:     map[string]any{"amount": 500},
	}))
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.outbox.PublishTx(ctx, tx, events.Event{Type: "transfer.paid", AggregateID: snowflake.ID(12)})
	}))

	published, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, published)

	messages := f.publisher.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, "charge.succeeded", messages[0].Type)
	require.Equal(t, "11", messages[0].Key)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(messages[0].Payload, &payload))
	require.EqualValues(t, 500, payload["amount"])
	require.Equal(t, "transfer.paid", messages[1].Type)

	published, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
	require.Len(t, f.publisher.Messages(), 2)
}

func TestOutboxDedupesRepeatedStateChange(t *testing.T) {
	f := newRelayFixture(t, events.DefaultRelayConfig())
	ctx := context.Background()

	evt := events.Event{Type: "payout.triggered", AggregateID: snowflake.ID(21), DedupeKey: "payout:21:2025-03-10"}
	require.NoError(t, f.outbox.Publish(ctx, evt))
	require.NoError(t, f.outbox.Publish(ctx, evt))

	var count int64
	require.NoError(t, f.db.Model(&events.OutboxEvent{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestOutboxRejectsIncompleteEvents(t *testing.T) {
	f := newRelayFixture(t, events.DefaultRelayConfig())
	ctx := context.Background()

	require.Error(t, f.outbox.Publish(ctx, events.Event{Type: "charge.succeeded"}))
	require.Error(t, f.outbox.Publish(ctx, events.Event{Type: " ", AggregateID: snowflake.ID(1)}))
	require.Error(t, f.outbox.PublishTx(ctx, nil, events.Event{Type: "charge.succeeded", AggregateID: snowflake.ID(1)}))
}

func TestRelayDeadLettersAfterMaxAttempts(t *testing.T) {
	cfg := events.DefaultRelayConfig()
	cfg.MaxAttempts = 2
	f := newRelayFixture(t, cfg)
	ctx := context.Background()

	require.NoError(t, f.outbox.Publish(ctx, events.Event{Type: "transfer.failed", AggregateID: snowflake.ID(31)}))
	f.publisher.FailType("transfer.failed", errors.New("broker unavailable"))

	published, err := f.relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, published)

	var row events.OutboxEvent
	require.NoError(t, f.db.Take(&row).Error)
	require.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	require.Equal(t, "broker unavailable", *row.LastError)
	require.Nil(t, row.DeadAt)
	require.Nil(t, row.ClaimToken)

	_, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, f.db.Take(&row).Error)
	require.Equal(t, 2, row.Attempts)
	require.NotNil(t, row.DeadAt)

	f.publisher.FailType("transfer.failed", nil)
	published, err = f.relay.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, published)
	require.Empty(t, f.publisher.Messages())
}
