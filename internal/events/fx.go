package events

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/settlement/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("events",
	fx.Provide(func(db *gorm.DB, genID *snowflake.Node) *Outbox {
		return NewOutbox(db, genID)
	}),
	fx.Provide(RelayConfigFrom),
	fx.Provide(newPublisher),
	fx.Provide(NewRelay),
	fx.Invoke(runRelay),
)

func newPublisher(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Publisher, error) {
	var publisher Publisher
	if len(cfg.Kafka.Brokers) == 0 {
		log.Warn("no kafka brokers configured, domain events stay in memory")
		publisher = NewMemoryPublisher()
	} else {
		kafkaPublisher, err := NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.TopicPrefix)
		if err != nil {
			return nil, err
		}
		publisher = kafkaPublisher
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return publisher.Close() },
	})
	return publisher, nil
}

func runRelay(lc fx.Lifecycle, relay *Relay) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go relay.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
