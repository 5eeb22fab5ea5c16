package webhook

import (
	"context"
	"time"

	"github.com/smallbiznis/settlement/internal/cache"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/webhook/domain"
	"github.com/smallbiznis/settlement/internal/webhook/repository"
	"github.com/smallbiznis/settlement/internal/webhook/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("webhook.service",
	fx.Provide(repository.Provide),
	fx.Provide(newDedupe),
	fx.Provide(service.NewService),
)

// ReplayModule re-applies stored events whose processing failed.
var ReplayModule = fx.Module("webhook.replay",
	fx.Invoke(runReplay),
)

func newDedupe(cfg config.Config) service.Dedupe {
	entries := cfg.Webhook.DedupeEntries
	if entries <= 0 {
		entries = 10000
	}
	return cache.NewTTLCache[string, struct{}](cache.WithMaxEntries(entries))
}

func runReplay(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, svc domain.Service) {
	interval := cfg.Webhook.ReplayInterval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.Webhook.ReplayBatch
	if batch <= 0 {
		batch = 100
	}
	log = log.Named("webhook.replay")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						n, err := svc.ReplayUnprocessed(ctx, batch)
						if err != nil {
							log.Warn("replay webhook events", zap.Int("processed", n), zap.Error(err))
						} else if n > 0 {
							log.Info("replayed webhook events", zap.Int("processed", n))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
