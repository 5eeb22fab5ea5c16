package payout

import (
	"context"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/payout/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("payout.service",
	fx.Provide(service.FromConfig),
	fx.Provide(newRunLock),
	fx.Provide(service.NewService),
)

// WorkerModule schedules payout runs. It is separate so one-shot commands
// can use the service without starting the loop.
var WorkerModule = fx.Module("payout.worker",
	fx.Provide(NewWorker),
	fx.Invoke(runWorker),
)

func newRunLock(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (service.RunLock, error) {
	if cfg.Redis.URL == "" {
		log.Info("payout run lock is in-process")
		return service.NewLocalLock(), nil
	}
	client, err := service.Connect(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return service.NewRedisLock(client), nil
}

func runWorker(lc fx.Lifecycle, worker *Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				worker.RunForever(ctx)
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
