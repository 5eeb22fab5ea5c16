package payout

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/payout/domain"
	"github.com/smallbiznis/settlement/internal/payout/service"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type WorkerParams struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	Payouts   domain.Service
	Transfers transferdomain.Service
	Config    service.Config `optional:"true"`
}

// Worker runs scheduled payouts and releases due transfers on every tick.
type Worker struct {
	log       *zap.Logger
	clock     clock.Clock
	payouts   domain.Service
	transfers transferdomain.Service
	cfg       service.Config
}

func NewWorker(p WorkerParams) *Worker {
	return &Worker{
		log:       p.Log.Named("payout.worker"),
		clock:     p.Clock,
		payouts:   p.Payouts,
		transfers: p.Transfers,
		cfg:       p.Config.WithDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("payout tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scheduled run followed by one release pass. A run
// held by another process is not an error.
func (w *Worker) RunOnce(ctx context.Context) error {
	var errs []error
	if _, err := w.payouts.Run(ctx, domain.TriggerScheduled); err != nil && !errors.Is(err, domain.ErrRunInProgress) {
		errs = append(errs, err)
	}
	if _, err := w.transfers.ReleaseDue(ctx, w.clock.Now(), w.cfg.BatchSize); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
