package allocation

import (
	"github.com/smallbiznis/settlement/internal/allocation/service"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/fee"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation.service",
	fx.Provide(func(cfg config.Config) (fee.ProcessorEstimator, error) {
		return fee.NewProcessorEstimator(cfg.Fees.ProcessorRate, cfg.Fees.ProcessorFixed)
	}),
	fx.Provide(service.NewService),
)
