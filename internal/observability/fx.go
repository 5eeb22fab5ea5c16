package observability

import (
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/logger"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"github.com/smallbiznis/settlement/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	logger.Module,
	fx.Provide(tracing.NewProvider),
	fx.Provide(func(cfg config.Config) *metrics.SettlementMetrics {
		if !cfg.Metrics.Enabled {
			return nil
		}
		return metrics.Settlement(cfg)
	}),
	// Force the tracer provider to be built so the global is installed.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
