package processor

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Adapters collects every adapter contributed to the "processor.adapters" group.
type Adapters struct {
	fx.In

	List []Adapter `group:"processor.adapters"`
}

// NewConfiguredRegistry registers the contributed adapters and selects the
// configured provider as primary.
func NewConfiguredRegistry(cfg config.Config, in Adapters) (*Registry, error) {
	registry := NewRegistry(in.List...)
	provider := strings.TrimSpace(cfg.Processor.Provider)
	if provider == "" {
		return registry, nil
	}
	if err := registry.SetPrimary(provider); err != nil {
		return nil, fmt.Errorf("processor %q is not configured: %w", provider, err)
	}
	return registry, nil
}

// NewPrimary returns the instrumented primary processor for outgoing calls.
func NewPrimary(cfg config.Config, registry *Registry, m *metrics.SettlementMetrics, log *zap.Logger) (Processor, error) {
	adapter, err := registry.Primary()
	if err != nil {
		return nil, err
	}
	log.Info("payment processor selected", zap.String("provider", adapter.Provider()))
	return NewInstrumented(adapter, cfg.Processor.Timeout, m, log), nil
}

var Module = fx.Module("processor",
	fx.Provide(NewConfiguredRegistry),
	fx.Provide(NewPrimary),
)
