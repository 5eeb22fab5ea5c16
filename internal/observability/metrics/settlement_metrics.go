package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/settlement/internal/config"
)

// SettlementMetrics holds the engine's Prometheus collectors. All methods are
// safe on a nil receiver.
type SettlementMetrics struct {
	webhookEvents           *prometheus.CounterVec
	transitions             *prometheus.CounterVec
	rejectedTransitions     *prometheus.CounterVec
	refunds                 *prometheus.CounterVec
	payoutRuns              *prometheus.CounterVec
	transfersCreated        prometheus.Counter
	transferOutcomes        *prometheus.CounterVec
	invariantViolations     *prometheus.CounterVec
	processorCalls          *prometheus.HistogramVec
	outboxPublished         *prometheus.CounterVec
	outboxOldestUnpublished prometheus.Gauge
}

var (
	settlementOnce    sync.Once
	settlementMetrics *SettlementMetrics
)

// Settlement returns the process-wide collectors registered on the default registerer.
func Settlement(cfg config.Config) *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementMetrics = New(prometheus.DefaultRegisterer, cfg)
	})
	return settlementMetrics
}

// New registers a fresh set of collectors on registerer.
func New(registerer prometheus.Registerer, cfg config.Config) *SettlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "settlement"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{"service": serviceName, "env": environment}

	m := &SettlementMetrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_webhook_events_total",
			Help:        "Processor webhook deliveries by outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "type", "result"}), // processed | duplicate | rejected | failed
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_state_transitions_total",
			Help:        "Applied state machine transitions.",
			ConstLabels: constLabels,
		}, []string{"entity", "from", "to"}),
		rejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_rejected_transitions_total",
			Help:        "Transitions refused by a state machine.",
			ConstLabels: constLabels,
		}, []string{"entity", "from", "to"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_refunds_total",
			Help:        "Refund attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		payoutRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_payout_runs_total",
			Help:        "Payout runs by trigger and result.",
			ConstLabels: constLabels,
		}, []string{"trigger", "result"}),
		transfersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "settlement_transfers_created_total",
			Help:        "Transfers created by payout runs.",
			ConstLabels: constLabels,
		}),
		transferOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_transfer_outcomes_total",
			Help:        "Transfers reaching a terminal state.",
			ConstLabels: constLabels,
		}, []string{"status"}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_invariant_violations_total",
			Help:        "Reconciliation mismatches that halted an entity.",
			ConstLabels: constLabels,
		}, []string{"entity"}),
		processorCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "settlement_processor_call_duration_seconds",
			Help:        "Latency of payment processor calls.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			ConstLabels: constLabels,
		}, []string{"operation", "result"}),
		outboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "settlement_outbox_published_total",
			Help:        "Outbox events handed to the broker.",
			ConstLabels: constLabels,
		}, []string{"result"}), // published | failed | dead
		outboxOldestUnpublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "settlement_outbox_oldest_unpublished_seconds",
			Help:        "Age of the oldest unpublished outbox event.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.webhookEvents,
		m.transitions,
		m.rejectedTransitions,
		m.refunds,
		m.payoutRuns,
		m.transfersCreated,
		m.transferOutcomes,
		m.invariantViolations,
		m.processorCalls,
		m.outboxPublished,
		m.outboxOldestUnpublished,
	)
	return m
}

func (m *SettlementMetrics) IncWebhook(provider, eventType, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, eventType, result).Inc()
}

func (m *SettlementMetrics) IncTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, from, to).Inc()
}

func (m *SettlementMetrics) IncRejectedTransition(entity, from, to string) {
	if m == nil {
		return
	}
	m.rejectedTransitions.WithLabelValues(entity, from, to).Inc()
}

func (m *SettlementMetrics) IncRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

func (m *SettlementMetrics) IncPayoutRun(trigger, result string) {
	if m == nil {
		return
	}
	m.payoutRuns.WithLabelValues(trigger, result).Inc()
}

func (m *SettlementMetrics) AddTransfersCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.transfersCreated.Add(float64(n))
}

func (m *SettlementMetrics) IncTransferOutcome(status string) {
	if m == nil {
		return
	}
	m.transferOutcomes.WithLabelValues(status).Inc()
}

func (m *SettlementMetrics) IncInvariantViolation(entity string) {
	if m == nil {
		return
	}
	m.invariantViolations.WithLabelValues(entity).Inc()
}

// ObserveProcessorCall records how long a processor operation took.
func (m *SettlementMetrics) ObserveProcessorCall(operation string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.processorCalls.WithLabelValues(operation, result).Observe(elapsed.Seconds())
}

func (m *SettlementMetrics) IncOutbox(result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(result).Inc()
}

func (m *SettlementMetrics) SetOutboxOldest(age time.Duration) {
	if m == nil {
		return
	}
	seconds := age.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.outboxOldestUnpublished.Set(seconds)
}
