package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/settlement/internal/config"
)

func TestSettlementMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry, config.Default())

	m.IncWebhook("gateway", "payment_intent.succeeded", "processed")
	m.IncWebhook("gateway", "payment_intent.succeeded", "duplicate")
	m.IncWebhook("gateway", "payment_intent.succeeded", "duplicate")
	m.IncInvariantViolation("charge")
	m.ObserveProcessorCall("create_transfer", errors.New("timeout"), 2*time.Second)

	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("gateway", "payment_intent.succeeded", "duplicate")); got != 2 {
		t.Fatalf("expected 2 duplicates, got %v", got)
	}
	if got := testutil.ToFloat64(m.invariantViolations.WithLabelValues("charge")); got != 1 {
		t.Fatalf("expected 1 violation, got %v", got)
	}
	if got := testutil.CollectAndCount(m.processorCalls); got != 1 {
		t.Fatalf("expected 1 processor series, got %d", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *SettlementMetrics
	m.IncWebhook("gateway", "x", "processed")
	m.IncTransition("charge", "pending", "succeeded")
	m.SetOutboxOldest(time.Minute)
	m.AddTransfersCreated(3)
}
