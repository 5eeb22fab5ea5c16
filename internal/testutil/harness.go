package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	allocationservice "github.com/smallbiznis/settlement/internal/allocation/service"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	auditrepository "github.com/smallbiznis/settlement/internal/audit/repository"
	auditservice "github.com/smallbiznis/settlement/internal/audit/service"
	billingdomain "github.com/smallbiznis/settlement/internal/billing/domain"
	billingservice "github.com/smallbiznis/settlement/internal/billing/service"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	chargeservice "github.com/smallbiznis/settlement/internal/charge/service"
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/engine"
	"github.com/smallbiznis/settlement/internal/events"
	"github.com/smallbiznis/settlement/internal/fee"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/settlement/internal/ledger/service"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	payoutdomain "github.com/smallbiznis/settlement/internal/payout/domain"
	payoutservice "github.com/smallbiznis/settlement/internal/payout/service"
	"github.com/smallbiznis/settlement/internal/processor"
	"github.com/smallbiznis/settlement/internal/processor/processortest"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	transferservice "github.com/smallbiznis/settlement/internal/transfer/service"
	webhookdomain "github.com/smallbiznis/settlement/internal/webhook/domain"
	webhookrepository "github.com/smallbiznis/settlement/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/settlement/internal/webhook/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Start is the fixed clock's initial time, a Monday.
var Start = time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)

// Harness holds every service wired against one database, the fake
// processor and a fixed clock.
type Harness struct {
	DB        *gorm.DB
	Clock     *clock.FixedClock
	Node      *snowflake.Node
	Processor *processortest.Fake
	Outbox    *events.Outbox

	Audit       auditdomain.Service
	Ledger      ledgerdomain.Service
	Allocations allocationdomain.Service
	Payments    paymentdomain.Service
	Charges     chargedomain.Service
	Transfers   transferdomain.Service
	Payouts     payoutdomain.Service
	Webhooks    webhookdomain.Service
	Billing     billingdomain.Service
	Engine      *engine.Engine
}

type HarnessOption func(*harnessOptions)

type harnessOptions struct {
	payout payoutservice.Config
}

// WithPayoutConfig overrides the payout scheduler settings.
func WithPayoutConfig(cfg payoutservice.Config) HarnessOption {
	return func(o *harnessOptions) { o.payout = cfg }
}

func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()
	o := harnessOptions{payout: payoutservice.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	log := zap.NewNop()
	h := &Harness{
		DB:        NewDB(t),
		Clock:     clock.NewFixed(Start),
		Node:      NewNode(t),
		Processor: processortest.New(),
	}
	h.Outbox = events.NewOutbox(h.DB, h.Node)
	h.Audit = auditservice.NewService(auditservice.Params{
		DB:    h.DB,
		Log:   log,
		GenID: h.Node,
		Clock: h.Clock,
		Repo:  auditrepository.Provide(),
	})
	h.Ledger = ledgerservice.NewService(ledgerservice.Params{DB: h.DB, Log: log, GenID: h.Node})
	h.Allocations = allocationservice.NewService(allocationservice.Params{
		DB:        h.DB,
		Log:       log,
		GenID:     h.Node,
		Clock:     h.Clock,
		Estimator: fee.DefaultProcessorEstimator(),
	})
	h.Charges = chargeservice.NewService(chargeservice.Params{
		DB:         h.DB,
		Log:        log,
		GenID:      h.Node,
		Clock:      h.Clock,
		Processor:  h.Processor,
		Allocation: h.Allocations,
		Ledger:     h.Ledger,
		Outbox:     h.Outbox,
		Audit:      h.Audit,
	})
	h.Payments = paymentservice.NewService(paymentservice.Params{
		DB:         h.DB,
		Log:        log,
		GenID:      h.Node,
		Clock:      h.Clock,
		Processor:  h.Processor,
		Allocation: h.Allocations,
		Charges:    h.Charges,
		Ledger:     h.Ledger,
		Outbox:     h.Outbox,
		Audit:      h.Audit,
	})
	h.Transfers = transferservice.NewService(transferservice.Params{
		DB:        h.DB,
		Log:       log,
		GenID:     h.Node,
		Clock:     h.Clock,
		Processor: h.Processor,
		Ledger:    h.Ledger,
		Outbox:    h.Outbox,
		Audit:     h.Audit,
	})
	h.Payouts = payoutservice.NewService(payoutservice.Params{
		DB:         h.DB,
		Log:        log,
		GenID:      h.Node,
		Clock:      h.Clock,
		Allocation: h.Allocations,
		Transfers:  h.Transfers,
		Ledger:     h.Ledger,
		Outbox:     h.Outbox,
		Audit:      h.Audit,
		Lock:       payoutservice.NewLocalLock(),
		Config:     o.payout,
	})
	h.Webhooks = webhookservice.NewService(webhookservice.Params{
		DB:        h.DB,
		Log:       log,
		GenID:     h.Node,
		Clock:     h.Clock,
		Cfg:       config.Default(),
		Registry:  processor.NewRegistry(h.Processor),
		Repo:      webhookrepository.Provide(),
		Payments:  h.Payments,
		Charges:   h.Charges,
		Transfers: h.Transfers,
		Audit:     h.Audit,
	})
	h.Billing = billingservice.NewService(billingservice.Params{
		DB:     h.DB,
		Log:    log,
		GenID:  h.Node,
		Clock:  h.Clock,
		Outbox: h.Outbox,
		Audit:  h.Audit,
	})
	h.Engine = engine.New(engine.Params{
		Log:        log,
		Allocation: h.Allocations,
		Payments:   h.Payments,
		Payouts:    h.Payouts,
	})
	return h
}
