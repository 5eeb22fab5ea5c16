// Package schema lists every persisted model so the database can be
// migrated in one step.
package schema

import (
	"context"

	allocationdomain "github.com/smallbiznis/settlement/internal/allocation/domain"
	auditdomain "github.com/smallbiznis/settlement/internal/audit/domain"
	billingdomain "github.com/smallbiznis/settlement/internal/billing/domain"
	chargedomain "github.com/smallbiznis/settlement/internal/charge/domain"
	"github.com/smallbiznis/settlement/internal/events"
	ledgerdomain "github.com/smallbiznis/settlement/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/settlement/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/settlement/internal/payout/domain"
	transferdomain "github.com/smallbiznis/settlement/internal/transfer/domain"
	webhookdomain "github.com/smallbiznis/settlement/internal/webhook/domain"
	"gorm.io/gorm"
)

func Models() []any {
	return []any{
		&allocationdomain.BudgetAllocation{},
		&paymentdomain.PaymentFlowConfig{},
		&paymentdomain.PaymentIntent{},
		&paymentdomain.PlatformFeeRecord{},
		&chargedomain.Charge{},
		&chargedomain.Refund{},
		&chargedomain.AdvertiserSpend{},
		&transferdomain.Transfer{},
		&payoutdomain.PromoterBalance{},
		&payoutdomain.PromoterEarning{},
		&payoutdomain.PayoutPreference{},
		&payoutdomain.PayoutRun{},
		&payoutdomain.TransferAllocation{},
		&webhookdomain.EventRecord{},
		&billingdomain.BillingPeriod{},
		&billingdomain.BillingPeriodSummary{},
		&billingdomain.BillingAdjustment{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerEntryLine{},
		&events.OutboxEvent{},
		&auditdomain.AuditLog{},
	}
}

// Migrate creates or updates every table and index.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}
