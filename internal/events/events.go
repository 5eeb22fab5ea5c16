package events

// Domain event types written to the outbox. The relay publishes each type to
// its own topic, keyed by aggregate id.
const (
	EventAllocationFunded    = "allocation.funded"
	EventChargeSucceeded     = "charge.succeeded"
	EventChargeFailed        = "charge.failed"
	EventChargeRefunded      = "charge.refunded"
	EventTransferPaid        = "transfer.paid"
	EventTransferFailed      = "transfer.failed"
	EventPayoutCompleted     = "payout.completed"
	EventInvariantViolated   = "invariant.violated"
	EventBillingPeriodClosed = "billing_period.closed"
)

// ChargePayload describes a charge state change.
type ChargePayload struct {
	ChargeID        string
	PaymentIntentID string
	AdvertiserID    string
	CampaignID      string
	Amount          int64
	RefundedAmount  int64
	RefundAmount    int64
	Currency        string
	Status          string
	Reason          string
}

func (p ChargePayload) ToMap() map[string]any {
	payload := map[string]any{
		"charge_id":         p.ChargeID,
		"payment_intent_id": p.PaymentIntentID,
		"advertiser_id":     p.AdvertiserID,
		"campaign_id":       p.CampaignID,
		"amount":            p.Amount,
		"refunded_amount":   p.RefundedAmount,
		"currency":          p.Currency,
		"status":            p.Status,
	}
	if p.RefundAmount > 0 {
		payload["refund_amount"] = p.RefundAmount
	}
	if p.Reason != "" {
		payload["reason"] = p.Reason
	}
	return payload
}

// TransferPayload describes a transfer reaching a terminal state.
type TransferPayload struct {
	TransferID      string
	PaymentIntentID string
	RecipientID     string
	Amount          int64
	Currency        string
	Status          string
	FailureCode     string
	FailureMessage  string
}

func (p TransferPayload) ToMap() map[string]any {
	payload := map[string]any{
		"transfer_id":       p.TransferID,
		"payment_intent_id": p.PaymentIntentID,
		"recipient_id":      p.RecipientID,
		"amount":            p.Amount,
		"currency":          p.Currency,
		"status":            p.Status,
	}
	if p.FailureCode != "" {
		payload["failure_code"] = p.FailureCode
	}
	if p.FailureMessage != "" {
		payload["failure_message"] = p.FailureMessage
	}
	return payload
}

// PayoutPayload describes a promoter balance that has been fully paid.
type PayoutPayload struct {
	BalanceID   string
	PromoterID  string
	PeriodStart string
	PeriodEnd   string
	Amount      int64
	Currency    string
}

func (p PayoutPayload) ToMap() map[string]any {
	return map[string]any{
		"balance_id":   p.BalanceID,
		"promoter_id":  p.PromoterID,
		"period_start": p.PeriodStart,
		"period_end":   p.PeriodEnd,
		"amount":       p.Amount,
		"currency":     p.Currency,
	}
}

// AllocationPayload describes a funded budget allocation snapshot.
type AllocationPayload struct {
	AllocationID   string
	CampaignID     string
	Sequence       int
	TotalBudget    int64
	PromoterPayout int64
	Currency       string
}

func (p AllocationPayload) ToMap() map[string]any {
	return map[string]any{
		"allocation_id":   p.AllocationID,
		"campaign_id":     p.CampaignID,
		"sequence":        p.Sequence,
		"total_budget":    p.TotalBudget,
		"promoter_payout": p.PromoterPayout,
		"currency":        p.Currency,
	}
}

// InvariantPayload describes a reconciliation mismatch.
type InvariantPayload struct {
	EntityType string
	EntityID   string
	Check      string
	Expected   int64
	Actual     int64
}

func (p InvariantPayload) ToMap() map[string]any {
	return map[string]any{
		"entity_type": p.EntityType,
		"entity_id":   p.EntityID,
		"check":       p.Check,
		"expected":    p.Expected,
		"actual":      p.Actual,
	}
}

// BillingPeriodPayload describes a closed billing period.
type BillingPeriodPayload struct {
	PeriodID    string
	PeriodStart string
	PeriodEnd   string
	Summaries   int
}

func (p BillingPeriodPayload) ToMap() map[string]any {
	return map[string]any{
		"period_id":    p.PeriodID,
		"period_start": p.PeriodStart,
		"period_end":   p.PeriodEnd,
		"summaries":    p.Summaries,
	}
}
