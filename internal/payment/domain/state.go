package domain

import "time"

// IntentStatus is the payment intent lifecycle state.
type IntentStatus string

const (
	StatusRequiresPaymentMethod IntentStatus = "requires_payment_method"
	StatusRequiresConfirmation  IntentStatus = "requires_confirmation"
	StatusRequiresAction        IntentStatus = "requires_action"
	StatusProcessing            IntentStatus = "processing"
	StatusRequiresCapture       IntentStatus = "requires_capture"
	StatusSucceeded             IntentStatus = "succeeded"
	StatusCanceled              IntentStatus = "canceled"
)

// transitions lists the states reachable from each state. Forward moves may
// skip steps; moving back to requires_payment_method is only valid for a
// reported payment failure.
var transitions = map[IntentStatus][]IntentStatus{
	StatusRequiresPaymentMethod: {StatusRequiresConfirmation, StatusRequiresAction, StatusProcessing, StatusRequiresCapture, StatusSucceeded, StatusCanceled},
	StatusRequiresConfirmation:  {StatusRequiresAction, StatusProcessing, StatusRequiresCapture, StatusSucceeded, StatusRequiresPaymentMethod, StatusCanceled},
	StatusRequiresAction:        {StatusProcessing, StatusRequiresCapture, StatusSucceeded, StatusRequiresPaymentMethod, StatusCanceled},
	StatusProcessing:            {StatusRequiresCapture, StatusSucceeded, StatusRequiresPaymentMethod, StatusCanceled},
	StatusRequiresCapture:       {StatusSucceeded, StatusRequiresPaymentMethod, StatusCanceled},
	StatusSucceeded:             nil,
	StatusCanceled:              nil,
}

func (s IntentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s IntentStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled
}

// Cancelable reports whether an explicit cancel request is accepted.
func (s IntentStatus) Cancelable() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransition reports whether from → to is in the transition table.
// Same-state moves are handled by the caller as no-ops.
func CanTransition(from, to IntentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is a state change reported for the intent with ExternalID.
type Transition struct {
	ExternalID string
	To         IntentStatus
	// Failed marks a processor-reported payment failure; To must be
	// requires_payment_method.
	Failed         bool
	FailureCode    string
	FailureMessage string
	OccurredAt     time.Time
}
