package provisioning

type OutcomeKind string

const (
	OutcomeProvisioned      OutcomeKind = "provisioned"
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
	OutcomeNotPaid          OutcomeKind = "not_paid"
	OutcomeCanceled         OutcomeKind = "canceled"
)

// Outcome is what the payment callback reports back to the tenant.
type Outcome struct {
	Kind           OutcomeKind `json:"kind"`
	Message        string      `json:"message"`
	PlanName       string      `json:"plan_name,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	Amount         float64     `json:"amount,omitempty"`
	Currency       string      `json:"currency,omitempty"`
	SubscriptionID int64       `json:"subscription_id,omitempty"`
	PaymentID      int64       `json:"payment_id,omitempty"`
}

const (
	msgNotPaid          = "Payment was not completed. Please try again."
	msgAlreadyProcessed = "Payment has already been processed."
	msgCanceled         = "Payment cancelled. You can return anytime to select a different subscription plan."
)
