package models

type RejectionReason string

const (
	RejectionNone              RejectionReason = ""
	RejectionAlreadyTerminal   RejectionReason = "already-terminal"
	RejectionAmountMismatch    RejectionReason = "amount-mismatch"
	RejectionReferenceConflict RejectionReason = "reference-conflict"
	RejectionUnknownOrder      RejectionReason = "unknown-order"
	RejectionInvalidTransition RejectionReason = "invalid-transition"
)

type TransitionResult struct {
	Applied         bool            `json:"applied"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	PreviousStatus  OrderStatus     `json:"previous_status,omitempty"`
	NewStatus       OrderStatus     `json:"new_status,omitempty"`
	RejectionReason RejectionReason `json:"rejection_reason,omitempty"`
}

func (r TransitionResult) Rejected() bool {
	return r.RejectionReason != RejectionNone
}

// OrderAction is an operational (non-payment) request to move an order.
type OrderAction struct {
	OrderID  string      `json:"order_id"`
	Target   OrderStatus `json:"target"`
	ActionID string      `json:"action_id"`
	Actor    string      `json:"actor"`
	Note     string      `json:"note"`
}
