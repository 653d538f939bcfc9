package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// allowedTransitions is the forward-only order graph.
var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

func (s OrderStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether no payment event may alter the order any more.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	for _, to := range allowedTransitions[s] {
		if to == target {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodCOD         PaymentMethod = "cod"
	PaymentMethodMTNMoMo     PaymentMethod = "mtn_momo"
	PaymentMethodAirtelMoney PaymentMethod = "airtel_money"
	PaymentMethodPayPal      PaymentMethod = "paypal"
	PaymentMethodPesapal     PaymentMethod = "pesapal"
	PaymentMethodManualMoMo  PaymentMethod = "manual_momo"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodMTNMoMo, PaymentMethodAirtelMoney,
		PaymentMethodPayPal, PaymentMethodPesapal, PaymentMethodManualMoMo:
		return true
	default:
		return false
	}
}

type Order struct {
	ID                string          `json:"id"`
	Status            OrderStatus     `json:"status"`
	Total             decimal.Decimal `json:"total"`
	Currency          string          `json:"currency"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	ExternalReference string          `json:"external_reference,omitempty"`
	CustomerPhone     string          `json:"customer_phone,omitempty"`
	CustomerEmail     string          `json:"customer_email,omitempty"`
	History           []Transition    `json:"history,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type TransitionKind string

const (
	TransitionKindTransition TransitionKind = "transition"
	// TransitionKindEvidence entries record an event without moving the status.
	TransitionKindEvidence TransitionKind = "evidence"
)

type Transition struct {
	ID         uuid.UUID      `json:"id"`
	OrderID    string         `json:"order_id"`
	FromStatus OrderStatus    `json:"from_status"`
	ToStatus   OrderStatus    `json:"to_status"`
	Kind       TransitionKind `json:"kind"`
	EventID    string         `json:"event_id"`
	Channel    Channel        `json:"channel,omitempty"`
	Evidence   Evidence       `json:"evidence"`
	AppliedAt  time.Time      `json:"applied_at"`
}

type Evidence struct {
	DedupKey          string           `json:"dedup_key,omitempty"`
	ExternalReference string           `json:"external_reference,omitempty"`
	ReportedAmount    *decimal.Decimal `json:"reported_amount,omitempty"`
	ReportedCurrency  string           `json:"reported_currency,omitempty"`
	Outcome           Outcome          `json:"outcome,omitempty"`
	Actor             string           `json:"actor,omitempty"`
	Note              string           `json:"note,omitempty"`
}

type CreateOrderRequest struct {
	ID            string          `json:"id" binding:"required"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	PaymentMethod PaymentMethod   `json:"payment_method" binding:"required"`
	CustomerPhone string          `json:"customer_phone"`
	CustomerEmail string          `json:"customer_email"`
}
