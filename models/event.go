package models

import "time"

// OrderEvent is published to order_events after each status transition.
type OrderEvent struct {
	OrderID           string      `json:"order_id"`
	Status            OrderStatus `json:"status"`
	TotalPrice        string      `json:"total_price"`
	Currency          string      `json:"currency"`
	PaymentMethod     string      `json:"payment_method"`
	ExternalReference string      `json:"external_reference,omitempty"`
	EventType         string      `json:"event_type"` // order_paid, order_shipped, order_delivered, order_cancelled
	OccurredAt        time.Time   `json:"occurred_at"`
}

// FulfillmentEvent is consumed from fulfillment_events.
type FulfillmentEvent struct {
	EventID   string `json:"event_id"`
	OrderID   string `json:"order_id"`
	EventType string `json:"event_type"` // order_shipped, order_delivered, order_cancelled
	Actor     string `json:"actor"`
	Note      string `json:"note"`
}
