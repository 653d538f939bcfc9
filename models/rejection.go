package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rejection is a backlog item that needs an operator decision.
type Rejection struct {
	ID               uuid.UUID        `json:"id"`
	OrderID          string           `json:"order_id"`
	EventID          string           `json:"event_id"`
	DedupKey         string           `json:"dedup_key"`
	Channel          Channel          `json:"channel"`
	Reason           RejectionReason  `json:"reason"`
	ReportedAmount   *decimal.Decimal `json:"reported_amount,omitempty"`
	ReportedCurrency string           `json:"reported_currency,omitempty"`
	ExpectedAmount   *decimal.Decimal `json:"expected_amount,omitempty"`
	ExpectedCurrency string           `json:"expected_currency,omitempty"`
	Detail           string           `json:"detail"`
	CreatedAt        time.Time        `json:"created_at"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
}
