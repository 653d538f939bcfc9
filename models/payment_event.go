package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeSuccessful Outcome = "successful"
	OutcomeFailed     Outcome = "failed"
	OutcomePending    Outcome = "pending"
)

type Channel string

const (
	ChannelMTNMoMo     Channel = "mtn_momo"
	ChannelAirtelMoney Channel = "airtel_money"
	ChannelPesapal     Channel = "pesapal"
	ChannelPayPal      Channel = "paypal"
	ChannelManualMoMo  Channel = "manual_momo"
	ChannelCOD         Channel = "cod"
	// ChannelOperations marks transitions driven by shipping/cancel actions.
	ChannelOperations Channel = "operations"
)

type ChannelKind string

const (
	ChannelKindPush     ChannelKind = "push"
	ChannelKindPoll     ChannelKind = "poll"
	ChannelKindRedirect ChannelKind = "redirect"
	ChannelKindManual   ChannelKind = "manual"
	ChannelKindCash     ChannelKind = "cash"
)

func (c Channel) Kind() ChannelKind {
	switch c {
	case ChannelMTNMoMo, ChannelAirtelMoney:
		return ChannelKindPush
	case ChannelPesapal:
		return ChannelKindPoll
	case ChannelPayPal:
		return ChannelKindRedirect
	case ChannelCOD:
		return ChannelKindCash
	default:
		return ChannelKindManual
	}
}

// PaymentEvent is one normalized settlement report from a channel adapter.
// ReceivedAt is stamped by the adapter, never taken from the gateway.
type PaymentEvent struct {
	ID                uuid.UUID       `json:"id"`
	DedupKey          string          `json:"dedup_key"`
	OrderRef          string          `json:"order_ref"`
	ExternalReference string          `json:"external_reference,omitempty"`
	ReportedAmount    decimal.Decimal `json:"reported_amount"`
	ReportedCurrency  string          `json:"reported_currency"`
	Outcome           Outcome         `json:"outcome"`
	ReceivedAt        time.Time       `json:"received_at"`
	SourceChannel     Channel         `json:"source_channel"`
	Actor             string          `json:"actor,omitempty"`
	Note              string          `json:"note,omitempty"`
}

// DedupKey builds a channel-scoped key so two channels can never collide.
func DedupKey(ch Channel, parts ...string) string {
	return string(ch) + ":" + strings.Join(parts, ":")
}

func (e PaymentEvent) Evidence() Evidence {
	amount := e.ReportedAmount
	return Evidence{
		DedupKey:          e.DedupKey,
		ExternalReference: e.ExternalReference,
		ReportedAmount:    &amount,
		ReportedCurrency:  e.ReportedCurrency,
		Outcome:           e.Outcome,
		Actor:             e.Actor,
		Note:              e.Note,
	}
}
