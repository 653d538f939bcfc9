package channels

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"reconcile-svc/config"
	"reconcile-svc/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type mtnPayer struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnCallback struct {
	FinancialTransactionID string      `json:"financialTransactionId" validate:"required"`
	ExternalID             string      `json:"externalId" validate:"required"`
	Amount                 json.Number `json:"amount" validate:"required"`
	Currency               string      `json:"currency" validate:"required,len=3"`
	Status                 string      `json:"status" validate:"required,oneof=SUCCESSFUL FAILED PENDING"`
	Reason                 string      `json:"reason"`
	Payer                  mtnPayer    `json:"payer"`
}

var mtnOutcomes = map[string]models.Outcome{
	"SUCCESSFUL": models.OutcomeSuccessful,
	"FAILED":     models.OutcomeFailed,
	"PENDING":    models.OutcomePending,
}

// MTNWebhook normalises MTN MoMo collection callbacks. externalId carries
// our order id.
type MTNWebhook struct {
	secret   []byte
	maxAge   time.Duration
	validate *validator.Validate
	now      func() time.Time
}

func NewMTNWebhook(cfg config.WebhookConfig) *MTNWebhook {
	return &MTNWebhook{
		secret:   []byte(cfg.Secret),
		maxAge:   cfg.MaxAge,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *MTNWebhook) Channel() models.Channel {
	return models.ChannelMTNMoMo
}

// Handle verifies X-Timestamp/X-Signature and parses the body.
func (a *MTNWebhook) Handle(header http.Header, body []byte) (models.PaymentEvent, error) {
	if err := verifyTimestamped(models.ChannelMTNMoMo, a.secret, a.maxAge, a.now(), body,
		header.Get("X-Timestamp"), header.Get("X-Signature")); err != nil {
		return models.PaymentEvent{}, err
	}
	return a.Parse(body)
}

func (a *MTNWebhook) Parse(body []byte) (models.PaymentEvent, error) {
	ch := models.ChannelMTNMoMo
	var cb mtnCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return models.PaymentEvent{}, malformed(ch, "invalid JSON", err)
	}
	cb.Status = strings.ToUpper(strings.TrimSpace(cb.Status))
	if err := a.validate.Struct(cb); err != nil {
		return models.PaymentEvent{}, invalid(ch, err)
	}

	amount, err := parseAmount(ch, cb.Amount.String())
	if err != nil {
		return models.PaymentEvent{}, err
	}
	outcome := mtnOutcomes[cb.Status]

	return models.PaymentEvent{
		ID:                uuid.New(),
		DedupKey:          models.DedupKey(ch, cb.FinancialTransactionID, string(outcome)),
		OrderRef:          cb.ExternalID,
		ExternalReference: cb.FinancialTransactionID,
		ReportedAmount:    amount,
		ReportedCurrency:  normalizeCurrency(cb.Currency),
		Outcome:           outcome,
		ReceivedAt:        a.now(),
		SourceChannel:     ch,
		Actor:             cb.Payer.PartyID,
		Note:              cb.Reason,
	}, nil
}
