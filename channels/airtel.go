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

type airtelTransaction struct {
	ID            string      `json:"id" validate:"required"`
	AirtelMoneyID string      `json:"airtel_money_id" validate:"required"`
	StatusCode    string      `json:"status_code" validate:"required,oneof=TS TF TIP"`
	Message       string      `json:"message"`
	Amount        json.Number `json:"amount" validate:"required"`
	Currency      string      `json:"currency" validate:"required,len=3"`
}

type airtelCallback struct {
	Transaction airtelTransaction `json:"transaction"`
}

var airtelOutcomes = map[string]models.Outcome{
	"TS":  models.OutcomeSuccessful,
	"TF":  models.OutcomeFailed,
	"TIP": models.OutcomePending,
}

// AirtelWebhook normalises Airtel Money collection callbacks.
// transaction.id is our order id.
type AirtelWebhook struct {
	secret   []byte
	validate *validator.Validate
	now      func() time.Time
}

func NewAirtelWebhook(cfg config.WebhookConfig) *AirtelWebhook {
	return &AirtelWebhook{
		secret:   []byte(cfg.Secret),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *AirtelWebhook) Channel() models.Channel {
	return models.ChannelAirtelMoney
}

func (a *AirtelWebhook) Handle(header http.Header, body []byte) (models.PaymentEvent, error) {
	if err := verifyBase64(models.ChannelAirtelMoney, a.secret, body, header.Get("X-Auth-Signature")); err != nil {
		return models.PaymentEvent{}, err
	}
	return a.Parse(body)
}

func (a *AirtelWebhook) Parse(body []byte) (models.PaymentEvent, error) {
	ch := models.ChannelAirtelMoney
	var cb airtelCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return models.PaymentEvent{}, malformed(ch, "invalid JSON", err)
	}
	tx := cb.Transaction
	tx.StatusCode = strings.ToUpper(strings.TrimSpace(tx.StatusCode))
	if err := a.validate.Struct(tx); err != nil {
		return models.PaymentEvent{}, invalid(ch, err)
	}

	amount, err := parseAmount(ch, tx.Amount.String())
	if err != nil {
		return models.PaymentEvent{}, err
	}
	outcome := airtelOutcomes[tx.StatusCode]

	return models.PaymentEvent{
		ID:                uuid.New(),
		DedupKey:          models.DedupKey(ch, tx.AirtelMoneyID, string(outcome)),
		OrderRef:          tx.ID,
		ExternalReference: tx.AirtelMoneyID,
		ReportedAmount:    amount,
		ReportedCurrency:  normalizeCurrency(tx.Currency),
		Outcome:           outcome,
		ReceivedAt:        a.now(),
		SourceChannel:     ch,
		Note:              tx.Message,
	}, nil
}
