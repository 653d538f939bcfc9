package channels

import (
	"strings"
	"time"

	"reconcile-svc/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ManualEntryForm is what an admin types after seeing a MoMo SMS on the
// merchant phone.
type ManualEntryForm struct {
	OrderRef       string `json:"orderRef" validate:"required"`
	ReportedAmount string `json:"reportedAmount" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3"`
	TransactionID  string `json:"transactionId" validate:"required"`
	EvidenceNote   string `json:"evidenceNote" validate:"required"`
	Outcome        string `json:"outcome" validate:"required,oneof=successful failed"`
}

type ManualEntry struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewManualEntry() *ManualEntry {
	return &ManualEntry{
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *ManualEntry) Channel() models.Channel {
	return models.ChannelManualMoMo
}

// Parse passes the typed amount through unmodified; the engine decides
// whether it matches.
func (a *ManualEntry) Parse(form ManualEntryForm, actor string) (models.PaymentEvent, error) {
	ch := models.ChannelManualMoMo
	form.Outcome = strings.ToLower(strings.TrimSpace(form.Outcome))
	if err := a.validate.Struct(form); err != nil {
		return models.PaymentEvent{}, invalid(ch, err)
	}
	if actor == "" {
		return models.PaymentEvent{}, malformed(ch, "manual entry requires an authenticated actor", nil)
	}
	amount, err := parseAmount(ch, form.ReportedAmount)
	if err != nil {
		return models.PaymentEvent{}, err
	}

	txID := strings.TrimSpace(form.TransactionID)
	return models.PaymentEvent{
		ID:                uuid.New(),
		DedupKey:          models.DedupKey(ch, txID, form.Outcome),
		OrderRef:          form.OrderRef,
		ExternalReference: txID,
		ReportedAmount:    amount,
		ReportedCurrency:  normalizeCurrency(form.Currency),
		Outcome:           models.Outcome(form.Outcome),
		ReceivedAt:        a.now(),
		SourceChannel:     ch,
		Actor:             actor,
		Note:              form.EvidenceNote,
	}, nil
}
