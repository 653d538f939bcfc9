package channels

import (
	"strings"
	"time"

	"reconcile-svc/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// CashConfirmationForm is filled in by the rider or admin who collected cash.
type CashConfirmationForm struct {
	OrderRef       string `json:"orderRef" validate:"required"`
	ReportedAmount string `json:"reportedAmount" validate:"required"`
	Currency       string `json:"currency" validate:"required,len=3"`
	ReceiptNumber  string `json:"receiptNumber" validate:"required"`
	Note           string `json:"note"`
}

type CashConfirmation struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewCashConfirmation() *CashConfirmation {
	return &CashConfirmation{
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *CashConfirmation) Channel() models.Channel {
	return models.ChannelCOD
}

func (a *CashConfirmation) Parse(form CashConfirmationForm, actor string) (models.PaymentEvent, error) {
	ch := models.ChannelCOD
	if err := a.validate.Struct(form); err != nil {
		return models.PaymentEvent{}, invalid(ch, err)
	}
	if actor == "" {
		return models.PaymentEvent{}, malformed(ch, "cash confirmation requires an authenticated actor", nil)
	}
	amount, err := parseAmount(ch, form.ReportedAmount)
	if err != nil {
		return models.PaymentEvent{}, err
	}

	// Receipt books get reused, so the receipt alone is not one settlement.
	// A receipt already bound to another order surfaces as a reference conflict.
	receipt := strings.TrimSpace(form.ReceiptNumber)
	return models.PaymentEvent{
		ID:                uuid.New(),
		DedupKey:          models.DedupKey(ch, form.OrderRef, receipt),
		OrderRef:          form.OrderRef,
		ExternalReference: receipt,
		ReportedAmount:    amount,
		ReportedCurrency:  normalizeCurrency(form.Currency),
		Outcome:           models.OutcomeSuccessful,
		ReceivedAt:        a.now(),
		SourceChannel:     ch,
		Actor:             actor,
		Note:              form.Note,
	}, nil
}
