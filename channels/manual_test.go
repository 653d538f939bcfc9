package channels

import (
	"testing"

	"reconcile-svc/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualEntry_Parse(t *testing.T) {
	a := NewManualEntry()

	ev, err := a.Parse(ManualEntryForm{
		OrderRef:       "O7",
		ReportedAmount: "49000",
		Currency:       "UGX",
		TransactionID:  "MM240101.1200.A12345",
		EvidenceNote:   "SMS on shop phone 12:00",
		Outcome:        "Successful",
	}, "ops@shop")
	require.NoError(t, err)

	assert.Equal(t, "manual_momo:MM240101.1200.A12345:successful", ev.DedupKey)
	assert.Equal(t, "49000", ev.ReportedAmount.String(), "amount passes through unmodified")
	assert.Equal(t, models.OutcomeSuccessful, ev.Outcome)
	assert.Equal(t, "ops@shop", ev.Actor)
}

func TestManualEntry_RequiresActorAndEvidence(t *testing.T) {
	a := NewManualEntry()
	form := ManualEntryForm{OrderRef: "O7", ReportedAmount: "1", Currency: "UGX", TransactionID: "T1", Outcome: "successful"}

	_, err := a.Parse(form, "ops@shop")
	assert.Error(t, err, "missing evidence note")

	form.EvidenceNote = "seen"
	_, err = a.Parse(form, "")
	assert.Error(t, err, "missing actor")

	form.Outcome = "pending"
	_, err = a.Parse(form, "ops@shop")
	assert.Error(t, err, "pending is not a manual outcome")
}

func TestCashConfirmation_Parse(t *testing.T) {
	a := NewCashConfirmation()

	ev, err := a.Parse(CashConfirmationForm{OrderRef: "O3", ReportedAmount: "49500", Currency: "UGX", ReceiptNumber: " R-001 "}, "rider-7")
	require.NoError(t, err)

	assert.Equal(t, "cod:O3:R-001", ev.DedupKey)
	assert.Equal(t, models.ChannelCOD, ev.SourceChannel)
	assert.Equal(t, models.OutcomeSuccessful, ev.Outcome)

	_, err = a.Parse(CashConfirmationForm{OrderRef: "O3", ReportedAmount: "abc", Currency: "UGX", ReceiptNumber: "R-2"}, "rider-7")
	ae, ok := AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, KindMalformed, ae.Kind)
}
