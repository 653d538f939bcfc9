package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"reconcile-svc/config"
	"reconcile-svc/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pesapal v3 status codes.
const (
	PesapalInvalid   = 0
	PesapalCompleted = 1
	PesapalFailed    = 2
	PesapalReversed  = 3
)

type pesapalError struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type pesapalTokenResponse struct {
	Token      string        `json:"token"`
	ExpiryDate string        `json:"expiryDate"`
	Error      *pesapalError `json:"error"`
	Status     string        `json:"status"`
}

type pesapalBillingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
}

type pesapalSubmitRequest struct {
	ID             string                `json:"id"`
	Currency       string                `json:"currency"`
	Amount         json.Number           `json:"amount"`
	Description    string                `json:"description"`
	CallbackURL    string                `json:"callback_url"`
	NotificationID string                `json:"notification_id"`
	BillingAddress pesapalBillingAddress `json:"billing_address"`
}

type pesapalSubmitResponse struct {
	OrderTrackingID   string        `json:"order_tracking_id" validate:"required"`
	MerchantReference string        `json:"merchant_reference" validate:"required"`
	RedirectURL       string        `json:"redirect_url" validate:"required,url"`
	Error             *pesapalError `json:"error"`
	Status            string        `json:"status"`
}

type PesapalSubmission struct {
	TrackingID        string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
}

// PesapalStatus is the GetTransactionStatus answer.
type PesapalStatus struct {
	PaymentMethod            string        `json:"payment_method"`
	Amount                   json.Number   `json:"amount"`
	CreatedDate              string        `json:"created_date"`
	ConfirmationCode         string        `json:"confirmation_code"`
	PaymentStatusDescription string        `json:"payment_status_description"`
	Description              string        `json:"description"`
	Message                  string        `json:"message"`
	PaymentAccount           string        `json:"payment_account"`
	StatusCode               *int          `json:"status_code" validate:"required"`
	MerchantReference        string        `json:"merchant_reference" validate:"required"`
	Currency                 string        `json:"currency"`
	Error                    *pesapalError `json:"error"`
	Status                   string        `json:"status"`
}

// PesapalIPN is the instant payment notification. It carries no outcome;
// it only tells us to ask for the status.
type PesapalIPN struct {
	OrderTrackingID        string `json:"OrderTrackingId" form:"OrderTrackingId" validate:"required"`
	OrderMerchantReference string `json:"OrderMerchantReference" form:"OrderMerchantReference" validate:"required"`
	OrderNotificationType  string `json:"OrderNotificationType" form:"OrderNotificationType"`
}

// PesapalIPNAck is the body Pesapal expects back from the IPN URL.
type PesapalIPNAck struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

type Pesapal struct {
	gw       gatewayClient
	cfg      config.PesapalConfig
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewPesapal(cfg config.PesapalConfig, timeout time.Duration, tokens TokenStore, logger *zap.Logger) *Pesapal {
	return &Pesapal{
		gw:       newGatewayClient(models.ChannelPesapal, cfg.BaseURL, timeout, tokens, logger),
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pesapal) Channel() models.Channel {
	return models.ChannelPesapal
}

func (p *Pesapal) gatewayFailure(e *pesapalError) *AdapterError {
	return gatewayError(models.ChannelPesapal, fmt.Sprintf("%s: %s", e.Code, e.Message), nil)
}

func (p *Pesapal) RequestToken(ctx context.Context) (string, error) {
	return p.gw.cachedToken(ctx, func(ctx context.Context) (string, time.Duration, error) {
		req, err := p.gw.newJSONRequest(ctx, http.MethodPost, "/api/Auth/RequestToken", "", map[string]string{
			"consumer_key":    p.cfg.ConsumerKey,
			"consumer_secret": p.cfg.ConsumerSecret,
		})
		if err != nil {
			return "", 0, err
		}
		resp, err := p.gw.do(ctx, req)
		if err != nil {
			return "", 0, err
		}

		var tr pesapalTokenResponse
		if err := json.Unmarshal(resp.body, &tr); err != nil {
			return "", 0, malformed(models.ChannelPesapal, "invalid token response", err)
		}
		if tr.Error != nil && tr.Error.Code != "" {
			return "", 0, p.gatewayFailure(tr.Error)
		}
		if resp.status != http.StatusOK || tr.Token == "" {
			return "", 0, gatewayError(models.ChannelPesapal, fmt.Sprintf("token request answered %d", resp.status), nil)
		}

		// Tokens live five minutes; refresh a little early.
		ttl := 4 * time.Minute
		if expiry, err := time.Parse(time.RFC3339Nano, tr.ExpiryDate); err == nil {
			ttl = expiry.Sub(p.now()) - 30*time.Second
		}
		return tr.Token, ttl, nil
	})
}

// SubmitOrder registers the order with Pesapal. The merchant reference is
// the order id; the returned tracking id is what the order gets engaged with.
func (p *Pesapal) SubmitOrder(ctx context.Context, order models.Order) (PesapalSubmission, error) {
	token, err := p.RequestToken(ctx)
	if err != nil {
		return PesapalSubmission{}, err
	}

	req, err := p.gw.newJSONRequest(ctx, http.MethodPost, "/api/Transactions/SubmitOrderRequest", token, pesapalSubmitRequest{
		ID:             order.ID,
		Currency:       order.Currency,
		Amount:         json.Number(order.Total.StringFixed(2)),
		Description:    fmt.Sprintf("Order %s", order.ID),
		CallbackURL:    p.cfg.CallbackURL,
		NotificationID: p.cfg.IPNID,
		BillingAddress: pesapalBillingAddress{EmailAddress: order.CustomerEmail, PhoneNumber: order.CustomerPhone},
	})
	if err != nil {
		return PesapalSubmission{}, err
	}
	resp, err := p.gw.do(ctx, req)
	if err != nil {
		return PesapalSubmission{}, err
	}

	var sr pesapalSubmitResponse
	if err := json.Unmarshal(resp.body, &sr); err != nil {
		return PesapalSubmission{}, malformed(models.ChannelPesapal, "invalid submit response", err)
	}
	if sr.Error != nil && sr.Error.Code != "" {
		return PesapalSubmission{}, p.gatewayFailure(sr.Error)
	}
	if err := p.validate.Struct(sr); err != nil {
		return PesapalSubmission{}, invalid(models.ChannelPesapal, err)
	}
	if sr.MerchantReference != order.ID {
		return PesapalSubmission{}, malformed(models.ChannelPesapal, "merchant reference does not match order", nil)
	}

	return PesapalSubmission{
		TrackingID:        sr.OrderTrackingID,
		MerchantReference: sr.MerchantReference,
		RedirectURL:       sr.RedirectURL,
	}, nil
}

func (p *Pesapal) GetTransactionStatus(ctx context.Context, trackingID string) (*PesapalStatus, error) {
	token, err := p.RequestToken(ctx)
	if err != nil {
		return nil, err
	}

	path := "/api/Transactions/GetTransactionStatus?orderTrackingId=" + url.QueryEscape(trackingID)
	req, err := p.gw.newJSONRequest(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.gw.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var st PesapalStatus
	if err := json.Unmarshal(resp.body, &st); err != nil {
		return nil, malformed(models.ChannelPesapal, "invalid status response", err)
	}
	if st.Error != nil && st.Error.Code != "" {
		return nil, p.gatewayFailure(st.Error)
	}
	if resp.status != http.StatusOK {
		return nil, gatewayError(models.ChannelPesapal, fmt.Sprintf("status request answered %d: %s", resp.status, snippet(resp.body)), nil)
	}
	if err := p.validate.Struct(st); err != nil {
		return nil, invalid(models.ChannelPesapal, err)
	}
	return &st, nil
}

// Poll asks Pesapal for the order's payment state. A nil event with a nil
// error means there is nothing to report yet (INVALID or REVERSED).
func (p *Pesapal) Poll(ctx context.Context, order models.Order) (*models.PaymentEvent, *PesapalStatus, error) {
	if order.ExternalReference == "" {
		return nil, nil, ErrNotEngaged
	}
	st, err := p.GetTransactionStatus(ctx, order.ExternalReference)
	if err != nil {
		return nil, nil, err
	}
	ev, err := p.toEvent(order, st)
	return ev, st, err
}

func (p *Pesapal) toEvent(order models.Order, st *PesapalStatus) (*models.PaymentEvent, error) {
	ch := models.ChannelPesapal
	if st.MerchantReference != order.ID {
		return nil, malformed(ch, "merchant reference does not match order", nil)
	}

	var outcome models.Outcome
	switch *st.StatusCode {
	case PesapalCompleted:
		outcome = models.OutcomeSuccessful
	case PesapalFailed:
		outcome = models.OutcomeFailed
	case PesapalInvalid, PesapalReversed:
		return nil, nil
	default:
		return nil, malformed(ch, fmt.Sprintf("unknown status_code %d", *st.StatusCode), nil)
	}

	amount, err := parseAmount(ch, st.Amount.String())
	if err != nil {
		return nil, err
	}

	note := st.PaymentStatusDescription
	if st.ConfirmationCode != "" {
		note = fmt.Sprintf("%s confirmation %s via %s", st.PaymentStatusDescription, st.ConfirmationCode, st.PaymentMethod)
	}

	return &models.PaymentEvent{
		ID:                uuid.New(),
		DedupKey:          models.DedupKey(ch, order.ExternalReference, st.MerchantReference, string(outcome)),
		OrderRef:          st.MerchantReference,
		ExternalReference: order.ExternalReference,
		ReportedAmount:    amount,
		ReportedCurrency:  normalizeCurrency(st.Currency),
		Outcome:           outcome,
		ReceivedAt:        p.now(),
		SourceChannel:     ch,
		Actor:             st.PaymentAccount,
		Note:              note,
	}, nil
}

func (p *Pesapal) ValidateIPN(ipn PesapalIPN) error {
	if err := p.validate.Struct(ipn); err != nil {
		return invalid(models.ChannelPesapal, err)
	}
	return nil
}

func (p *Pesapal) IPNAck(ipn PesapalIPN, status int) PesapalIPNAck {
	notificationType := ipn.OrderNotificationType
	if notificationType == "" {
		notificationType = "IPNCHANGE"
	}
	return PesapalIPNAck{
		OrderNotificationType:  notificationType,
		OrderTrackingID:        ipn.OrderTrackingID,
		OrderMerchantReference: ipn.OrderMerchantReference,
		Status:                 status,
	}
}
