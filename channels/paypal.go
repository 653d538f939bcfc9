package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reconcile-svc/config"
	"reconcile-svc/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type paypalTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code" validate:"required,len=3"`
	Value        string `json:"value" validate:"required"`
}

type paypalCapture struct {
	ID       string       `json:"id" validate:"required"`
	Status   string       `json:"status" validate:"required"`
	Amount   paypalAmount `json:"amount"`
	CustomID string       `json:"custom_id"`
}

type paypalPayments struct {
	Captures []paypalCapture `json:"captures"`
}

type paypalPurchaseUnit struct {
	ReferenceID string          `json:"reference_id,omitempty"`
	CustomID    string          `json:"custom_id,omitempty"`
	Amount      *paypalAmount   `json:"amount,omitempty"`
	Payments    *paypalPayments `json:"payments,omitempty"`
}

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type paypalApplicationContext struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type paypalCreateOrderRequest struct {
	Intent             string                   `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnit     `json:"purchase_units"`
	ApplicationContext paypalApplicationContext `json:"application_context"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
	Links         []paypalLink         `json:"links"`
}

type paypalErrorDetail struct {
	Issue       string `json:"issue"`
	Description string `json:"description"`
}

type paypalErrorResponse struct {
	Name    string              `json:"name"`
	Message string              `json:"message"`
	Details []paypalErrorDetail `json:"details"`
}

func (e paypalErrorResponse) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

type PayPalCheckout struct {
	PayPalOrderID string `json:"paypal_order_id"`
	ApproveURL    string `json:"approve_url"`
}

var paypalCaptureOutcomes = map[string]models.Outcome{
	"COMPLETED": models.OutcomeSuccessful,
	"DECLINED":  models.OutcomeFailed,
	"FAILED":    models.OutcomeFailed,
	"PENDING":   models.OutcomePending,
}

type PayPal struct {
	gw       gatewayClient
	cfg      config.PayPalConfig
	validate *validator.Validate
	logger   *zap.Logger
	now      func() time.Time
}

func NewPayPal(cfg config.PayPalConfig, timeout time.Duration, tokens TokenStore, logger *zap.Logger) *PayPal {
	return &PayPal{
		gw:       newGatewayClient(models.ChannelPayPal, cfg.BaseURL, timeout, tokens, logger),
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *PayPal) Channel() models.Channel {
	return models.ChannelPayPal
}

func (p *PayPal) AccessToken(ctx context.Context) (string, error) {
	return p.gw.cachedToken(ctx, func(ctx context.Context) (string, time.Duration, error) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
		if err != nil {
			return "", 0, fmt.Errorf("failed to build token request: %w", err)
		}
		req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")

		resp, err := p.gw.do(ctx, req)
		if err != nil {
			return "", 0, err
		}
		if resp.status != http.StatusOK {
			return "", 0, gatewayError(models.ChannelPayPal, fmt.Sprintf("token request answered %d", resp.status), nil)
		}

		var tr paypalTokenResponse
		if err := json.Unmarshal(resp.body, &tr); err != nil || tr.AccessToken == "" {
			return "", 0, malformed(models.ChannelPayPal, "invalid token response", err)
		}
		ttl := time.Duration(tr.ExpiresIn)*time.Second - time.Minute
		return tr.AccessToken, ttl, nil
	})
}

// CreateOrder opens a PayPal checkout for the order. The PayPal order id is
// what the local order gets engaged with.
func (p *PayPal) CreateOrder(ctx context.Context, order models.Order) (PayPalCheckout, error) {
	token, err := p.AccessToken(ctx)
	if err != nil {
		return PayPalCheckout{}, err
	}

	req, err := p.gw.newJSONRequest(ctx, http.MethodPost, "/v2/checkout/orders", token, paypalCreateOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{{
			ReferenceID: order.ID,
			CustomID:    order.ID,
			Amount:      &paypalAmount{CurrencyCode: order.Currency, Value: order.Total.StringFixed(2)},
		}},
		ApplicationContext: paypalApplicationContext{ReturnURL: p.cfg.ReturnURL, CancelURL: p.cfg.CancelURL},
	})
	if err != nil {
		return PayPalCheckout{}, err
	}
	req.Header.Set("PayPal-Request-Id", "create-"+order.ID)

	resp, err := p.gw.do(ctx, req)
	if err != nil {
		return PayPalCheckout{}, err
	}
	if resp.status != http.StatusOK && resp.status != http.StatusCreated {
		return PayPalCheckout{}, gatewayError(models.ChannelPayPal, fmt.Sprintf("create order answered %d: %s", resp.status, snippet(resp.body)), nil)
	}

	var po paypalOrder
	if err := json.Unmarshal(resp.body, &po); err != nil || po.ID == "" {
		return PayPalCheckout{}, malformed(models.ChannelPayPal, "invalid create order response", err)
	}
	checkout := PayPalCheckout{PayPalOrderID: po.ID}
	for _, l := range po.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			checkout.ApproveURL = l.Href
			break
		}
	}
	if checkout.ApproveURL == "" {
		return PayPalCheckout{}, malformed(models.ChannelPayPal, "create order response has no approve link", nil)
	}
	return checkout, nil
}

// Capture captures the approved PayPal order engaged on the local order. A
// capture that already happened is read back instead.
func (p *PayPal) Capture(ctx context.Context, order models.Order) (models.PaymentEvent, error) {
	if order.ExternalReference == "" {
		return models.PaymentEvent{}, ErrNotEngaged
	}
	token, err := p.AccessToken(ctx)
	if err != nil {
		return models.PaymentEvent{}, err
	}

	orderPath := "/v2/checkout/orders/" + url.PathEscape(order.ExternalReference)
	req, err := p.gw.newJSONRequest(ctx, http.MethodPost, orderPath+"/capture", token, struct{}{})
	if err != nil {
		return models.PaymentEvent{}, err
	}
	req.Header.Set("PayPal-Request-Id", "capture-"+order.ID)

	resp, err := p.gw.do(ctx, req)
	if err != nil {
		return models.PaymentEvent{}, err
	}

	if resp.status == http.StatusUnprocessableEntity {
		var perr paypalErrorResponse
		if json.Unmarshal(resp.body, &perr) == nil && perr.hasIssue("ORDER_ALREADY_CAPTURED") {
			p.logger.Info("PayPal order already captured, reading it back",
				zap.String("order_id", order.ID),
				zap.String("paypal_order_id", order.ExternalReference),
			)
			if req, err = p.gw.newJSONRequest(ctx, http.MethodGet, orderPath, token, nil); err != nil {
				return models.PaymentEvent{}, err
			}
			if resp, err = p.gw.do(ctx, req); err != nil {
				return models.PaymentEvent{}, err
			}
		}
	}
	if resp.status != http.StatusOK && resp.status != http.StatusCreated {
		return models.PaymentEvent{}, gatewayError(models.ChannelPayPal, fmt.Sprintf("capture answered %d: %s", resp.status, snippet(resp.body)), nil)
	}

	return p.ParseCapture(order, resp.body)
}

// ParseCapture turns a captured PayPal order into a PaymentEvent.
func (p *PayPal) ParseCapture(order models.Order, body []byte) (models.PaymentEvent, error) {
	ch := models.ChannelPayPal
	var po paypalOrder
	if err := json.Unmarshal(body, &po); err != nil {
		return models.PaymentEvent{}, malformed(ch, "invalid JSON", err)
	}
	if len(po.PurchaseUnits) == 0 || po.PurchaseUnits[0].Payments == nil || len(po.PurchaseUnits[0].Payments.Captures) == 0 {
		return models.PaymentEvent{}, malformed(ch, "missing purchase_units[0].payments.captures[0]", nil)
	}
	unit := po.PurchaseUnits[0]
	if unit.ReferenceID != "" && unit.ReferenceID != order.ID {
		return models.PaymentEvent{}, malformed(ch, "purchase unit belongs to another order", nil)
	}

	capture := unit.Payments.Captures[0]
	if err := p.validate.Struct(capture); err != nil {
		return models.PaymentEvent{}, invalid(ch, err)
	}
	outcome, ok := paypalCaptureOutcomes[strings.ToUpper(capture.Status)]
	if !ok {
		return models.PaymentEvent{}, malformed(ch, fmt.Sprintf("unknown capture status %q", capture.Status), nil)
	}
	amount, err := parseAmount(ch, capture.Amount.Value)
	if err != nil {
		return models.PaymentEvent{}, err
	}

	return models.PaymentEvent{
		ID:                uuid.New(),
		DedupKey:          models.DedupKey(ch, capture.ID, string(outcome)),
		OrderRef:          order.ID,
		ExternalReference: po.ID,
		ReportedAmount:    amount,
		ReportedCurrency:  normalizeCurrency(capture.Amount.CurrencyCode),
		Outcome:           outcome,
		ReceivedAt:        p.now(),
		SourceChannel:     ch,
		Note:              "capture " + capture.ID,
	}, nil
}
