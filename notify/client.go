package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"reconcile-svc/config"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// provider posts JSON messages to an HTTP messaging API.
type provider struct {
	cfg    config.ProviderConfig
	http   *http.Client
	logger *zap.Logger
}

func (p provider) post(ctx context.Context, payload any, idempotencyKey string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	// Providers drop repeats of a key, so a retried send is delivered once.
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach provider: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider answered %d: %s", resp.StatusCode, body)
	}
	return nil
}

type SMSMessage struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Message string `json:"message"`
}

type SMSClient struct {
	provider
}

func NewSMSClient(cfg config.ProviderConfig, timeout time.Duration, logger *zap.Logger) *SMSClient {
	return &SMSClient{provider{cfg: cfg, http: &http.Client{Timeout: timeout}, logger: logger}}
}

// Send delivers message to a Ugandan mobile number. It returns
// ErrInvalidPhone without calling the gateway when the number is unusable.
func (c *SMSClient) Send(ctx context.Context, to, message, idempotencyKey string) error {
	phone, err := NormalizePhone(to)
	if err != nil {
		return err
	}
	if err := c.post(ctx, SMSMessage{From: c.cfg.Sender, To: phone, Message: message}, idempotencyKey); err != nil {
		return err
	}
	c.logger.Info("SMS sent", zap.String("to", phone), zap.String("idempotency_key", idempotencyKey))
	return nil
}

type EmailMessage struct {
	From    string `json:"from"`
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required"`
	Text    string `json:"text"`
}

type EmailClient struct {
	provider
	validate *validator.Validate
}

func NewEmailClient(cfg config.ProviderConfig, timeout time.Duration, logger *zap.Logger) *EmailClient {
	return &EmailClient{
		provider: provider{cfg: cfg, http: &http.Client{Timeout: timeout}, logger: logger},
		validate: validator.New(),
	}
}

var ErrInvalidEmail = errors.New("invalid email address")

func (c *EmailClient) Send(ctx context.Context, to, subject, text, idempotencyKey string) error {
	msg := EmailMessage{From: c.cfg.Sender, To: to, Subject: subject, Text: text}
	if err := c.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}
	if err := c.post(ctx, msg, idempotencyKey); err != nil {
		return err
	}
	c.logger.Info("Email sent", zap.String("to", to), zap.String("subject", subject), zap.String("idempotency_key", idempotencyKey))
	return nil
}
