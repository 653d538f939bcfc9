package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reconcile-svc/models"
	"reconcile-svc/notify"
)

type SMSSender interface {
	Send(ctx context.Context, to, message, idempotencyKey string) error
}

type EmailSender interface {
	Send(ctx context.Context, to, subject, text, idempotencyKey string) error
}

type InventoryReleaser interface {
	ReleaseReservation(ctx context.Context, orderID, reason, idempotencyKey string) error
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event models.OrderEvent) error
}

// IdempotencyKey is passed to providers so a retried send is delivered once.
func IdempotencyKey(orderID string, status models.OrderStatus, action string) string {
	return fmt.Sprintf("%s/%s/%s", orderID, status, action)
}

var smsTemplates = map[models.OrderStatus]string{
	models.OrderStatusPaid:      "Payment of %s %s received for order %s. Thank you!",
	models.OrderStatusShipped:   "Order %[3]s is on its way.",
	models.OrderStatusCancelled: "Order %[3]s has been cancelled.",
}

type emailTemplate struct {
	subject string
	body    string
}

var emailTemplates = map[models.OrderStatus]emailTemplate{
	models.OrderStatusPaid: {
		subject: "Payment received for order %s",
		body:    "We received your payment of %s %s for order %s.",
	},
	models.OrderStatusDelivered: {
		subject: "Order %s delivered",
		body:    "Order %[3]s was delivered. Total paid %[1]s %[2]s.",
	},
	models.OrderStatusCancelled: {
		subject: "Order %s cancelled",
		body:    "Order %[3]s has been cancelled.",
	},
}

type SMSAction struct {
	sender SMSSender
}

func NewSMSAction(sender SMSSender) *SMSAction {
	return &SMSAction{sender: sender}
}

func (a *SMSAction) Name() string { return ActionSMS }

func (a *SMSAction) Execute(ctx context.Context, order *models.Order, status models.OrderStatus) error {
	tmpl, ok := smsTemplates[status]
	if !ok {
		return fmt.Errorf("%w: no sms for %s", ErrSkipped, status)
	}
	if order.CustomerPhone == "" {
		return fmt.Errorf("%w: no phone on order", ErrSkipped)
	}
	msg := fmt.Sprintf(tmpl, order.Total.StringFixed(0), order.Currency, order.ID)
	err := a.sender.Send(ctx, order.CustomerPhone, msg, IdempotencyKey(order.ID, status, ActionSMS))
	if errors.Is(err, notify.ErrInvalidPhone) {
		return fmt.Errorf("%w: %v", ErrSkipped, err)
	}
	return err
}

type EmailAction struct {
	sender EmailSender
}

func NewEmailAction(sender EmailSender) *EmailAction {
	return &EmailAction{sender: sender}
}

func (a *EmailAction) Name() string { return ActionEmail }

func (a *EmailAction) Execute(ctx context.Context, order *models.Order, status models.OrderStatus) error {
	tmpl, ok := emailTemplates[status]
	if !ok {
		return fmt.Errorf("%w: no email for %s", ErrSkipped, status)
	}
	if order.CustomerEmail == "" {
		return fmt.Errorf("%w: no email on order", ErrSkipped)
	}
	amount := order.Total.StringFixed(2)
	err := a.sender.Send(ctx, order.CustomerEmail,
		fmt.Sprintf(tmpl.subject, order.ID),
		fmt.Sprintf(tmpl.body, amount, order.Currency, order.ID),
		IdempotencyKey(order.ID, status, ActionEmail),
	)
	if errors.Is(err, notify.ErrInvalidEmail) {
		return fmt.Errorf("%w: %v", ErrSkipped, err)
	}
	return err
}

type InventoryAction struct {
	releaser InventoryReleaser
}

func NewInventoryAction(releaser InventoryReleaser) *InventoryAction {
	return &InventoryAction{releaser: releaser}
}

func (a *InventoryAction) Name() string { return ActionInventoryRelease }

func (a *InventoryAction) Execute(ctx context.Context, order *models.Order, status models.OrderStatus) error {
	return a.releaser.ReleaseReservation(ctx, order.ID, string(status), IdempotencyKey(order.ID, status, ActionInventoryRelease))
}

type PublishAction struct {
	publisher EventPublisher
}

func NewPublishAction(publisher EventPublisher) *PublishAction {
	return &PublishAction{publisher: publisher}
}

func (a *PublishAction) Name() string { return ActionPublish }

func (a *PublishAction) Execute(ctx context.Context, order *models.Order, status models.OrderStatus) error {
	return a.publisher.PublishOrderEvent(ctx, models.OrderEvent{
		OrderID:           order.ID,
		Status:            status,
		TotalPrice:        order.Total.String(),
		Currency:          order.Currency,
		PaymentMethod:     string(order.PaymentMethod),
		ExternalReference: order.ExternalReference,
		EventType:         "order_" + string(status),
		OccurredAt:        time.Now().UTC(),
	})
}
