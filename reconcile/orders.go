package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"reconcile-svc/dispatch"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateOrder records a pending order at checkout.
func (e *Engine) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidOrder)
	}
	if !req.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidOrder, req.PaymentMethod)
	}
	if !req.Total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidOrder)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = e.opts.Currency
	}

	now := e.now()
	order := &models.Order{
		ID:            req.ID,
		Status:        models.OrderStatusPending,
		Total:         req.Total,
		Currency:      currency,
		PaymentMethod: req.PaymentMethod,
		CustomerPhone: req.CustomerPhone,
		CustomerEmail: req.CustomerEmail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, ErrOrderExists
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	e.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.String("total", order.Total.String()),
	)
	return order, nil
}

func (e *Engine) Order(ctx context.Context, id string) (*models.Order, error) {
	order, err := e.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return order, err
}

// Engage binds the channel's reference to a pending order before payment.
// The first reference wins; a different one returns store.ErrReferenceConflict.
// Only the order's own payment method may be engaged, since the poller finds
// orders to check by method.
func (e *Engine) Engage(ctx context.Context, orderID string, ch models.Channel, ref string) error {
	order, err := e.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderStatusPending {
		return ErrOrderNotPending
	}
	if string(order.PaymentMethod) != string(ch) {
		return fmt.Errorf("%w: order %s pays by %s, not %s", ErrChannelMismatch, orderID, order.PaymentMethod, ch)
	}
	if err := e.store.SetExternalReference(ctx, orderID, ref); err != nil {
		if errors.Is(err, store.ErrReferenceConflict) {
			e.logger.Error("Channel engagement conflicts with existing reference",
				zap.String("order_id", orderID),
				zap.String("channel", string(ch)),
				zap.String("reference", ref),
				zap.String("existing_reference", order.ExternalReference),
			)
		}
		return err
	}
	e.logger.Info("Payment channel engaged",
		zap.String("order_id", orderID),
		zap.String("channel", string(ch)),
		zap.String("reference", ref),
	)
	return nil
}

func (e *Engine) Ship(ctx context.Context, a models.OrderAction) (models.TransitionResult, error) {
	a.Target = models.OrderStatusShipped
	return e.operate(ctx, a)
}

func (e *Engine) Deliver(ctx context.Context, a models.OrderAction) (models.TransitionResult, error) {
	a.Target = models.OrderStatusDelivered
	return e.operate(ctx, a)
}

func (e *Engine) Cancel(ctx context.Context, a models.OrderAction) (models.TransitionResult, error) {
	a.Target = models.OrderStatusCancelled
	return e.operate(ctx, a)
}

// operate moves an order along the fulfilment graph. Invalid requests are
// answered, not stored: they come from operators, not from payment channels.
func (e *Engine) operate(ctx context.Context, a models.OrderAction) (models.TransitionResult, error) {
	if a.ActionID == "" {
		a.ActionID = uuid.NewString()
	}
	eventID := fmt.Sprintf("%s:%s", models.ChannelOperations, a.ActionID)

	for attempt := 1; ; attempt++ {
		order, err := e.Order(ctx, a.OrderID)
		if err != nil {
			return models.TransitionResult{}, err
		}
		res := models.TransitionResult{PreviousStatus: order.Status, NewStatus: order.Status}

		if order.Status == a.Target {
			middleware.RecordReconciliation(string(models.ChannelOperations), "noop")
			return res, nil
		}
		if !order.Status.CanTransitionTo(a.Target) {
			e.logger.Warn("Order action refused",
				zap.String("order_id", order.ID),
				zap.String("status", string(order.Status)),
				zap.String("target", string(a.Target)),
				zap.String("actor", a.Actor),
			)
			middleware.RecordReconciliation(string(models.ChannelOperations), string(models.RejectionInvalidTransition))
			res.RejectionReason = models.RejectionInvalidTransition
			return res, nil
		}

		now := e.now()
		commit := store.Commit{
			Transition: models.Transition{
				ID:         uuid.New(),
				OrderID:    order.ID,
				FromStatus: order.Status,
				ToStatus:   a.Target,
				Kind:       models.TransitionKindTransition,
				EventID:    eventID,
				Channel:    models.ChannelOperations,
				Evidence:   models.Evidence{Actor: a.Actor, Note: a.Note},
				AppliedAt:  now,
			},
			Dispatch: store.NewDispatchRecord(order.ID, a.Target, dispatch.ActionsFor(a.Target), now),
		}

		err = e.store.CommitTransition(ctx, commit)
		switch {
		case errors.Is(err, store.ErrExists):
			middleware.RecordReconciliation(string(models.ChannelOperations), "noop")
			return res, nil
		case errors.Is(err, store.ErrStaleStatus):
			if attempt >= e.opts.MaxCommitAttempts {
				return models.TransitionResult{}, fmt.Errorf("gave up after %d commit attempts: %w", attempt, err)
			}
			continue
		case err != nil:
			return models.TransitionResult{}, err
		}

		e.logger.Info("Order status changed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", order.ID),
			zap.String("from", string(order.Status)),
			zap.String("to", string(a.Target)),
			zap.String("actor", a.Actor),
		)
		middleware.RecordReconciliation(string(models.ChannelOperations), "applied")
		e.enqueuer.Enqueue(commit.Dispatch.Key)

		res.Applied = true
		res.NewStatus = a.Target
		return res, nil
	}
}
