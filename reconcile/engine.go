// Package reconcile is the only place that changes an order's status.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reconcile-svc/dispatch"
	"reconcile-svc/idempotency"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrOrderNotPending = errors.New("order is not pending")
	ErrOrderExists     = errors.New("order already exists")
	ErrInvalidOrder    = errors.New("invalid order")
	// ErrChannelMismatch means a gateway was asked to collect an order whose
	// payment method names another channel.
	ErrChannelMismatch = errors.New("channel does not match order payment method")
)

// Enqueuer starts the side effects of a committed transition.
type Enqueuer interface {
	Enqueue(key models.DispatchKey)
}

type Options struct {
	CashTolerance     decimal.Decimal
	MaxCommitAttempts int
	Currency          string
}

type Engine struct {
	store    store.Store
	guard    *idempotency.Guard
	enqueuer Enqueuer
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(st store.Store, guard *idempotency.Guard, enqueuer Enqueuer, opts Options, logger *zap.Logger) *Engine {
	if opts.MaxCommitAttempts <= 0 {
		opts.MaxCommitAttempts = 3
	}
	if opts.Currency == "" {
		opts.Currency = "UGX"
	}
	return &Engine{
		store:    st,
		guard:    guard,
		enqueuer: enqueuer,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process admits the event and applies it to the order it names.
func (e *Engine) Process(ctx context.Context, ev models.PaymentEvent) (models.TransitionResult, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	adm, err := e.guard.Admit(ctx, ev)
	if err != nil {
		return models.TransitionResult{}, err
	}
	if !adm.Admitted {
		middleware.RecordReconciliation(string(ev.SourceChannel), "duplicate")
		return models.TransitionResult{Duplicate: true}, nil
	}

	order, err := e.store.GetOrder(ctx, ev.OrderRef)
	if errors.Is(err, store.ErrNotFound) {
		// The key stays admitted: a retry of the same event would be rejected again.
		return e.reject(ctx, nil, ev, models.RejectionUnknownOrder, fmt.Sprintf("no order %q", ev.OrderRef))
	}
	if err != nil {
		e.release(ctx, ev)
		return models.TransitionResult{}, fmt.Errorf("failed to load order: %w", err)
	}

	res, err := e.Apply(ctx, order, ev)
	if err != nil {
		e.release(ctx, ev)
		return models.TransitionResult{}, err
	}
	return res, nil
}

func (e *Engine) release(ctx context.Context, ev models.PaymentEvent) {
	if err := e.guard.Release(context.WithoutCancel(ctx), ev.DedupKey); err != nil {
		e.logger.Error("Failed to release dedup key", zap.String("dedup_key", ev.DedupKey), zap.Error(err))
	}
}

// Apply evaluates an admitted event against the order. A lost
// compare-and-set reloads the order and evaluates again.
func (e *Engine) Apply(ctx context.Context, order *models.Order, ev models.PaymentEvent) (models.TransitionResult, error) {
	if string(ev.SourceChannel) != string(order.PaymentMethod) && ev.SourceChannel.Kind() != models.ChannelKindManual {
		e.logger.Warn("Payment channel differs from order payment method",
			zap.String("order_id", order.ID),
			zap.String("channel", string(ev.SourceChannel)),
			zap.String("payment_method", string(order.PaymentMethod)),
		)
	}

	switch ev.Outcome {
	case models.OutcomePending:
		middleware.RecordReconciliation(string(ev.SourceChannel), "noop")
		return models.TransitionResult{PreviousStatus: order.Status, NewStatus: order.Status}, nil
	case models.OutcomeFailed:
		return e.recordFailure(ctx, order, ev)
	case models.OutcomeSuccessful:
	default:
		return models.TransitionResult{}, fmt.Errorf("unknown outcome %q", ev.Outcome)
	}

	for attempt := 1; ; attempt++ {
		res, err := e.applySuccess(ctx, order, ev)
		if !errors.Is(err, store.ErrStaleStatus) {
			return res, err
		}
		if attempt >= e.opts.MaxCommitAttempts {
			return models.TransitionResult{}, fmt.Errorf("gave up after %d commit attempts: %w", attempt, err)
		}
		e.logger.Debug("Order changed during commit, reloading",
			zap.String("order_id", order.ID),
			zap.Int("attempt", attempt),
		)
		order, err = e.store.GetOrder(ctx, order.ID)
		if err != nil {
			return models.TransitionResult{}, fmt.Errorf("failed to reload order: %w", err)
		}
	}
}

func (e *Engine) applySuccess(ctx context.Context, order *models.Order, ev models.PaymentEvent) (models.TransitionResult, error) {
	if order.Status.IsTerminal() {
		return e.reject(ctx, order, ev, models.RejectionAlreadyTerminal,
			fmt.Sprintf("order is %s", order.Status))
	}

	if order.Status == models.OrderStatusPaid {
		if ev.ExternalReference == "" || ev.ExternalReference == order.ExternalReference {
			middleware.RecordReconciliation(string(ev.SourceChannel), "noop")
			return models.TransitionResult{PreviousStatus: order.Status, NewStatus: order.Status}, nil
		}
		return e.reject(ctx, order, ev, models.RejectionReferenceConflict,
			fmt.Sprintf("order paid with reference %q, event carries %q", order.ExternalReference, ev.ExternalReference))
	}

	if !e.amountMatches(order, ev) {
		return e.reject(ctx, order, ev, models.RejectionAmountMismatch,
			fmt.Sprintf("expected %s %s, reported %s %s", order.Total, order.Currency, ev.ReportedAmount, ev.ReportedCurrency))
	}

	if ev.ExternalReference != "" && order.ExternalReference != "" && ev.ExternalReference != order.ExternalReference {
		return e.reject(ctx, order, ev, models.RejectionReferenceConflict,
			fmt.Sprintf("order engaged with reference %q, event carries %q", order.ExternalReference, ev.ExternalReference))
	}

	now := e.now()
	commit := store.Commit{
		Transition: models.Transition{
			ID:         uuid.New(),
			OrderID:    order.ID,
			FromStatus: order.Status,
			ToStatus:   models.OrderStatusPaid,
			Kind:       models.TransitionKindTransition,
			EventID:    ev.DedupKey,
			Channel:    ev.SourceChannel,
			Evidence:   ev.Evidence(),
			AppliedAt:  now,
		},
		ExternalReference: ev.ExternalReference,
		Dispatch:          store.NewDispatchRecord(order.ID, models.OrderStatusPaid, dispatch.ActionsFor(models.OrderStatusPaid), now),
	}

	switch err := e.store.CommitTransition(ctx, commit); {
	case errors.Is(err, store.ErrReferenceConflict):
		return e.reject(ctx, order, ev, models.RejectionReferenceConflict,
			fmt.Sprintf("reference %q belongs to another order", ev.ExternalReference))
	case errors.Is(err, store.ErrExists):
		middleware.RecordReconciliation(string(ev.SourceChannel), "noop")
		return models.TransitionResult{PreviousStatus: order.Status, NewStatus: order.Status}, nil
	case err != nil:
		return models.TransitionResult{}, err
	}

	e.logger.Info("Order paid",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", order.ID),
		zap.String("channel", string(ev.SourceChannel)),
		zap.String("dedup_key", ev.DedupKey),
		zap.String("amount", ev.ReportedAmount.String()),
	)
	middleware.RecordReconciliation(string(ev.SourceChannel), "applied")
	e.enqueuer.Enqueue(commit.Dispatch.Key)

	return models.TransitionResult{
		Applied:        true,
		PreviousStatus: order.Status,
		NewStatus:      models.OrderStatusPaid,
	}, nil
}

func (e *Engine) amountMatches(order *models.Order, ev models.PaymentEvent) bool {
	if !strings.EqualFold(ev.ReportedCurrency, order.Currency) {
		return false
	}
	if ev.SourceChannel.Kind() == models.ChannelKindCash {
		return ev.ReportedAmount.Sub(order.Total).Abs().LessThanOrEqual(e.opts.CashTolerance)
	}
	return ev.ReportedAmount.Equal(order.Total)
}

// recordFailure keeps a failed payment as evidence. The order does not move.
func (e *Engine) recordFailure(ctx context.Context, order *models.Order, ev models.PaymentEvent) (models.TransitionResult, error) {
	t := models.Transition{
		ID:         uuid.New(),
		OrderID:    order.ID,
		FromStatus: order.Status,
		ToStatus:   order.Status,
		Kind:       models.TransitionKindEvidence,
		EventID:    ev.DedupKey,
		Channel:    ev.SourceChannel,
		Evidence:   ev.Evidence(),
		AppliedAt:  e.now(),
	}
	if err := e.store.AppendEvidence(ctx, t); err != nil {
		return models.TransitionResult{}, fmt.Errorf("failed to record payment failure: %w", err)
	}

	e.logger.Info("Payment failure recorded",
		zap.String("order_id", order.ID),
		zap.String("channel", string(ev.SourceChannel)),
		zap.String("dedup_key", ev.DedupKey),
	)
	middleware.RecordReconciliation(string(ev.SourceChannel), "failed_payment")
	return models.TransitionResult{PreviousStatus: order.Status, NewStatus: order.Status}, nil
}

func (e *Engine) reject(ctx context.Context, order *models.Order, ev models.PaymentEvent, reason models.RejectionReason, detail string) (models.TransitionResult, error) {
	amount := ev.ReportedAmount
	r := models.Rejection{
		ID:               uuid.New(),
		OrderID:          ev.OrderRef,
		EventID:          ev.ID.String(),
		DedupKey:         ev.DedupKey,
		Channel:          ev.SourceChannel,
		Reason:           reason,
		ReportedAmount:   &amount,
		ReportedCurrency: ev.ReportedCurrency,
		Detail:           detail,
		CreatedAt:        e.now(),
	}
	res := models.TransitionResult{RejectionReason: reason}
	if order != nil {
		total := order.Total
		r.OrderID = order.ID
		r.ExpectedAmount = &total
		r.ExpectedCurrency = order.Currency
		res.PreviousStatus = order.Status
		res.NewStatus = order.Status
	}

	if err := e.store.RecordRejection(ctx, r); err != nil {
		return models.TransitionResult{}, fmt.Errorf("failed to record rejection: %w", err)
	}

	fields := []zap.Field{
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", r.OrderID),
		zap.String("channel", string(ev.SourceChannel)),
		zap.String("dedup_key", ev.DedupKey),
		zap.String("reason", string(reason)),
		zap.String("detail", detail),
	}
	switch reason {
	case models.RejectionAmountMismatch, models.RejectionReferenceConflict:
		e.logger.Error("Payment event rejected", fields...)
	default:
		e.logger.Warn("Payment event rejected", fields...)
	}
	middleware.RecordReconciliation(string(ev.SourceChannel), string(reason))
	return res, nil
}
