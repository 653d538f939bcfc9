// Package poller asks poll-status gateways about pending orders.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reconcile-svc/channels"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/store"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrOrderNotFound = errors.New("order not found")

type Source interface {
	Channel() models.Channel
	Poll(ctx context.Context, order models.Order) (*models.PaymentEvent, *channels.PesapalStatus, error)
}

type Processor interface {
	Process(ctx context.Context, ev models.PaymentEvent) (models.TransitionResult, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListPendingByMethod(ctx context.Context, method models.PaymentMethod) ([]models.Order, error)
}

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// Rate is the number of gateway calls allowed per second.
	Rate float64
}

type CheckResult struct {
	Status        models.OrderStatus       `json:"status"`
	GatewayStatus *channels.PesapalStatus  `json:"pesapalStatus,omitempty"`
	Result        *models.TransitionResult `json:"result,omitempty"`
}

type Poller struct {
	orders    OrderReader
	source    Source
	processor Processor
	limiter   *rate.Limiter
	opts      Options
	logger    *zap.Logger
}

func New(orders OrderReader, source Source, processor Processor, opts Options, logger *zap.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &Poller{
		orders:    orders,
		source:    source,
		processor: processor,
		limiter:   rate.NewLimiter(limit, 1),
		opts:      opts,
		logger:    logger,
	}
}

func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.logger.Info("Poller started",
		zap.String("channel", string(p.source.Channel())),
		zap.Duration("interval", p.opts.Interval),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.logger.Error("Poll cycle failed", zap.Error(err))
			}
		}
	}
}

// RunOnce checks every engaged pending order once and returns how many were
// asked. Per-order failures are logged and retried next cycle.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	ch := p.source.Channel()
	orders, err := p.orders.ListPendingByMethod(ctx, models.PaymentMethod(ch))
	if err != nil {
		return 0, fmt.Errorf("failed to list pending orders: %w", err)
	}

	checked := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			return checked, ctx.Err()
		}
		if order.ExternalReference == "" {
			continue
		}
		res, err := p.CheckOrder(ctx, order.ID)
		if err != nil {
			continue
		}
		if res.GatewayStatus != nil {
			checked++
		}
	}
	return checked, nil
}

// CheckOrder re-reads the order and asks the gateway only while it is
// still pending.
func (p *Poller) CheckOrder(ctx context.Context, orderID string) (CheckResult, error) {
	ch := p.source.Channel()
	order, err := p.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return CheckResult{}, ErrOrderNotFound
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("failed to load order: %w", err)
	}
	if order.Status != models.OrderStatusPending {
		return CheckResult{Status: order.Status}, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return CheckResult{Status: order.Status}, err
	}
	pollCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	ev, st, err := p.source.Poll(pollCtx, *order)
	cancel()

	if err != nil {
		result := "error"
		if aerr, ok := channels.AsAdapterError(err); ok {
			result = string(aerr.Kind)
			middleware.RecordAdapterRejection(string(ch), string(aerr.Kind))
		}
		middleware.RecordPoll(string(ch), result)
		p.logger.Warn("Status poll failed",
			zap.String("order_id", order.ID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		return CheckResult{Status: order.Status, GatewayStatus: st}, err
	}

	out := CheckResult{Status: order.Status, GatewayStatus: st}
	if ev == nil {
		middleware.RecordPoll(string(ch), "no_event")
		return out, nil
	}
	middleware.RecordPoll(string(ch), string(ev.Outcome))

	res, err := p.processor.Process(ctx, *ev)
	if err != nil {
		p.logger.Error("Failed to process polled event",
			zap.String("order_id", order.ID),
			zap.String("dedup_key", ev.DedupKey),
			zap.Error(err),
		)
		return out, err
	}
	out.Result = &res
	out.Status = res.NewStatus
	if res.Duplicate || out.Status == "" {
		out.Status = order.Status
	}
	return out, nil
}
