package handlers

import (
	"context"
	"errors"
	"net/http"

	"reconcile-svc/channels"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/poller"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentEngine is the part of the reconciliation engine payment routes use.
type PaymentEngine interface {
	Processor
	Order(ctx context.Context, id string) (*models.Order, error)
	Engage(ctx context.Context, orderID string, ch models.Channel, ref string) error
}

type PesapalGateway interface {
	SubmitOrder(ctx context.Context, order models.Order) (channels.PesapalSubmission, error)
	ValidateIPN(ipn channels.PesapalIPN) error
	IPNAck(ipn channels.PesapalIPN, status int) channels.PesapalIPNAck
}

type StatusChecker interface {
	CheckOrder(ctx context.Context, orderID string) (poller.CheckResult, error)
}

type PayPalGateway interface {
	CreateOrder(ctx context.Context, order models.Order) (channels.PayPalCheckout, error)
	Capture(ctx context.Context, order models.Order) (models.PaymentEvent, error)
}

type PaymentHandler struct {
	engine  PaymentEngine
	pesapal PesapalGateway
	checker StatusChecker
	paypal  PayPalGateway
	logger  *zap.Logger
}

func NewPaymentHandler(engine PaymentEngine, pesapal PesapalGateway, checker StatusChecker, paypal PayPalGateway, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		engine:  engine,
		pesapal: pesapal,
		checker: checker,
		paypal:  paypal,
		logger:  logger,
	}
}

// pendingOrder loads the order and refuses anything already paid for,
// engaged with a gateway, or checked out with another payment method.
func (h *PaymentHandler) pendingOrder(ctx context.Context, c *gin.Context, ch models.Channel) (*models.Order, bool) {
	order, err := h.engine.Order(ctx, c.Param("id"))
	if err != nil {
		orderError(c, h.logger, err)
		return nil, false
	}
	if string(order.PaymentMethod) != string(ch) {
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not payable through this channel", "payment_method": order.PaymentMethod})
		return nil, false
	}
	if order.Status != models.OrderStatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not pending", "status": order.Status})
		return nil, false
	}
	if order.ExternalReference != "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Payment already initiated", "external_reference": order.ExternalReference})
		return nil, false
	}
	return order, true
}

func (h *PaymentHandler) InitiatePesapal(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "InitiatePesapal")
	defer span.End()

	order, ok := h.pendingOrder(ctx, c, models.ChannelPesapal)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	sub, err := h.pesapal.SubmitOrder(ctx, *order)
	if err != nil {
		span.RecordError(err)
		orderError(c, h.logger, err)
		return
	}
	if err := h.engine.Engage(ctx, order.ID, models.ChannelPesapal, sub.TrackingID); err != nil {
		span.RecordError(err)
		orderError(c, h.logger, err)
		return
	}

	h.logger.Info("Pesapal payment initiated",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", order.ID),
		zap.String("tracking_id", sub.TrackingID),
	)
	c.JSON(http.StatusOK, sub)
}

func (h *PaymentHandler) PesapalStatus(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "PesapalStatus")
	defer span.End()

	res, err := h.checker.CheckOrder(ctx, c.Param("id"))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, poller.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		orderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// PesapalIPN triggers a status check. The IPN itself carries no outcome.
func (h *PaymentHandler) PesapalIPN(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "PesapalIPN")
	defer span.End()

	var ipn channels.PesapalIPN
	if err := c.ShouldBind(&ipn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.pesapal.ValidateIPN(ipn); err != nil {
		adapterFailure(c, h.logger, err)
		return
	}
	span.SetAttributes(
		attribute.String("order.id", ipn.OrderMerchantReference),
		attribute.String("tracking_id", ipn.OrderTrackingID),
	)

	status := http.StatusOK
	res, err := h.checker.CheckOrder(ctx, ipn.OrderMerchantReference)
	if err != nil {
		span.RecordError(err)
		h.logger.Warn("IPN status check failed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("order_id", ipn.OrderMerchantReference),
			zap.String("tracking_id", ipn.OrderTrackingID),
			zap.Error(err),
		)
		if !errors.Is(err, poller.ErrOrderNotFound) {
			// Pesapal resends the IPN when the ack status is not 200.
			status = http.StatusInternalServerError
		}
	} else {
		h.logger.Info("IPN processed",
			zap.String("order_id", ipn.OrderMerchantReference),
			zap.String("status", string(res.Status)),
		)
	}
	c.JSON(http.StatusOK, h.pesapal.IPNAck(ipn, status))
}

func (h *PaymentHandler) InitiatePayPal(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "InitiatePayPal")
	defer span.End()

	order, ok := h.pendingOrder(ctx, c, models.ChannelPayPal)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	checkout, err := h.paypal.CreateOrder(ctx, *order)
	if err != nil {
		span.RecordError(err)
		orderError(c, h.logger, err)
		return
	}
	if err := h.engine.Engage(ctx, order.ID, models.ChannelPayPal, checkout.PayPalOrderID); err != nil {
		span.RecordError(err)
		orderError(c, h.logger, err)
		return
	}

	h.logger.Info("PayPal payment initiated",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("order_id", order.ID),
		zap.String("paypal_order_id", checkout.PayPalOrderID),
	)
	c.JSON(http.StatusOK, checkout)
}

// CapturePayPal is called when the buyer returns from PayPal approval.
func (h *PaymentHandler) CapturePayPal(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "CapturePayPal")
	defer span.End()

	order, err := h.engine.Order(ctx, c.Param("id"))
	if err != nil {
		orderError(c, h.logger, err)
		return
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	ev, err := h.paypal.Capture(ctx, *order)
	if err != nil {
		span.RecordError(err)
		orderError(c, h.logger, err)
		return
	}

	res, err := h.engine.Process(ctx, ev)
	if err != nil {
		span.RecordError(err)
		internalError(c, h.logger, "Failed to reconcile capture", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
