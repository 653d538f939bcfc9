package handlers

import (
	"context"
	"errors"
	"net/http"

	"reconcile-svc/models"
	"reconcile-svc/reconcile"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrderService interface {
	CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error)
	Order(ctx context.Context, id string) (*models.Order, error)
}

type OrderHandler struct {
	orders OrderService
	logger *zap.Logger
}

func NewOrderHandler(orders OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

func (h *OrderHandler) CreateOrder(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "CreateOrder")
	defer span.End()

	var req models.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	span.SetAttributes(
		attribute.String("order.id", req.ID),
		attribute.String("payment_method", string(req.PaymentMethod)),
	)

	order, err := h.orders.CreateOrder(ctx, req)
	switch {
	case errors.Is(err, reconcile.ErrInvalidOrder):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, reconcile.ErrOrderExists):
		c.JSON(http.StatusConflict, gin.H{"error": "Order already exists"})
		return
	case err != nil:
		span.RecordError(err)
		internalError(c, h.logger, "Failed to create order", err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (h *OrderHandler) GetOrder(c *gin.Context) {
	ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "GetOrder")
	defer span.End()

	order, err := h.orders.Order(ctx, c.Param("id"))
	if err != nil {
		orderError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
