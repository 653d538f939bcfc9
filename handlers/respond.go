package handlers

import (
	"context"
	"errors"
	"net/http"

	"reconcile-svc/channels"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/reconcile"
	"reconcile-svc/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Processor runs an admitted payment event through reconciliation.
type Processor interface {
	Process(ctx context.Context, ev models.PaymentEvent) (models.TransitionResult, error)
}

// adapterFailure answers a payload that never became a PaymentEvent.
func adapterFailure(c *gin.Context, logger *zap.Logger, err error) {
	aerr, ok := channels.AsAdapterError(err)
	if !ok {
		internalError(c, logger, "Adapter failed", err)
		return
	}

	middleware.RecordAdapterRejection(string(aerr.Channel), string(aerr.Kind))
	logger.Warn("Payment payload rejected",
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.String("channel", string(aerr.Channel)),
		zap.String("kind", string(aerr.Kind)),
		zap.String("reason", aerr.Reason),
		zap.Error(aerr.Err),
	)

	switch aerr.Kind {
	case channels.KindSignature:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case channels.KindGateway:
		c.JSON(http.StatusBadGateway, gin.H{"error": aerr.Reason})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": aerr.Reason})
	}
}

func internalError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	logger.Error(msg,
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// orderError maps engine and store errors for order-scoped endpoints.
func orderError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, reconcile.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, reconcile.ErrOrderNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not pending"})
	case errors.Is(err, store.ErrReferenceConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Order already engaged with another payment reference"})
	case errors.Is(err, reconcile.ErrChannelMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "Order is not payable through this channel"})
	case errors.Is(err, channels.ErrNotEngaged):
		c.JSON(http.StatusConflict, gin.H{"error": "Payment has not been initiated for this order"})
	default:
		if _, ok := channels.AsAdapterError(err); ok {
			adapterFailure(c, logger, err)
			return
		}
		internalError(c, logger, "Order request failed", err)
	}
}

func actor(c *gin.Context) string {
	return c.GetString(middleware.ActorKey)
}
