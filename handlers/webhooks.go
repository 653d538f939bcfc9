package handlers

import (
	"io"
	"net/http"

	"reconcile-svc/middleware"
	"reconcile-svc/models"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// PushAdapter verifies and parses a gateway callback.
type PushAdapter interface {
	Channel() models.Channel
	Handle(header http.Header, body []byte) (models.PaymentEvent, error)
}

type WebhookHandler struct {
	engine Processor
	logger *zap.Logger
}

func NewWebhookHandler(engine Processor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{engine: engine, logger: logger}
}

// Push answers 200 for applied, duplicate and rejected events so the gateway
// stops retrying. Only infrastructure failures get a 5xx.
func (h *WebhookHandler) Push(adapter PushAdapter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := otel.Tracer("reconcile-service").Start(c.Request.Context(), "PaymentWebhook")
		defer span.End()
		span.SetAttributes(attribute.String("channel", string(adapter.Channel())))

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		ev, err := adapter.Handle(c.Request.Header, body)
		if err != nil {
			span.RecordError(err)
			adapterFailure(c, h.logger, err)
			return
		}

		res, err := h.engine.Process(ctx, ev)
		if err != nil {
			span.RecordError(err)
			internalError(c, h.logger, "Failed to reconcile webhook", err)
			return
		}

		span.SetAttributes(
			attribute.String("order.id", ev.OrderRef),
			attribute.Bool("applied", res.Applied),
		)
		h.logger.Info("Webhook processed",
			zap.String("trace_id", middleware.GetTraceID(ctx)),
			zap.String("channel", string(adapter.Channel())),
			zap.String("order_id", ev.OrderRef),
			zap.Bool("applied", res.Applied),
			zap.Bool("duplicate", res.Duplicate),
			zap.String("rejection_reason", string(res.RejectionReason)),
		)
		c.JSON(http.StatusOK, res)
	}
}
