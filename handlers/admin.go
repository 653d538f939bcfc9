package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"reconcile-svc/channels"
	"reconcile-svc/middleware"
	"reconcile-svc/models"
	"reconcile-svc/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type OperationsEngine interface {
	Processor
	Ship(ctx context.Context, a models.OrderAction) (models.TransitionResult, error)
	Deliver(ctx context.Context, a models.OrderAction) (models.TransitionResult, error)
	Cancel(ctx context.Context, a models.OrderAction) (models.TransitionResult, error)
}

type DispatchOperator interface {
	Failed(ctx context.Context) ([]models.DispatchRecord, error)
	Retry(ctx context.Context, key models.DispatchKey) error
}

type AdminHandler struct {
	engine     OperationsEngine
	manual     *channels.ManualEntry
	cash       *channels.CashConfirmation
	rejections store.RejectionStore
	dispatches DispatchOperator
	logger     *zap.Logger
}

func NewAdminHandler(engine OperationsEngine, rejections store.RejectionStore, dispatches DispatchOperator, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		engine:     engine,
		manual:     channels.NewManualEntry(),
		cash:       channels.NewCashConfirmation(),
		rejections: rejections,
		dispatches: dispatches,
		logger:     logger,
	}
}

func (h *AdminHandler) ManualPayment(c *gin.Context) {
	var form channels.ManualEntryForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.manual.Parse(form, actor(c))
	if err != nil {
		adapterFailure(c, h.logger, err)
		return
	}
	h.process(c, ev)
}

func (h *AdminHandler) CashPayment(c *gin.Context) {
	var form channels.CashConfirmationForm
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev, err := h.cash.Parse(form, actor(c))
	if err != nil {
		adapterFailure(c, h.logger, err)
		return
	}
	h.process(c, ev)
}

func (h *AdminHandler) process(c *gin.Context, ev models.PaymentEvent) {
	res, err := h.engine.Process(c.Request.Context(), ev)
	if err != nil {
		internalError(c, h.logger, "Failed to reconcile operator entry", err)
		return
	}
	h.logger.Info("Operator payment entry processed",
		zap.String("trace_id", middleware.GetTraceID(c.Request.Context())),
		zap.String("actor", ev.Actor),
		zap.String("channel", string(ev.SourceChannel)),
		zap.String("order_id", ev.OrderRef),
		zap.Bool("applied", res.Applied),
		zap.String("rejection_reason", string(res.RejectionReason)),
	)
	c.JSON(http.StatusOK, res)
}

type orderActionRequest struct {
	ActionID string `json:"action_id"`
	Note     string `json:"note"`
}

func (h *AdminHandler) orderAction(c *gin.Context, target models.OrderStatus) {
	var req orderActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	action := models.OrderAction{
		OrderID:  c.Param("id"),
		ActionID: req.ActionID,
		Actor:    actor(c),
		Note:     req.Note,
	}
	var (
		res models.TransitionResult
		err error
	)
	switch target {
	case models.OrderStatusShipped:
		res, err = h.engine.Ship(c.Request.Context(), action)
	case models.OrderStatusDelivered:
		res, err = h.engine.Deliver(c.Request.Context(), action)
	default:
		res, err = h.engine.Cancel(c.Request.Context(), action)
	}
	if err != nil {
		orderError(c, h.logger, err)
		return
	}
	if res.Rejected() {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AdminHandler) Ship(c *gin.Context)    { h.orderAction(c, models.OrderStatusShipped) }
func (h *AdminHandler) Deliver(c *gin.Context) { h.orderAction(c, models.OrderStatusDelivered) }
func (h *AdminHandler) Cancel(c *gin.Context)  { h.orderAction(c, models.OrderStatusCancelled) }

func (h *AdminHandler) ListRejections(c *gin.Context) {
	reason := models.RejectionReason(c.Query("reason"))
	includeResolved := c.Query("include_resolved") == "true"

	rejections, err := h.rejections.ListRejections(c.Request.Context(), reason, includeResolved)
	if err != nil {
		internalError(c, h.logger, "Failed to list rejections", err)
		return
	}
	if rejections == nil {
		rejections = []models.Rejection{}
	}
	c.JSON(http.StatusOK, rejections)
}

func (h *AdminHandler) ResolveRejection(c *gin.Context) {
	id, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid rejection ID"})
		return
	}

	err = h.rejections.ResolveRejection(c.Request.Context(), id, actor(c), time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Open rejection not found"})
		return
	}
	if err != nil {
		internalError(c, h.logger, "Failed to resolve rejection", err)
		return
	}

	h.logger.Info("Rejection resolved", zap.String("rejection_id", id.String()), zap.String("actor", actor(c)))
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true})
}

func (h *AdminHandler) FailedDispatches(c *gin.Context) {
	recs, err := h.dispatches.Failed(c.Request.Context())
	if err != nil {
		internalError(c, h.logger, "Failed to list dispatches", err)
		return
	}
	if recs == nil {
		recs = []models.DispatchRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *AdminHandler) RetryDispatch(c *gin.Context) {
	status := models.OrderStatus(c.Param("status"))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}
	key := models.DispatchKey{OrderID: c.Param("id"), Status: status}

	err := h.dispatches.Retry(c.Request.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dispatch not found"})
		return
	}
	if err != nil {
		internalError(c, h.logger, "Failed to retry dispatch", err)
		return
	}

	h.logger.Info("Dispatch retry requested", zap.String("dispatch", key.String()), zap.String("actor", actor(c)))
	c.JSON(http.StatusAccepted, gin.H{"dispatch": key.String(), "retrying": true})
}
