package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reconcile-svc/config"
	"reconcile-svc/models"
	"reconcile-svc/reconcile"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

func InitConsumer(cfg config.KafkaConfig, logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true
	config.Consumer.Retry.Backoff = 1 * time.Second

	consumer, err := sarama.NewConsumer([]string{cfg.Broker}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized", zap.String("broker", cfg.Broker))
	return consumer, nil
}

// FulfillmentHandler applies warehouse and courier events to orders.
type FulfillmentHandler interface {
	Ship(ctx context.Context, a models.OrderAction) (models.TransitionResult, error)
	Deliver(ctx context.Context, a models.OrderAction) (models.TransitionResult, error)
	Cancel(ctx context.Context, a models.OrderAction) (models.TransitionResult, error)
}

// errPermanent marks a message that no retry can fix.
var errPermanent = errors.New("permanent")

type FulfillmentConsumer struct {
	consumer   sarama.Consumer
	topic      string
	handler    FulfillmentHandler
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
}

func NewFulfillmentConsumer(consumer sarama.Consumer, topic string, handler FulfillmentHandler, logger *zap.Logger) *FulfillmentConsumer {
	return &FulfillmentConsumer{
		consumer:   consumer,
		topic:      topic,
		handler:    handler,
		logger:     logger,
		maxRetries: 3,
		backoff:    time.Second,
	}
}

func (c *FulfillmentConsumer) Start(ctx context.Context) error {
	partitionConsumer, err := c.consumer.ConsumePartition(c.topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	c.logger.Info("Kafka consumer started", zap.String("topic", c.topic))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer stopped", zap.String("topic", c.topic))
			return nil
		case message, ok := <-partitionConsumer.Messages():
			if !ok {
				return nil
			}
			if err := c.handleMessageWithRetry(ctx, message); err != nil {
				c.logger.Error("Failed to handle message after retries",
					zap.Int64("offset", message.Offset),
					zap.Error(err),
				)
			}
		case err, ok := <-partitionConsumer.Errors():
			if !ok {
				return nil
			}
			c.logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func (c *FulfillmentConsumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err := c.handleMessage(ctx, message)
		if err == nil {
			return nil
		}
		if errors.Is(err, errPermanent) {
			return err
		}
		lastErr = err
		if attempt < c.maxRetries {
			backoff := time.Duration(attempt) * c.backoff
			c.logger.Warn("Retrying message handling",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *FulfillmentConsumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, saramaHeaderCarrierConsumer(message.Headers))
	ctx, span := otel.Tracer("reconcile-service").Start(ctx, "ProcessFulfillmentEvent")
	defer span.End()

	var event models.FulfillmentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: failed to unmarshal event: %v", errPermanent, err)
	}
	if event.OrderID == "" {
		return fmt.Errorf("%w: event without order_id", errPermanent)
	}

	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.String("order.id", event.OrderID),
	)

	action := models.OrderAction{
		OrderID: event.OrderID,
		Actor:   event.Actor,
		Note:    event.Note,
	}
	if event.EventID != "" {
		action.ActionID = "kafka:" + event.EventID
	} else {
		action.ActionID = fmt.Sprintf("kafka:%s/%d/%d", message.Topic, message.Partition, message.Offset)
	}
	if action.Actor == "" {
		action.Actor = "fulfillment"
	}

	var (
		res models.TransitionResult
		err error
	)
	switch event.EventType {
	case "order_shipped":
		res, err = c.handler.Ship(ctx, action)
	case "order_delivered":
		res, err = c.handler.Deliver(ctx, action)
	case "order_cancelled":
		res, err = c.handler.Cancel(ctx, action)
	default:
		c.logger.Debug("Unknown event type", zap.String("event_type", event.EventType))
		return nil
	}

	if errors.Is(err, reconcile.ErrOrderNotFound) {
		c.logger.Warn("Fulfillment event for unknown order", zap.String("order_id", event.OrderID))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	c.logger.Info("Fulfillment event processed",
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.Bool("applied", res.Applied),
		zap.String("rejection_reason", string(res.RejectionReason)),
	)
	return nil
}
