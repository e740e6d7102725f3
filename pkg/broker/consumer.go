package broker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/logging"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// Handler processes one envelope. A nil return acks the message. Errors are
// classified through the apperrors taxonomy to decide between redelivery
// and dead-lettering.
type Handler func(ctx context.Context, env models.Envelope) error

// Consumer owns exactly one queue subscription and processes deliveries one
// at a time (prefetch=1), preserving per-queue FIFO within this consumer.
type Consumer struct {
	broker      *Broker
	publisher   Publisher
	kind        models.QueueKind
	tenantID    int
	prefetch    int
	maxAttempts int
	logger      *zap.Logger

	// onAck observes every acked delivery; the pipeline hooks token
	// accounting in here.
	onAck func(env models.Envelope)

	// onExhausted observes messages that ran out of delivery attempts,
	// after they have been dead-lettered.
	onExhausted func(ctx context.Context, env models.Envelope, err error)
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithAckObserver registers a callback invoked after each ack.
func WithAckObserver(fn func(env models.Envelope)) ConsumerOption {
	return func(c *Consumer) { c.onAck = fn }
}

// WithExhaustionObserver registers a callback invoked after a message is
// dead-lettered for exhausting its delivery attempts.
func WithExhaustionObserver(fn func(ctx context.Context, env models.Envelope, err error)) ConsumerOption {
	return func(c *Consumer) { c.onExhausted = fn }
}

// NewConsumer builds a consumer for one tenant stage queue.
func NewConsumer(b *Broker, pub Publisher, kind models.QueueKind, tenantID, prefetch, maxAttempts int, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	c := &Consumer{
		broker:      b,
		publisher:   pub,
		kind:        kind,
		tenantID:    tenantID,
		prefetch:    prefetch,
		maxAttempts: maxAttempts,
		logger: logger.With(
			zap.String("queue", QueueName(kind, tenantID)),
			zap.Int("tenant_id", tenantID),
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes the queue, dispatching each delivery to handler. It returns
// nil on context cancellation and an error on channel loss so the worker
// manager can restart the consumer. On cancellation it stops taking
// deliveries; messages it already acked stay acked and unconsumed messages
// remain queued for redelivery.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	queue := QueueName(c.kind, c.tenantID)
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer stopping")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return apperrors.New(apperrors.KindTransient, "broker.consume",
					fmt.Errorf("delivery channel closed for %s", queue))
			}
			c.handleDelivery(ctx, d, handler)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	var env models.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		// Malformed envelopes can never succeed; dead-letter immediately.
		c.logger.Error("Failed to decode envelope, dead-lettering", zap.Error(err))
		_ = c.publisher.DeadLetter(ctx, models.Envelope{TenantID: c.tenantID}, "malformed envelope: "+err.Error())
		_ = d.Ack(false)
		return
	}

	err := handler(ctx, env)
	if err == nil {
		_ = d.Ack(false)
		if c.onAck != nil {
			c.onAck(env)
		}
		return
	}

	kind := apperrors.KindOf(err)
	c.logger.Warn("Handler failed",
		zap.String("step", env.StepName),
		zap.String("payload_type", env.PayloadType),
		zap.String("error_kind", kind.String()),
		zap.Int("attempt", env.Attempt),
		zap.String("error", logging.SanitizeError(err)))

	if kind == apperrors.KindShutdown || ctx.Err() != nil {
		// Shutdown in progress: leave the message for redelivery after
		// restart.
		_ = d.Nack(false, true)
		return
	}

	if apperrors.Retryable(err) && env.Attempt+1 < c.maxAttempts {
		// Republish with the attempt counter bumped so the retry budget
		// survives broker restarts, then ack the original delivery.
		retryEnv := env
		retryEnv.Attempt++
		if pubErr := c.publisher.Publish(ctx, c.kind, retryEnv); pubErr != nil {
			c.logger.Error("Failed to requeue message", zap.Error(pubErr))
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
		return
	}

	// Out of attempts or permanently failed: divert and surface.
	if dlqErr := c.publisher.DeadLetter(ctx, env, err.Error()); dlqErr != nil {
		c.logger.Error("Failed to dead-letter message", zap.Error(dlqErr))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
	if c.onAck != nil {
		c.onAck(env)
	}
	if c.onExhausted != nil {
		c.onExhausted(ctx, env, err)
	}
}
