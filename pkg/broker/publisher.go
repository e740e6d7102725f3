package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/retry"
)

// Publisher sends envelopes to stage queues with publisher confirms and
// bounded retries. After the retry budget is exhausted the message is
// diverted to the tenant's dead-letter queue and ErrDeadLettered is
// returned so the caller can flip the stage status to failed.
type Publisher interface {
	Publish(ctx context.Context, kind models.QueueKind, env models.Envelope) error
	DeadLetter(ctx context.Context, env models.Envelope, reason string) error
}

// ErrDeadLettered is returned when a message could not be published and was
// diverted to the dead-letter queue instead.
var ErrDeadLettered = fmt.Errorf("message diverted to dead-letter queue")

type publisher struct {
	broker     *Broker
	maxRetries int
	logger     *zap.Logger

	// onPublish observes successful publishes per queue kind; the pipeline
	// hooks token accounting in here.
	onPublish func(kind models.QueueKind, env models.Envelope)
}

// PublisherOption configures a publisher.
type PublisherOption func(*publisher)

// WithPublishObserver registers a callback invoked after each confirmed
// publish.
func WithPublishObserver(fn func(kind models.QueueKind, env models.Envelope)) PublisherOption {
	return func(p *publisher) { p.onPublish = fn }
}

// NewPublisher creates a confirming publisher. maxRetries bounds publish
// attempts before dead-lettering (default 5).
func NewPublisher(b *Broker, maxRetries int, logger *zap.Logger, opts ...PublisherOption) Publisher {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	p := &publisher{broker: b, maxRetries: maxRetries, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Publisher = (*publisher)(nil)

func (p *publisher) Publish(ctx context.Context, kind models.QueueKind, env models.Envelope) error {
	queue := QueueName(kind, env.TenantID)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	cfg := &retry.Config{
		MaxRetries:   p.maxRetries - 1,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}

	err = retry.Do(ctx, cfg, func() error {
		return p.publishOnce(ctx, queue, body)
	})
	if err != nil {
		p.logger.Error("Publish failed after retries, diverting to dead-letter queue",
			zap.String("queue", queue),
			zap.String("step", env.StepName),
			zap.Error(err))
		if dlqErr := p.DeadLetter(ctx, env, err.Error()); dlqErr != nil {
			return fmt.Errorf("failed to dead-letter after publish failure: %w", dlqErr)
		}
		return apperrors.New(apperrors.KindTransient, "broker.publish", ErrDeadLettered)
	}

	if p.onPublish != nil {
		p.onPublish(kind, env)
	}
	return nil
}

func (p *publisher) publishOnce(ctx context.Context, queue string, body []byte) error {
	ch, err := p.broker.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm publish to %s: %w", queue, err)
	}
	if !ok {
		return fmt.Errorf("broker nacked publish to %s", queue)
	}
	return nil
}

func (p *publisher) DeadLetter(ctx context.Context, env models.Envelope, reason string) error {
	queue := DeadLetterQueueName(env.TenantID)

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for dead-letter: %w", err)
	}

	ch, err := p.broker.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	headers := amqp.Table{
		"x-death-reason": reason,
		"x-origin-step":  env.StepName,
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to dead-letter queue %s: %w", queue, err)
	}

	p.logger.Warn("Message dead-lettered",
		zap.String("queue", queue),
		zap.String("step", env.StepName),
		zap.String("payload_type", env.PayloadType),
		zap.String("reason", reason))
	return nil
}
