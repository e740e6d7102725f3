package broker

import (
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/logging"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// Broker owns the AMQP connection and re-dials it on loss. Channels are
// cheap and per-consumer; the connection is shared.
type Broker struct {
	url            string
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// Connect dials the broker. A failed initial dial is an unrecoverable
// startup error; callers exit non-zero on it.
func Connect(url string, reconnectDelay time.Duration, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker at %s: %w",
			logging.SanitizeConnectionString(url), err)
	}

	if reconnectDelay <= 0 {
		reconnectDelay = 2 * time.Second
	}

	return &Broker{
		url:            url,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		conn:           conn,
	}, nil
}

// Channel opens a fresh channel, re-dialing the connection if it has been
// lost. Unacked messages on a lost channel are redelivered by the broker.
func (b *Broker) Channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	if b.conn == nil || b.conn.IsClosed() {
		if err := b.redialLocked(); err != nil {
			return nil, err
		}
	}

	ch, err := b.conn.Channel()
	if err != nil {
		// One redial attempt: the connection may have died between the
		// IsClosed check and the channel open.
		if redialErr := b.redialLocked(); redialErr != nil {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}
		ch, err = b.conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("failed to open channel after reconnect: %w", err)
		}
	}
	return ch, nil
}

func (b *Broker) redialLocked() error {
	time.Sleep(b.reconnectDelay)
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("failed to reconnect to broker: %w", err)
	}
	b.logger.Info("Reconnected to broker")
	b.conn = conn
	return nil
}

// Close shuts the connection down. Safe to call more than once.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn.Close()
	}
	return nil
}

// DeclareTenantQueues declares the three durable stage queues and the
// dead-letter queue for a tenant. Declaration is idempotent; the manager
// calls this at startup for every tenant it serves.
func (b *Broker) DeclareTenantQueues(tenantID int) error {
	ch, err := b.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	for _, kind := range models.QueueKinds {
		name := QueueName(kind, tenantID)
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	dlq := DeadLetterQueueName(tenantID)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
	}

	b.logger.Info("Declared tenant queues", zap.Int("tenant_id", tenantID))
	return nil
}

// QueueDepth returns the current message count of a queue via passive
// declare. Used by the operational surface only.
func (b *Broker) QueueDepth(name string) (int, error) {
	ch, err := b.Channel()
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", name, err)
	}
	return q.Messages, nil
}
