// Package broker is the durable queue fabric: tenant-partitioned stage
// queues on RabbitMQ with at-least-once delivery, publisher confirms,
// bounded redelivery, and tenant-scoped dead-lettering.
package broker

import (
	"fmt"

	"github.com/syncrail/syncrail-engine/pkg/models"
)

// QueueName derives the durable queue name for a stage and tenant. All
// declarations and publishes go through this, so the "queue not found"
// class of errors cannot arise from inconsistent naming.
func QueueName(kind models.QueueKind, tenantID int) string {
	return fmt.Sprintf("%s_queue_%d", kind, tenantID)
}

// DeadLetterQueueName derives the tenant-scoped dead-letter queue name.
func DeadLetterQueueName(tenantID int) string {
	return fmt.Sprintf("dead_letter_queue_%d", tenantID)
}
