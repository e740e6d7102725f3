package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/syncrail/syncrail-engine/pkg/models"
)

func TestQueueName(t *testing.T) {
	assert.Equal(t, "extraction_queue_1", QueueName(models.QueueExtraction, 1))
	assert.Equal(t, "transform_queue_42", QueueName(models.QueueTransform, 42))
	assert.Equal(t, "embedding_queue_7", QueueName(models.QueueEmbedding, 7))
}

func TestDeadLetterQueueName(t *testing.T) {
	assert.Equal(t, "dead_letter_queue_3", DeadLetterQueueName(3))
}

func TestQueueKindsClosedSet(t *testing.T) {
	// The queue-type set is closed; adding a kind means touching the
	// declaration path too.
	assert.Equal(t, []models.QueueKind{
		models.QueueExtraction,
		models.QueueTransform,
		models.QueueEmbedding,
	}, models.QueueKinds)
}
