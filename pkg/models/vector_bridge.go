package models

import (
	"time"

	"github.com/google/uuid"
)

// VectorBridge binds a normalized row to its point in the vector index.
// Uniqueness key: (tenant_id, table_name, record_id, vector_type). The
// bridge's active flag is a projection of the source row's active flag and
// follows it in both directions.
type VectorBridge struct {
	TenantID       int       `json:"tenant_id"`
	IntegrationID  uuid.UUID `json:"integration_id"`
	TableName      string    `json:"table_name"`
	RecordID       string    `json:"record_id"`
	VectorType     string    `json:"vector_type"`
	CollectionName string    `json:"collection_name"`
	PointID        uuid.UUID `json:"point_id"`
	Active         bool      `json:"active"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}
