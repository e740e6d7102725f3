package models

import (
	"time"

	"github.com/google/uuid"
)

// RawStatus is the handoff state of a staged payload. Records are
// append-only during extraction and flipped to completed by transform.
type RawStatus string

const (
	RawPending   RawStatus = "pending"
	RawCompleted RawStatus = "completed"
	RawFailed    RawStatus = "failed"
)

// RawExtractionRecord is the durable handoff between extraction and
// transform. ProviderRef is the provider-native identifier of the payload
// (issue id, project key, board/sprint pair) and keys the idempotent upsert
// on redelivery.
type RawExtractionRecord struct {
	TenantID      int       `json:"tenant_id"`
	ID            uuid.UUID `json:"raw_id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	PayloadType   string    `json:"payload_type"`
	ProviderRef   string    `json:"provider_ref"`
	Payload       []byte    `json:"payload_bytes"`
	Status        RawStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
