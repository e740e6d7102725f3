package models

import (
	"time"

	"github.com/google/uuid"
)

// QueueKind names one stage queue. The set is closed; queue names are always
// derived from these values so a mistyped queue can never be declared.
type QueueKind string

const (
	QueueExtraction QueueKind = "extraction"
	QueueTransform  QueueKind = "transform"
	QueueEmbedding  QueueKind = "embedding"
)

// QueueKinds lists every stage queue declared for a tenant.
var QueueKinds = []QueueKind{QueueExtraction, QueueTransform, QueueEmbedding}

// EntityRef points the embedding worker at one committed row.
type EntityRef struct {
	Table      string `json:"table_name"`
	Key        string `json:"key"`
	VectorType string `json:"vector_type"`
}

// Envelope is the self-describing message exchanged on every queue. The
// first/last markers encode step boundaries; last_job_item encodes the job
// boundary. The token is generated once per job and threaded across every
// hop so concurrent jobs on the same tenant queues stay distinguishable.
type Envelope struct {
	TenantID        int        `json:"tenant_id"`
	IntegrationID   uuid.UUID  `json:"integration_id"`
	JobID           uuid.UUID  `json:"job_id"`
	StepName        string     `json:"step_name"`
	PayloadType     string     `json:"payload_type"`
	RawID           *uuid.UUID `json:"raw_id,omitempty"`
	EntityRef       *EntityRef `json:"entity_ref,omitempty"`
	FirstItem       bool       `json:"first_item"`
	LastItem        bool       `json:"last_item"`
	LastJobItem     bool       `json:"last_job_item"`
	Token           uuid.UUID  `json:"token"`
	OldLastSyncDate *time.Time `json:"old_last_sync_date,omitempty"`
	NewLastSyncDate *time.Time `json:"new_last_sync_date,omitempty"`
	Attempt         int        `json:"attempt"`
}

// Terminal reports whether this is a synthetic terminal message: a step that
// produced zero items still emits exactly one message carrying both markers
// so downstream stages never hang.
func (e *Envelope) Terminal() bool {
	return e.FirstItem && e.LastItem && e.RawID == nil && e.EntityRef == nil
}

// Child derives an envelope for the next hop, preserving identity fields and
// watermarks while clearing markers and per-hop payload references.
func (e *Envelope) Child() Envelope {
	return Envelope{
		TenantID:        e.TenantID,
		IntegrationID:   e.IntegrationID,
		JobID:           e.JobID,
		StepName:        e.StepName,
		Token:           e.Token,
		OldLastSyncDate: e.OldLastSyncDate,
		NewLastSyncDate: e.NewLastSyncDate,
	}
}
