// Package broadcast fans job progress events out to authenticated WebSocket
// subscribers. Subscriptions are scoped to (tenant, job name); a subscriber
// never sees another tenant's events.
package broadcast

import (
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the pipeline.
const (
	EventJobStarted        = "job_started"
	EventStepStatusChanged = "step_status_changed"
	EventJobFinished       = "job_finished"
	EventJobResetScheduled = "job_reset_scheduled"
	EventJobResetCompleted = "job_reset_completed"
	EventJobFailed         = "job_failed"
)

// Event is one progress notification. Step, Stage and Status are set for
// step_status_changed; Deadline for job_reset_scheduled; Reason for
// job_failed.
type Event struct {
	Type     string     `json:"type"`
	TenantID int        `json:"tenant_id"`
	JobID    uuid.UUID  `json:"job_id"`
	JobName  string     `json:"job_name"`
	Step     string     `json:"step,omitempty"`
	Stage    string     `json:"stage,omitempty"`
	Status   string     `json:"status,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}
