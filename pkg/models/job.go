package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the overall lifecycle state of an ETL job.
type JobStatus string

const (
	JobReady    JobStatus = "READY"
	JobRunning  JobStatus = "RUNNING"
	JobFinished JobStatus = "FINISHED"
	JobFailed   JobStatus = "FAILED"
)

// StageStatus is the state of one stage (extraction, transform, embedding)
// within one step.
type StageStatus string

const (
	StageIdle     StageStatus = "idle"
	StageRunning  StageStatus = "running"
	StageFinished StageStatus = "finished"
	StageFailed   StageStatus = "failed"
)

// Stage names the three processing phases of a step.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageTransform  Stage = "transform"
	StageEmbedding  Stage = "embedding"
)

// StepState tracks the three per-stage statuses of a single step.
type StepState struct {
	Order      int         `json:"order"`
	Extraction StageStatus `json:"extraction"`
	Transform  StageStatus `json:"transform"`
	Embedding  StageStatus `json:"embedding"`
}

// Get returns the status of the named stage.
func (s *StepState) Get(stage Stage) StageStatus {
	switch stage {
	case StageExtraction:
		return s.Extraction
	case StageTransform:
		return s.Transform
	case StageEmbedding:
		return s.Embedding
	}
	return StageIdle
}

// Set assigns the status of the named stage.
func (s *StepState) Set(stage Stage, status StageStatus) {
	switch stage {
	case StageExtraction:
		s.Extraction = status
	case StageTransform:
		s.Transform = status
	case StageEmbedding:
		s.Embedding = status
	}
}

// Advance applies a status transition without ever regressing a stage.
// Late messages observed after last_item are benign: a finished or failed
// stage keeps its status. Returns true when the status actually changed.
func (s *StepState) Advance(stage Stage, status StageStatus) bool {
	current := s.Get(stage)
	if current == status {
		return false
	}
	switch current {
	case StageFinished, StageFailed:
		// Terminal per-stage states only reset via the completion watcher.
		return false
	}
	s.Set(stage, status)
	return true
}

// Settled reports whether every stage of the step is finished or idle,
// which is the per-step completion barrier condition.
func (s *StepState) Settled() bool {
	for _, st := range []StageStatus{s.Extraction, s.Transform, s.Embedding} {
		if st != StageFinished && st != StageIdle {
			return false
		}
	}
	return true
}

// ETLJob is the per-job state document. It is exclusively owned by the job
// controller; workers update individual fields through the controller.
type ETLJob struct {
	TenantID      int                   `json:"tenant_id"`
	ID            uuid.UUID             `json:"job_id"`
	JobName       string                `json:"job_name"`
	IntegrationID uuid.UUID             `json:"integration_id"`
	Overall       JobStatus             `json:"overall"`
	Steps         map[string]*StepState `json:"steps"`
	LastSyncDate  *time.Time            `json:"last_sync_date,omitempty"`
	ResetDeadline *time.Time            `json:"reset_deadline,omitempty"`
	ResetAttempt  int                   `json:"reset_attempt"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Settled reports whether every step of the job satisfies the completion
// barrier (every stage finished or idle).
func (j *ETLJob) Settled() bool {
	for _, step := range j.Steps {
		if !step.Settled() {
			return false
		}
	}
	return true
}

// AnyRunning reports whether any stage of any step is running.
func (j *ETLJob) AnyRunning() bool {
	for _, step := range j.Steps {
		for _, st := range []StageStatus{step.Extraction, step.Transform, step.Embedding} {
			if st == StageRunning {
				return true
			}
		}
	}
	return false
}

// ResetStages zeroes every stage back to idle, readying the document for the
// next run.
func (j *ETLJob) ResetStages() {
	for _, step := range j.Steps {
		step.Extraction = StageIdle
		step.Transform = StageIdle
		step.Embedding = StageIdle
	}
	j.Overall = JobReady
	j.ResetDeadline = nil
	j.ResetAttempt = 0
}

// SettleBackoff is the back-off schedule applied when residual work defers a
// reset, indexed by reset_attempt and clamped to the last entry.
var SettleBackoff = []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second}

// NextSettleDelay returns the deferral to apply for the given reset attempt.
func NextSettleDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(SettleBackoff) {
		return SettleBackoff[len(SettleBackoff)-1]
	}
	return SettleBackoff[attempt]
}
