package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/broadcast"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

// Notifier receives job progress events. Satisfied by broadcast.Broadcaster.
type Notifier interface {
	Publish(event broadcast.Event)
}

// ScopeProvider hands out tenant-scoped contexts. Satisfied by
// database.TenantScopeProvider.
type ScopeProvider interface {
	WithTenantScope(ctx context.Context, tenantID int) (context.Context, func(), error)
}

// noopNotifier swallows events when no broadcaster is wired.
type noopNotifier struct{}

func (noopNotifier) Publish(broadcast.Event) {}

// JobController owns all mutations of job state documents. Every change is a
// load-modify-save under a per-job lock, so concurrent workers of one job
// serialize here and the no-regression rule in StepState.Advance holds
// against the persisted document, not a stale copy.
type JobController struct {
	scopes   ScopeProvider
	jobs     repositories.JobRepository
	notifier Notifier
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewJobController creates a controller. notifier may be nil.
func NewJobController(scopes ScopeProvider, jobs repositories.JobRepository, notifier Notifier, logger *zap.Logger) *JobController {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &JobController{
		scopes:   scopes,
		jobs:     jobs,
		notifier: notifier,
		logger:   logger,
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (c *JobController) jobLock(jobID uuid.UUID) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[jobID] = lock
	}
	return lock
}

// forgetLock drops the per-job lock once the job reaches a terminal state
// and was reset, keeping the map from growing unbounded.
func (c *JobController) forgetLock(jobID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, jobID)
}

// mutate runs fn against the freshly loaded job document under the job lock
// and persists it when fn reports a change. Events returned by fn are
// published after the save succeeds, so subscribers never observe state that
// was not persisted.
func (c *JobController) mutate(ctx context.Context, tenantID int, jobID uuid.UUID, fn func(job *models.ETLJob) (bool, []broadcast.Event)) error {
	lock := c.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	tenantCtx, cleanup, err := c.scopes.WithTenantScope(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer cleanup()

	job, err := c.jobs.Get(tenantCtx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	changed, events := fn(job)
	if changed {
		if err := c.jobs.Update(tenantCtx, job); err != nil {
			return fmt.Errorf("failed to persist job %s: %w", jobID, err)
		}
	}
	for _, event := range events {
		c.notifier.Publish(event)
	}
	return nil
}

// StartJob creates the job document in READY state and announces it.
func (c *JobController) StartJob(ctx context.Context, tenantID int, job *models.ETLJob) error {
	tenantCtx, cleanup, err := c.scopes.WithTenantScope(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer cleanup()

	if err := c.jobs.Create(tenantCtx, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	c.notifier.Publish(broadcast.Event{
		Type:     broadcast.EventJobStarted,
		TenantID: tenantID,
		JobID:    job.ID,
		JobName:  job.JobName,
		At:       time.Now().UTC(),
	})
	return nil
}

// MarkStageRunning advances a stage to running when a first_item marker is
// observed. The first transition also flips the overall status to RUNNING.
// Late markers after a stage finished are no-ops.
func (c *JobController) MarkStageRunning(ctx context.Context, tenantID int, jobID uuid.UUID, step string, stage models.Stage) error {
	return c.mutate(ctx, tenantID, jobID, func(job *models.ETLJob) (bool, []broadcast.Event) {
		state, ok := job.Steps[step]
		if !ok {
			c.logger.Warn("marker for unknown step", zap.String("step", step), zap.String("job_id", jobID.String()))
			return false, nil
		}
		if !state.Advance(stage, models.StageRunning) {
			return false, nil
		}
		var events []broadcast.Event
		if job.Overall == models.JobReady {
			job.Overall = models.JobRunning
		}
		events = append(events, stageEvent(job, step, stage, models.StageRunning))
		return true, events
	})
}

// MarkStageFinished advances a stage to finished when a last_item marker is
// observed.
func (c *JobController) MarkStageFinished(ctx context.Context, tenantID int, jobID uuid.UUID, step string, stage models.Stage) error {
	return c.mutate(ctx, tenantID, jobID, func(job *models.ETLJob) (bool, []broadcast.Event) {
		state, ok := job.Steps[step]
		if !ok {
			return false, nil
		}
		if !state.Advance(stage, models.StageFinished) {
			return false, nil
		}
		return true, []broadcast.Event{stageEvent(job, step, stage, models.StageFinished)}
	})
}

// MarkStageFailed records a stage failure and fails the whole job. Residual
// messages of the job keep draining; their status updates become no-ops
// against the failed stage.
func (c *JobController) MarkStageFailed(ctx context.Context, tenantID int, jobID uuid.UUID, step string, stage models.Stage, reason string) error {
	return c.mutate(ctx, tenantID, jobID, func(job *models.ETLJob) (bool, []broadcast.Event) {
		state, ok := job.Steps[step]
		if !ok {
			return false, nil
		}
		changedStage := state.Advance(stage, models.StageFailed)
		changedOverall := job.Overall != models.JobFailed
		if changedOverall {
			job.Overall = models.JobFailed
		}
		if !changedStage && !changedOverall {
			return false, nil
		}
		events := []broadcast.Event{stageEvent(job, step, stage, models.StageFailed)}
		if changedOverall {
			events = append(events, broadcast.Event{
				Type:     broadcast.EventJobFailed,
				TenantID: job.TenantID,
				JobID:    job.ID,
				JobName:  job.JobName,
				Step:     step,
				Reason:   reason,
				At:       time.Now().UTC(),
			})
		}
		return true, events
	})
}

func stageEvent(job *models.ETLJob, step string, stage models.Stage, status models.StageStatus) broadcast.Event {
	return broadcast.Event{
		Type:     broadcast.EventStepStatusChanged,
		TenantID: job.TenantID,
		JobID:    job.ID,
		JobName:  job.JobName,
		Step:     step,
		Stage:    string(stage),
		Status:   string(status),
		At:       time.Now().UTC(),
	}
}
