package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/broadcast"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

// CompletionWatcher drives the tail of a job's lifecycle: when the terminal
// marker lands it persists the watermark and marks the job FINISHED, then
// after a settle window verifies nothing is still in flight and resets the
// job for its next run. Residual work defers the reset on a backoff
// schedule instead of resetting under it.
type CompletionWatcher struct {
	controller   *JobController
	integrations repositories.IntegrationRepository
	tracker      *TokenTracker
	settleDelay  time.Duration
	logger       *zap.Logger

	// Overridable for tests.
	now      func() time.Time
	schedule func(d time.Duration, fn func())
}

// NewCompletionWatcher creates a watcher. settleDelay is the fixed first
// check delay; deferrals after it follow models.SettleBackoff.
func NewCompletionWatcher(controller *JobController, integrations repositories.IntegrationRepository, tracker *TokenTracker, settleDelay time.Duration, logger *zap.Logger) *CompletionWatcher {
	return &CompletionWatcher{
		controller:   controller,
		integrations: integrations,
		tracker:      tracker,
		settleDelay:  settleDelay,
		logger:       logger,
		now:          time.Now,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// Complete handles the job's terminal marker: advance the integration
// watermark, mark the job FINISHED, and schedule the settle check.
func (w *CompletionWatcher) Complete(ctx context.Context, env models.Envelope) error {
	deadline := w.now().Add(w.settleDelay).UTC()

	var finished bool
	err := w.controller.mutate(ctx, env.TenantID, env.JobID, func(job *models.ETLJob) (bool, []broadcast.Event) {
		if job.Overall == models.JobFailed {
			// A failed job keeps its watermark; the next run retries the
			// same window.
			return false, nil
		}
		finished = true
		job.Overall = models.JobFinished
		job.LastSyncDate = env.NewLastSyncDate
		job.ResetDeadline = &deadline
		job.ResetAttempt = 0
		return true, []broadcast.Event{
			{
				Type:     broadcast.EventJobFinished,
				TenantID: job.TenantID,
				JobID:    job.ID,
				JobName:  job.JobName,
				At:       w.now().UTC(),
			},
			{
				Type:     broadcast.EventJobResetScheduled,
				TenantID: job.TenantID,
				JobID:    job.ID,
				JobName:  job.JobName,
				Deadline: &deadline,
				At:       w.now().UTC(),
			},
		}
	})
	if err != nil {
		return err
	}
	if !finished {
		return nil
	}

	if env.NewLastSyncDate != nil {
		if err := w.advanceWatermark(ctx, env); err != nil {
			return err
		}
	}

	w.schedule(w.settleDelay, func() {
		w.settle(env.TenantID, env.JobID, env.Token)
	})
	return nil
}

func (w *CompletionWatcher) advanceWatermark(ctx context.Context, env models.Envelope) error {
	tenantCtx, cleanup, err := w.controller.scopes.WithTenantScope(ctx, env.TenantID)
	if err != nil {
		return fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	defer cleanup()

	if err := w.integrations.UpdateLastSyncDate(tenantCtx, env.IntegrationID, *env.NewLastSyncDate); err != nil {
		return fmt.Errorf("failed to advance integration watermark: %w", err)
	}
	return nil
}

// settle runs at the reset deadline. The job resets only when every stage of
// every step has settled AND no embedding messages of this job's token are
// still outstanding; otherwise the deadline is pushed out on the backoff
// schedule.
func (w *CompletionWatcher) settle(tenantID int, jobID uuid.UUID, token uuid.UUID) {
	ctx := context.Background()

	outstanding, err := w.tracker.Outstanding(ctx, tenantID, token)
	if err != nil {
		w.logger.Error("settle check could not read token counter, deferring",
			zap.String("job_id", jobID.String()), zap.Error(err))
		w.schedule(models.NextSettleDelay(0), func() { w.settle(tenantID, jobID, token) })
		return
	}

	var resetDone bool
	err = w.controller.mutate(ctx, tenantID, jobID, func(job *models.ETLJob) (bool, []broadcast.Event) {
		if job.Overall == models.JobFailed {
			// Failed jobs are not reset automatically.
			return false, nil
		}
		if job.Settled() && outstanding == 0 {
			job.ResetStages()
			resetDone = true
			return true, []broadcast.Event{{
				Type:     broadcast.EventJobResetCompleted,
				TenantID: job.TenantID,
				JobID:    job.ID,
				JobName:  job.JobName,
				At:       w.now().UTC(),
			}}
		}

		// Residual work: defer with backoff.
		delay := models.NextSettleDelay(job.ResetAttempt)
		deadline := w.now().Add(delay).UTC()
		job.ResetAttempt++
		job.ResetDeadline = &deadline
		w.logger.Info("job not settled, deferring reset",
			zap.String("job_id", job.ID.String()),
			zap.Int64("outstanding", outstanding),
			zap.Int("reset_attempt", job.ResetAttempt),
			zap.Duration("delay", delay))
		w.schedule(delay, func() { w.settle(tenantID, jobID, token) })
		return true, []broadcast.Event{{
			Type:     broadcast.EventJobResetScheduled,
			TenantID: job.TenantID,
			JobID:    job.ID,
			JobName:  job.JobName,
			Deadline: &deadline,
			At:       w.now().UTC(),
		}}
	})
	if err != nil {
		w.logger.Error("settle check failed", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}

	if resetDone {
		if err := w.tracker.Clear(ctx, tenantID, token); err != nil {
			w.logger.Warn("failed to clear token counter after reset", zap.Error(err))
		}
		w.controller.forgetLock(jobID)
		w.logger.Info("job settled and reset", zap.String("job_id", jobID.String()))
	}
}
