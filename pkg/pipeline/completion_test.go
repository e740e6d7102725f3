package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/broadcast"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
)

type completionFixture struct {
	controller   *JobController
	jobs         *memJobs
	integrations *memIntegrations
	tracker      *TokenTracker
	notifier     *fakeNotifier
	watcher      *CompletionWatcher

	now       time.Time
	scheduled []time.Duration
	callbacks []func()
}

func newCompletionFixture(t *testing.T) *completionFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	f := &completionFixture{
		jobs:         newMemJobs(),
		integrations: newMemIntegrations(),
		tracker:      NewTokenTracker(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		notifier:     &fakeNotifier{},
		now:          time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.controller = NewJobController(stubScopes{}, f.jobs, f.notifier, zap.NewNop())
	f.watcher = NewCompletionWatcher(f.controller, f.integrations, f.tracker, 30*time.Second, zap.NewNop())
	f.watcher.now = func() time.Time { return f.now }
	f.watcher.schedule = func(d time.Duration, fn func()) {
		f.scheduled = append(f.scheduled, d)
		f.callbacks = append(f.callbacks, fn)
	}
	return f
}

// fire runs the most recently scheduled settle callback.
func (f *completionFixture) fire(t *testing.T) {
	t.Helper()
	require.NotEmpty(t, f.callbacks, "no settle check scheduled")
	fn := f.callbacks[len(f.callbacks)-1]
	f.callbacks = f.callbacks[:len(f.callbacks)-1]
	fn()
}

func finishAllStages(job *models.ETLJob) {
	for _, step := range job.Steps {
		step.Extraction = models.StageFinished
		step.Transform = models.StageFinished
		step.Embedding = models.StageFinished
	}
	job.Overall = models.JobRunning
}

func terminalEnvelope(job *models.ETLJob, watermark time.Time) models.Envelope {
	return models.Envelope{
		TenantID:        job.TenantID,
		IntegrationID:   job.IntegrationID,
		JobID:           job.ID,
		StepName:        providers.StepJiraSprintReports,
		Token:           uuid.New(),
		LastJobItem:     true,
		NewLastSyncDate: &watermark,
	}
}

func TestCompleteFinishesJobAndAdvancesWatermark(t *testing.T) {
	f := newCompletionFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	finishAllStages(job)
	require.NoError(t, f.jobs.Create(ctx, job))

	watermark := f.now.Add(-time.Minute)
	env := terminalEnvelope(job, watermark)
	require.NoError(t, f.watcher.Complete(ctx, env))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, stored.Overall)
	require.NotNil(t, stored.LastSyncDate)
	assert.True(t, stored.LastSyncDate.Equal(watermark))
	require.NotNil(t, stored.ResetDeadline)
	assert.True(t, stored.ResetDeadline.Equal(f.now.Add(30*time.Second)))

	assert.True(t, f.integrations.watermarks[job.IntegrationID].Equal(watermark))
	assert.Equal(t, []time.Duration{30 * time.Second}, f.scheduled)

	types := eventTypes(f.notifier.all())
	assert.Equal(t, []string{broadcast.EventJobFinished, broadcast.EventJobResetScheduled}, types)
}

func TestSettleResetsWhenQuiescent(t *testing.T) {
	f := newCompletionFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	finishAllStages(job)
	require.NoError(t, f.jobs.Create(ctx, job))

	env := terminalEnvelope(job, f.now)
	require.NoError(t, f.watcher.Complete(ctx, env))

	f.now = f.now.Add(30 * time.Second)
	f.fire(t)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobReady, stored.Overall)
	assert.Nil(t, stored.ResetDeadline)
	assert.Zero(t, stored.ResetAttempt)
	for _, step := range stored.Steps {
		assert.Equal(t, models.StageIdle, step.Extraction)
		assert.Equal(t, models.StageIdle, step.Transform)
		assert.Equal(t, models.StageIdle, step.Embedding)
	}
	assert.Contains(t, eventTypes(f.notifier.all()), broadcast.EventJobResetCompleted)
}

func TestSettleDefersOnOutstandingMessages(t *testing.T) {
	f := newCompletionFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	finishAllStages(job)
	require.NoError(t, f.jobs.Create(ctx, job))

	env := terminalEnvelope(job, f.now)
	require.NoError(t, f.watcher.Complete(ctx, env))

	// One embedding message of this job is still unacked.
	require.NoError(t, f.tracker.Incr(ctx, job.TenantID, env.Token))

	f.fire(t)
	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, stored.Overall, "job stays finished while draining")
	assert.Equal(t, 1, stored.ResetAttempt)
	require.Len(t, f.scheduled, 2)
	assert.Equal(t, models.SettleBackoff[0], f.scheduled[1])

	// Second deferral climbs the backoff schedule.
	f.fire(t)
	stored, err = f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ResetAttempt)
	require.Len(t, f.scheduled, 3)
	assert.Equal(t, models.SettleBackoff[1], f.scheduled[2])

	// Drained: the next check resets.
	require.NoError(t, f.tracker.Decr(ctx, job.TenantID, env.Token))
	f.fire(t)
	stored, err = f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobReady, stored.Overall)
}

func TestSettleNeverResetsFailedJob(t *testing.T) {
	f := newCompletionFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	finishAllStages(job)
	job.Overall = models.JobFailed
	require.NoError(t, f.jobs.Create(ctx, job))

	env := terminalEnvelope(job, f.now)
	require.NoError(t, f.watcher.Complete(ctx, env))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, stored.Overall, "terminal marker must not revive a failed job")
	assert.Nil(t, stored.LastSyncDate, "failed job keeps its previous watermark")
	assert.Empty(t, f.integrations.watermarks)
	assert.Empty(t, f.callbacks, "no settle check is scheduled for a failed job")
}
