package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/embedding"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
	"github.com/syncrail/syncrail-engine/pkg/vectorstore"
)

// fakeVectors records collection and point operations in memory.
type fakeVectors struct {
	mu          sync.Mutex
	collections map[string]bool
	points      map[string][]fakePoint
	deleted     map[string][]uuid.UUID
}

type fakePoint struct {
	id      uuid.UUID
	vector  []float32
	payload vectorstore.PointPayload
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		collections: make(map[string]bool),
		points:      make(map[string][]fakePoint),
		deleted:     make(map[string][]uuid.UUID),
	}
}

var _ vectorstore.Client = (*fakeVectors)(nil)

func (f *fakeVectors) EnsureCollection(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[name] = true
	return nil
}

func (f *fakeVectors) UpsertPoint(ctx context.Context, collection string, pointID uuid.UUID, vector []float32, payload vectorstore.PointPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[collection] = append(f.points[collection], fakePoint{id: pointID, vector: vector, payload: payload})
	return nil
}

func (f *fakeVectors) DeletePoints(ctx context.Context, collection string, pointIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[collection] = append(f.deleted[collection], pointIDs...)
	return nil
}

func (f *fakeVectors) Close() error { return nil }

// fakeBridges records bridge upserts.
type fakeBridges struct {
	mu      sync.Mutex
	bridges []*models.VectorBridge
}

var _ repositories.VectorBridgeRepository = (*fakeBridges)(nil)

func (f *fakeBridges) Upsert(ctx context.Context, bridge *models.VectorBridge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *bridge
	f.bridges = append(f.bridges, &cp)
	return nil
}

func (f *fakeBridges) SetActive(ctx context.Context, tableName, recordID, vectorType string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bridges {
		if b.TableName == tableName && b.RecordID == recordID && b.VectorType == vectorType {
			b.Active = active
		}
	}
	return nil
}

func (f *fakeBridges) ListForRecord(ctx context.Context, tableName, recordID string) ([]*models.VectorBridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.VectorBridge
	for _, b := range f.bridges {
		if b.TableName == tableName && b.RecordID == recordID {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBridges) CountForTable(ctx context.Context, tableName string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bridges), nil
}

type embeddingFixture struct {
	*completionFixture
	worker   *EmbeddingWorker
	entities *fakeEntities
	vectors  *fakeVectors
	bridges  *fakeBridges
	provider *embedding.MockProvider
}

func newEmbeddingFixture(t *testing.T) *embeddingFixture {
	t.Helper()
	f := &embeddingFixture{
		completionFixture: newCompletionFixture(t),
		entities:          newFakeEntities(),
		vectors:           newFakeVectors(),
		bridges:           &fakeBridges{},
		provider:          embedding.NewMockProvider(),
	}
	f.worker = NewEmbeddingWorker(stubScopes{}, f.entities, f.bridges, f.vectors,
		f.provider, f.controller, f.watcher, zap.NewNop())
	return f
}

func TestEmbeddingUpsertsPointAndBridge(t *testing.T) {
	f := newEmbeddingFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	require.NoError(t, f.jobs.Create(ctx, job))

	f.entities.rows[models.TableWorkItems+"/ENG-1"] = map[string]any{
		"key":     "ENG-1",
		"summary": "Consumer restart loop",
	}

	env := models.Envelope{
		TenantID:      7,
		IntegrationID: job.IntegrationID,
		JobID:         job.ID,
		StepName:      providers.StepJiraIssuesWithChangelogs,
		Token:         uuid.New(),
		FirstItem:     true,
		EntityRef: &models.EntityRef{
			Table:      models.TableWorkItems,
			Key:        "ENG-1",
			VectorType: models.VectorTypeSemantic,
		},
	}
	require.NoError(t, f.worker.Handle(ctx, env))

	collection := vectorstore.CollectionName(7, models.TableWorkItems)
	assert.True(t, f.vectors.collections[collection])
	require.Len(t, f.vectors.points[collection], 1)

	point := f.vectors.points[collection][0]
	assert.Equal(t, vectorstore.PointID(7, models.TableWorkItems, "ENG-1"), point.id)
	assert.Equal(t, "ENG-1", point.payload.RecordID)
	assert.Contains(t, point.payload.Text, "Consumer restart loop")

	require.Len(t, f.bridges.bridges, 1)
	bridge := f.bridges.bridges[0]
	assert.Equal(t, collection, bridge.CollectionName)
	assert.Equal(t, point.id, bridge.PointID)
	assert.True(t, bridge.Active)

	assert.Equal(t, 1, f.provider.InitializeCalls)
	assert.Equal(t, 1, f.provider.CleanupCalls)

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageRunning, stored.Steps[env.StepName].Embedding)
}

func TestEmbeddingSamePointIDAcrossRuns(t *testing.T) {
	f := newEmbeddingFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	require.NoError(t, f.jobs.Create(ctx, job))
	f.entities.rows[models.TableProjects+"/ENG"] = map[string]any{"key": "ENG", "name": "Engineering"}

	env := models.Envelope{
		TenantID: 7, IntegrationID: job.IntegrationID, JobID: job.ID,
		StepName: providers.StepJiraProjectsAndIssueTypes, Token: uuid.New(),
		EntityRef: &models.EntityRef{Table: models.TableProjects, Key: "ENG", VectorType: models.VectorTypeSemantic},
	}
	require.NoError(t, f.worker.Handle(ctx, env))
	require.NoError(t, f.worker.Handle(ctx, env))

	collection := vectorstore.CollectionName(7, models.TableProjects)
	points := f.vectors.points[collection]
	require.Len(t, points, 2, "re-embedding writes the same point, not a new one")
	assert.Equal(t, points[0].id, points[1].id)
}

func TestEmbeddingSkipsVanishedEntity(t *testing.T) {
	f := newEmbeddingFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	require.NoError(t, f.jobs.Create(ctx, job))

	env := models.Envelope{
		TenantID: 7, IntegrationID: job.IntegrationID, JobID: job.ID,
		StepName: providers.StepJiraIssuesWithChangelogs, Token: uuid.New(),
		EntityRef: &models.EntityRef{Table: models.TableWorkItems, Key: "GONE-1", VectorType: models.VectorTypeSemantic},
	}
	require.NoError(t, f.worker.Handle(ctx, env), "a vanished row consumes the message without error")

	assert.Empty(t, f.vectors.points)
	assert.Empty(t, f.bridges.bridges)
	assert.Zero(t, f.provider.GenerateCalls)
}

func TestEmbeddingVanishedEntityDropsStaleVector(t *testing.T) {
	f := newEmbeddingFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	require.NoError(t, f.jobs.Create(ctx, job))

	// A vector from an earlier run of the now-vanished row.
	collection := vectorstore.CollectionName(7, models.TableWorkItems)
	pointID := vectorstore.PointID(7, models.TableWorkItems, "GONE-1")
	require.NoError(t, f.bridges.Upsert(ctx, &models.VectorBridge{
		IntegrationID:  job.IntegrationID,
		TableName:      models.TableWorkItems,
		RecordID:       "GONE-1",
		VectorType:     models.VectorTypeSemantic,
		CollectionName: collection,
		PointID:        pointID,
		Active:         true,
	}))

	env := models.Envelope{
		TenantID: 7, IntegrationID: job.IntegrationID, JobID: job.ID,
		StepName: providers.StepJiraIssuesWithChangelogs, Token: uuid.New(),
		EntityRef: &models.EntityRef{Table: models.TableWorkItems, Key: "GONE-1", VectorType: models.VectorTypeSemantic},
	}
	require.NoError(t, f.worker.Handle(ctx, env))

	assert.Equal(t, []uuid.UUID{pointID}, f.vectors.deleted[collection])
	require.Len(t, f.bridges.bridges, 1)
	assert.False(t, f.bridges.bridges[0].Active)
}

func TestEmbeddingMarkerOnlyMovesStages(t *testing.T) {
	f := newEmbeddingFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	require.NoError(t, f.jobs.Create(ctx, job))

	step := providers.StepJiraProjectsAndIssueTypes
	env := models.Envelope{
		TenantID: 7, IntegrationID: job.IntegrationID, JobID: job.ID,
		StepName: step, Token: uuid.New(),
		FirstItem: true, LastItem: true,
	}
	require.NoError(t, f.worker.Handle(ctx, env))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFinished, stored.Steps[step].Embedding)
	assert.Empty(t, f.vectors.points)
}

func TestEmbeddingTerminalMarkerCompletesJob(t *testing.T) {
	f := newEmbeddingFixture(t)
	ctx := context.Background()

	job := newTestJob(7)
	finishAllStages(job)
	require.NoError(t, f.jobs.Create(ctx, job))

	watermark := f.now.Add(-time.Minute)
	env := models.Envelope{
		TenantID: 7, IntegrationID: job.IntegrationID, JobID: job.ID,
		StepName: providers.StepJiraIssuesWithChangelogs, Token: uuid.New(),
		LastItem: true, LastJobItem: true, NewLastSyncDate: &watermark,
	}
	require.NoError(t, f.worker.Handle(ctx, env))

	stored, err := f.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, stored.Overall)
	assert.Equal(t, []time.Duration{30 * time.Second}, f.scheduled)
}
