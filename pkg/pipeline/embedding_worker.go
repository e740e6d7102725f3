package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/embedding"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
	"github.com/syncrail/syncrail-engine/pkg/vectorstore"
)

// EmbeddingWorker vectorizes one committed row per message: fetch by the
// entity reference, compose the text, generate the vector, upsert the point
// and its bridge row. Marker-only messages just move the job state machine.
type EmbeddingWorker struct {
	scopes     ScopeProvider
	entities   repositories.EntityRepository
	bridges    repositories.VectorBridgeRepository
	vectors    vectorstore.Client
	provider   embedding.Provider
	controller *JobController
	watcher    *CompletionWatcher
	logger     *zap.Logger
}

// NewEmbeddingWorker wires an embedding worker.
func NewEmbeddingWorker(
	scopes ScopeProvider,
	entities repositories.EntityRepository,
	bridges repositories.VectorBridgeRepository,
	vectors vectorstore.Client,
	provider embedding.Provider,
	controller *JobController,
	watcher *CompletionWatcher,
	logger *zap.Logger,
) *EmbeddingWorker {
	return &EmbeddingWorker{
		scopes:     scopes,
		entities:   entities,
		bridges:    bridges,
		vectors:    vectors,
		provider:   provider,
		controller: controller,
		watcher:    watcher,
		logger:     logger,
	}
}

// Handle processes one embedding message.
func (w *EmbeddingWorker) Handle(ctx context.Context, env models.Envelope) error {
	if env.FirstItem {
		if err := w.controller.MarkStageRunning(ctx, env.TenantID, env.JobID, env.StepName, models.StageEmbedding); err != nil {
			w.logger.Warn("failed to mark embedding running", zap.Error(err))
		}
	}

	if env.EntityRef != nil {
		if err := w.embed(ctx, env); err != nil {
			return err
		}
	}

	if env.LastItem {
		if err := w.controller.MarkStageFinished(ctx, env.TenantID, env.JobID, env.StepName, models.StageEmbedding); err != nil {
			w.logger.Warn("failed to mark embedding finished", zap.Error(err))
		}
	}
	if env.LastJobItem {
		if err := w.watcher.Complete(ctx, env); err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}
	}
	return nil
}

func (w *EmbeddingWorker) embed(ctx context.Context, env models.Envelope) error {
	ref := env.EntityRef

	tenantCtx, cleanup, err := w.scopes.WithTenantScope(ctx, env.TenantID)
	if err != nil {
		return apperrors.New(apperrors.KindUnavailable, "embedding tenant scope", err)
	}
	defer cleanup()

	row, err := w.entities.FetchForEmbedding(tenantCtx, ref.Table, ref.Key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// The row was deactivated or removed between commit and pickup.
			// Not an error; the message is consumed without a vector, and any
			// point left over from an earlier run is dropped.
			w.logger.Info("entity not found for embedding, skipping",
				zap.String("table", ref.Table),
				zap.String("key", ref.Key),
				zap.Int("tenant_id", env.TenantID))
			if err := w.dropStaleVector(ctx, tenantCtx, ref); err != nil {
				w.logger.Warn("failed to drop stale vector",
					zap.String("table", ref.Table),
					zap.String("key", ref.Key),
					zap.Error(err))
			}
			return nil
		}
		return fmt.Errorf("failed to fetch %s/%s for embedding: %w", ref.Table, ref.Key, err)
	}

	text := embedding.Compose(ref.Table, row)

	if err := w.provider.Initialize(ctx, env.TenantID); err != nil {
		return fmt.Errorf("failed to initialize embedding provider: %w", err)
	}
	defer func() {
		if err := w.provider.Cleanup(); err != nil {
			w.logger.Warn("embedding provider cleanup failed", zap.Error(err))
		}
	}()

	vecs, err := w.provider.Generate(ctx, []string{text})
	if err != nil {
		return err
	}
	if len(vecs) != 1 {
		return apperrors.New(apperrors.KindPermanent, "embedding generate",
			fmt.Errorf("expected 1 vector, got %d", len(vecs)))
	}

	collection := vectorstore.CollectionName(env.TenantID, ref.Table)
	if err := w.vectors.EnsureCollection(ctx, collection); err != nil {
		return err
	}

	pointID := vectorstore.PointID(env.TenantID, ref.Table, ref.Key)
	if err := w.vectors.UpsertPoint(ctx, collection, pointID, vecs[0], vectorstore.PointPayload{
		TenantID:      env.TenantID,
		IntegrationID: env.IntegrationID,
		Table:         ref.Table,
		RecordID:      ref.Key,
		VectorType:    ref.VectorType,
		Text:          text,
	}); err != nil {
		return err
	}

	if err := w.bridges.Upsert(tenantCtx, &models.VectorBridge{
		IntegrationID:  env.IntegrationID,
		TableName:      ref.Table,
		RecordID:       ref.Key,
		VectorType:     ref.VectorType,
		CollectionName: collection,
		PointID:        pointID,
		Active:         true,
	}); err != nil {
		return fmt.Errorf("failed to upsert vector bridge: %w", err)
	}
	return nil
}

// dropStaleVector removes the points of a record that no longer exists and
// deactivates their bridge rows, keeping the index and the bridge in step
// with the store.
func (w *EmbeddingWorker) dropStaleVector(ctx context.Context, tenantCtx context.Context, ref *models.EntityRef) error {
	bridges, err := w.bridges.ListForRecord(tenantCtx, ref.Table, ref.Key)
	if err != nil {
		return err
	}
	for _, b := range bridges {
		if !b.Active {
			continue
		}
		if err := w.vectors.DeletePoints(ctx, b.CollectionName, []uuid.UUID{b.PointID}); err != nil {
			return err
		}
		if err := w.bridges.SetActive(tenantCtx, b.TableName, b.RecordID, b.VectorType, false); err != nil {
			return err
		}
	}
	return nil
}
