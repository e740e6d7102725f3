package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/broker"
	"github.com/syncrail/syncrail-engine/pkg/config"
	"github.com/syncrail/syncrail-engine/pkg/crypto"
	"github.com/syncrail/syncrail-engine/pkg/embedding"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
	"github.com/syncrail/syncrail-engine/pkg/vectorstore"
)

// ManagerDeps bundles everything the worker manager needs. All fields are
// required except Notifier.
type ManagerDeps struct {
	Config    *config.Config
	Logger    *zap.Logger
	Scopes    ScopeProvider
	Redis     *redis.Client
	Vectors   vectorstore.Client
	Provider  embedding.Provider
	Encryptor *crypto.CredentialEncryptor
	Notifier  Notifier

	Integrations repositories.IntegrationRepository
	Jobs         repositories.JobRepository
	Raws         repositories.RawExtractionRepository
	Entities     repositories.EntityRepository
	Mappings     repositories.MappingRepository
	Bridges      repositories.VectorBridgeRepository
}

// Manager owns the broker connection and the per-tenant consumer fleet. It
// declares the tenant queues at startup, runs the configured number of
// workers per stage, and drains them on shutdown.
type Manager struct {
	cfg        *config.Config
	logger     *zap.Logger
	broker     *broker.Broker
	publisher  broker.Publisher
	tracker    *TokenTracker
	controller *JobController
	watcher    *CompletionWatcher

	extraction *ExtractionWorker
	transform  *TransformWorker
	embedder   *EmbeddingWorker

	integrations repositories.IntegrationRepository
	jobs         repositories.JobRepository
	scopes       ScopeProvider
	vectors      vectorstore.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager connects to the broker and wires the stage workers. It does not
// start consuming; call Start.
func NewManager(deps ManagerDeps) (*Manager, error) {
	cfg := deps.Config
	logger := deps.Logger

	b, err := broker.Connect(cfg.Broker.URL,
		time.Duration(cfg.Broker.ReconnectDelaySeconds)*time.Second, logger)
	if err != nil {
		return nil, err
	}

	tracker := NewTokenTracker(deps.Redis)

	// Every publish onto an embedding queue bumps the job's outstanding
	// counter; the matching decrement happens in the consumer ack observer.
	publisher := broker.NewPublisher(b, cfg.Broker.PublishRetries, logger,
		broker.WithPublishObserver(func(kind models.QueueKind, env models.Envelope) {
			if kind != models.QueueEmbedding {
				return
			}
			if err := tracker.Incr(context.Background(), env.TenantID, env.Token); err != nil {
				logger.Error("failed to increment outstanding counter", zap.Error(err))
			}
		}))

	controller := NewJobController(deps.Scopes, deps.Jobs, deps.Notifier, logger)
	watcher := NewCompletionWatcher(controller, deps.Integrations, tracker,
		time.Duration(cfg.Pipeline.SettleSeconds)*time.Second, logger)

	m := &Manager{
		cfg:          cfg,
		logger:       logger,
		broker:       b,
		publisher:    publisher,
		tracker:      tracker,
		controller:   controller,
		watcher:      watcher,
		integrations: deps.Integrations,
		jobs:         deps.Jobs,
		scopes:       deps.Scopes,
		vectors:      deps.Vectors,
	}
	m.extraction = NewExtractionWorker(deps.Scopes, deps.Integrations, deps.Raws,
		publisher, controller, providers.NewRateLimitRegistry(), deps.Encryptor, &cfg.Pipeline, logger)
	m.transform = NewTransformWorker(deps.Scopes, deps.Integrations, deps.Raws,
		deps.Entities, deps.Mappings, publisher, controller, logger)
	m.embedder = NewEmbeddingWorker(deps.Scopes, deps.Entities, deps.Bridges,
		deps.Vectors, deps.Provider, controller, watcher, logger)
	return m, nil
}

// Controller exposes the job controller for the operational surface.
func (m *Manager) Controller() *JobController { return m.controller }

// Broker exposes the connection for queue-depth inspection.
func (m *Manager) Broker() *broker.Broker { return m.broker }

// Start declares every tenant's queues and launches the consumer fleet.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, tenantID := range m.cfg.Pipeline.Tenants {
		if err := m.broker.DeclareTenantQueues(tenantID); err != nil {
			cancel()
			return fmt.Errorf("failed to declare queues for tenant %d: %w", tenantID, err)
		}
	}

	for _, tenantID := range m.cfg.Pipeline.Tenants {
		m.startStage(runCtx, tenantID, models.QueueExtraction, m.cfg.Workers.ExtractionPerTenant, m.extraction.Handle)
		m.startStage(runCtx, tenantID, models.QueueTransform, m.cfg.Workers.TransformPerTenant, m.transform.Handle)
		m.startStage(runCtx, tenantID, models.QueueEmbedding, m.cfg.Workers.EmbeddingPerTenant, m.embedder.Handle)
	}

	m.logger.Info("worker manager started",
		zap.Ints("tenants", m.cfg.Pipeline.Tenants),
		zap.Int("extraction_per_tenant", m.cfg.Workers.ExtractionPerTenant),
		zap.Int("transform_per_tenant", m.cfg.Workers.TransformPerTenant),
		zap.Int("embedding_per_tenant", m.cfg.Workers.EmbeddingPerTenant))
	return nil
}

func stageFor(kind models.QueueKind) models.Stage {
	switch kind {
	case models.QueueTransform:
		return models.StageTransform
	case models.QueueEmbedding:
		return models.StageEmbedding
	default:
		return models.StageExtraction
	}
}

func (m *Manager) startStage(ctx context.Context, tenantID int, kind models.QueueKind, count int, handler broker.Handler) {
	opts := []broker.ConsumerOption{
		broker.WithExhaustionObserver(func(obsCtx context.Context, env models.Envelope, err error) {
			m.onExhausted(obsCtx, kind, env, err)
		}),
	}
	if kind == models.QueueEmbedding {
		opts = append(opts, broker.WithAckObserver(func(env models.Envelope) {
			if err := m.tracker.Decr(context.Background(), env.TenantID, env.Token); err != nil {
				m.logger.Error("failed to decrement outstanding counter", zap.Error(err))
			}
		}))
	}

	for i := 0; i < count; i++ {
		consumer := broker.NewConsumer(m.broker, m.publisher, kind, tenantID,
			m.cfg.Broker.Prefetch, m.cfg.Pipeline.MaxDeliveryAttempts, m.logger, opts...)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runConsumer(ctx, consumer, handler)
		}()
	}
}

// onExhausted runs after a message is dead-lettered. A record-level failure
// (permanent or schema) skips the record and keeps the stage moving; anything
// else means the stage cannot make progress and the job fails. Either way the
// markers the dead message carried are relayed, so downstream stages and the
// completion barrier still see the step boundary.
func (m *Manager) onExhausted(ctx context.Context, kind models.QueueKind, env models.Envelope, err error) {
	if env.JobID == uuid.Nil {
		return
	}
	if apperrors.FailsStage(err) {
		if markErr := m.controller.MarkStageFailed(ctx, env.TenantID, env.JobID, env.StepName, stageFor(kind), err.Error()); markErr != nil {
			m.logger.Error("failed to fail stage after exhaustion", zap.Error(markErr))
		}
	} else {
		m.logger.Warn("record dead-lettered, stage continues",
			zap.String("step", env.StepName),
			zap.String("queue_kind", string(kind)),
			zap.Error(err))
	}
	m.relayLostMarkers(ctx, kind, env)
}

// relayLostMarkers re-emits the step boundaries a dead-lettered message was
// carrying. Without this a lost first/last marker leaves the downstream
// stages waiting on a boundary that never arrives.
func (m *Manager) relayLostMarkers(ctx context.Context, kind models.QueueKind, env models.Envelope) {
	switch kind {
	case models.QueueExtraction:
		// The step's whole output is gone; synthesize its terminal marker so
		// transform and embedding can close the step, and seed the next step
		// so the rest of the job keeps moving.
		provider, ok := m.lookupProvider(ctx, env)
		if !ok {
			return
		}
		terminal, err := providers.IsTerminalStep(provider, env.StepName)
		if err != nil {
			m.logger.Error("failed to resolve step position", zap.Error(err))
			return
		}
		msg := env.Child()
		msg.FirstItem = true
		msg.LastItem = true
		msg.LastJobItem = terminal
		if err := m.publisher.Publish(ctx, models.QueueTransform, msg); err != nil {
			m.logger.Error("failed to relay terminal marker", zap.Error(err))
		}
		if terminal {
			return
		}
		next, ok, err := providers.NextStep(provider, env.StepName)
		if err != nil || !ok {
			return
		}
		seed := env.Child()
		seed.StepName = next
		if err := m.publisher.Publish(ctx, models.QueueExtraction, seed); err != nil {
			m.logger.Error("failed to seed next step after exhaustion", zap.Error(err))
		}
	case models.QueueTransform:
		if !env.FirstItem && !env.LastItem && !env.LastJobItem {
			return
		}
		msg := env.Child()
		msg.FirstItem = env.FirstItem
		msg.LastItem = env.LastItem
		msg.LastJobItem = env.LastJobItem
		if err := m.publisher.Publish(ctx, models.QueueEmbedding, msg); err != nil {
			m.logger.Error("failed to relay step markers", zap.Error(err))
		}
	case models.QueueEmbedding:
		// Nothing is downstream; close whatever the lost message would have
		// closed. A finished marker cannot regress a failed stage and the
		// watcher refuses failed jobs, so both calls stay safe after a stage
		// failure.
		if env.LastItem {
			if err := m.controller.MarkStageFinished(ctx, env.TenantID, env.JobID, env.StepName, models.StageEmbedding); err != nil {
				m.logger.Warn("failed to finish embedding stage after exhaustion", zap.Error(err))
			}
		}
		if env.LastJobItem {
			if err := m.watcher.Complete(ctx, env); err != nil {
				m.logger.Warn("failed to arm completion after exhaustion", zap.Error(err))
			}
		}
	}
}

func (m *Manager) lookupProvider(ctx context.Context, env models.Envelope) (models.Provider, bool) {
	tenantCtx, cleanup, err := m.scopes.WithTenantScope(ctx, env.TenantID)
	if err != nil {
		m.logger.Error("failed to acquire tenant scope", zap.Error(err))
		return "", false
	}
	defer cleanup()
	integration, err := m.integrations.GetByID(tenantCtx, env.IntegrationID)
	if err != nil {
		m.logger.Error("failed to load integration for exhausted message", zap.Error(err))
		return "", false
	}
	return integration.Provider, true
}

// runConsumer keeps one consumer alive until shutdown, restarting it after
// channel loss.
func (m *Manager) runConsumer(ctx context.Context, c *broker.Consumer, handler broker.Handler) {
	for {
		err := c.Run(ctx, handler)
		if err == nil || ctx.Err() != nil {
			return
		}
		m.logger.Warn("consumer lost its channel, restarting", zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(m.cfg.Broker.ReconnectDelaySeconds) * time.Second):
		}
	}
}

// Stop cancels the consumer fleet, waits out the drain window, and closes
// the broker connection. In-flight messages that do not finish in time stay
// unacked and are redelivered after restart.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("all consumers drained")
	case <-time.After(m.cfg.Workers.DrainTimeout()):
		m.logger.Warn("drain window elapsed with consumers still busy")
	}

	if err := m.broker.Close(); err != nil {
		m.logger.Warn("failed to close broker connection", zap.Error(err))
	}
}

// StartJob creates a job document for the integration and seeds the first
// extraction step. The job name is one per (provider, integration); GetByName
// resolves the newest run.
func (m *Manager) StartJob(ctx context.Context, tenantID int, integrationID uuid.UUID) (*models.ETLJob, error) {
	tenantCtx, cleanup, err := m.scopes.WithTenantScope(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire tenant scope: %w", err)
	}
	integration, err := m.integrations.GetByID(tenantCtx, integrationID)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}

	jobName := fmt.Sprintf("%s_%s", integration.Provider, integration.ID)

	// One run at a time per integration: a still-running job under the same
	// name blocks a new one.
	existing, err := m.jobs.GetByName(tenantCtx, jobName)
	cleanup()
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to check for running job: %w", err)
	}
	if existing != nil && existing.Overall == models.JobRunning {
		return nil, fmt.Errorf("job %s is still running: %w", existing.ID, apperrors.ErrConflict)
	}

	sequence, err := providers.Sequence(integration.Provider)
	if err != nil {
		return nil, err
	}

	steps := make(map[string]*models.StepState, len(sequence))
	for i, name := range sequence {
		steps[name] = &models.StepState{
			Order:      i,
			Extraction: models.StageIdle,
			Transform:  models.StageIdle,
			Embedding:  models.StageIdle,
		}
	}

	job := &models.ETLJob{
		TenantID:      tenantID,
		ID:            uuid.New(),
		JobName:       jobName,
		IntegrationID: integrationID,
		Overall:       models.JobReady,
		Steps:         steps,
	}
	if err := m.controller.StartJob(ctx, tenantID, job); err != nil {
		return nil, err
	}

	first, err := providers.FirstStep(integration.Provider)
	if err != nil {
		return nil, err
	}
	seed := models.Envelope{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		JobID:         job.ID,
		StepName:      first,
		Token:         uuid.New(),
	}
	if err := m.publisher.Publish(ctx, models.QueueExtraction, seed); err != nil {
		return nil, fmt.Errorf("failed to seed job %s: %w", job.ID, err)
	}

	m.logger.Info("job started",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.JobName),
		zap.Int("tenant_id", tenantID))
	return job, nil
}

// vectorizedTables lists the tables whose rows receive vectors, in the order
// their collections are pre-created.
var vectorizedTables = []string{
	models.TableProjects,
	models.TableWorkItemTypes,
	models.TableStatuses,
	models.TableWorkItems,
	models.TableChangelogs,
	models.TablePullRequests,
	models.TablePRCommits,
	models.TablePRReviews,
	models.TablePRComments,
	models.TableRepositories,
	models.TableCrossLinks,
	models.TableSprints,
	models.TableWITHierarchies,
	models.TableWITMappings,
	models.TableStatusMappings,
	models.TableWorkflows,
}

// EnsureCollections pre-creates every vector collection of a tenant so the
// first embedding of each table does not race collection creation.
func (m *Manager) EnsureCollections(ctx context.Context, tenantID int) error {
	for _, table := range vectorizedTables {
		if err := m.vectors.EnsureCollection(ctx, vectorstore.CollectionName(tenantID, table)); err != nil {
			return err
		}
	}
	return nil
}
