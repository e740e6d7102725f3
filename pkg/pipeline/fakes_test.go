package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/broadcast"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

// stubScopes satisfies ScopeProvider without a database; repositories used
// in unit tests are in-memory and ignore the scope.
type stubScopes struct{}

func (stubScopes) WithTenantScope(ctx context.Context, tenantID int) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

// memJobs is an in-memory JobRepository.
type memJobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.ETLJob

	updateErr error
	updates   int
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[uuid.UUID]*models.ETLJob)}
}

var _ repositories.JobRepository = (*memJobs)(nil)

func (m *memJobs) Create(ctx context.Context, job *models.ETLJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return apperrors.ErrConflict
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memJobs) Get(ctx context.Context, jobID uuid.UUID) (*models.ETLJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *memJobs) GetByName(ctx context.Context, jobName string) (*models.ETLJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *models.ETLJob
	for _, job := range m.jobs {
		if job.JobName != jobName {
			continue
		}
		if newest == nil || job.CreatedAt.After(newest.CreatedAt) {
			newest = job
		}
	}
	if newest == nil {
		return nil, apperrors.ErrNotFound
	}
	return cloneJob(newest), nil
}

func (m *memJobs) Update(ctx context.Context, job *models.ETLJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.jobs[job.ID]; !ok {
		return apperrors.ErrNotFound
	}
	m.jobs[job.ID] = cloneJob(job)
	m.updates++
	return nil
}

func (m *memJobs) List(ctx context.Context) ([]*models.ETLJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.ETLJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, cloneJob(job))
	}
	return out, nil
}

func cloneJob(job *models.ETLJob) *models.ETLJob {
	cp := *job
	cp.Steps = make(map[string]*models.StepState, len(job.Steps))
	for name, step := range job.Steps {
		s := *step
		cp.Steps[name] = &s
	}
	return &cp
}

// memIntegrations is an in-memory IntegrationRepository.
type memIntegrations struct {
	mu           sync.Mutex
	integrations map[uuid.UUID]*models.Integration
	mapping      *models.CustomFieldMapping
	slots        map[string]string
	watermarks   map[uuid.UUID]time.Time
}

func newMemIntegrations() *memIntegrations {
	return &memIntegrations{
		integrations: make(map[uuid.UUID]*models.Integration),
		slots:        make(map[string]string),
		watermarks:   make(map[uuid.UUID]time.Time),
	}
}

var _ repositories.IntegrationRepository = (*memIntegrations)(nil)

func (m *memIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	integration, ok := m.integrations[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *integration
	return &cp, nil
}

func (m *memIntegrations) ListActive(ctx context.Context) ([]*models.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Integration
	for _, integration := range m.integrations {
		if integration.Active {
			cp := *integration
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memIntegrations) UpdateLastSyncDate(ctx context.Context, id uuid.UUID, lastSyncDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[id] = lastSyncDate
	return nil
}

func (m *memIntegrations) GetCustomFieldMapping(ctx context.Context, integrationID uuid.UUID) (*models.CustomFieldMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapping != nil {
		return m.mapping, nil
	}
	return &models.CustomFieldMapping{
		IntegrationID: integrationID,
		Slots:         map[string]*string{},
	}, nil
}

func (m *memIntegrations) UpsertCustomFieldSlot(ctx context.Context, integrationID uuid.UUID, slot, fieldID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot] = fieldID
	return nil
}

// memRaws is an in-memory RawExtractionRepository.
type memRaws struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.RawExtractionRecord
}

func newMemRaws() *memRaws {
	return &memRaws{records: make(map[uuid.UUID]*models.RawExtractionRecord)}
}

var _ repositories.RawExtractionRepository = (*memRaws)(nil)

func (m *memRaws) Upsert(ctx context.Context, rec *models.RawExtractionRecord) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.records {
		if existing.IntegrationID == rec.IntegrationID &&
			existing.PayloadType == rec.PayloadType &&
			existing.ProviderRef == rec.ProviderRef {
			existing.Payload = rec.Payload
			existing.Status = models.RawPending
			return id, nil
		}
	}
	id := uuid.New()
	cp := *rec
	cp.ID = id
	cp.Status = models.RawPending
	m.records[id] = &cp
	return id, nil
}

func (m *memRaws) Get(ctx context.Context, id uuid.UUID) (*models.RawExtractionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRaws) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return m.setStatus(id, models.RawCompleted)
}

func (m *memRaws) MarkCompletedTx(ctx context.Context, tx pgx.Tx, tenantID int, id uuid.UUID) error {
	return m.setStatus(id, models.RawCompleted)
}

func (m *memRaws) MarkFailed(ctx context.Context, id uuid.UUID) error {
	return m.setStatus(id, models.RawFailed)
}

func (m *memRaws) setStatus(id uuid.UUID, status models.RawStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	rec.Status = status
	return nil
}

// fakeEntities records every upsert; FetchForEmbedding serves canned rows.
type fakeEntities struct {
	mu          sync.Mutex
	projects    []*models.Project
	wits        []*models.WorkItemType
	statuses    []*models.Status
	workItems   []*models.WorkItem
	changelogs  []*models.Changelog
	repos       []*models.Repository
	prs         []*models.PullRequest
	commits     []*models.PRCommit
	reviews     []*models.PRReview
	comments    []*models.PRComment
	links       []*models.CrossLink
	sprints     []*models.Sprint
	memberships []*models.WorkItemSprint
	devFlags    []string

	rows map[string]map[string]any
}

func newFakeEntities() *fakeEntities {
	return &fakeEntities{rows: make(map[string]map[string]any)}
}

var _ repositories.EntityRepository = (*fakeEntities)(nil)

func (f *fakeEntities) UpsertProjects(ctx context.Context, tx pgx.Tx, tenantID int, projects []*models.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects = append(f.projects, projects...)
	return nil
}

func (f *fakeEntities) UpsertWorkItemTypes(ctx context.Context, tx pgx.Tx, tenantID int, wits []*models.WorkItemType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wits = append(f.wits, wits...)
	return nil
}

func (f *fakeEntities) UpsertStatuses(ctx context.Context, tx pgx.Tx, tenantID int, statuses []*models.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statuses...)
	return nil
}

func (f *fakeEntities) UpsertWorkItems(ctx context.Context, tx pgx.Tx, tenantID int, items []*models.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workItems = append(f.workItems, items...)
	return nil
}

func (f *fakeEntities) MarkWorkItemDevChanges(ctx context.Context, tx pgx.Tx, tenantID int, integrationID uuid.UUID, workItemKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devFlags = append(f.devFlags, workItemKey)
	return nil
}

func (f *fakeEntities) UpsertChangelogs(ctx context.Context, tx pgx.Tx, tenantID int, entries []*models.Changelog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changelogs = append(f.changelogs, entries...)
	return nil
}

func (f *fakeEntities) UpsertRepositories(ctx context.Context, tx pgx.Tx, tenantID int, repos []*models.Repository) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos = append(f.repos, repos...)
	return nil
}

func (f *fakeEntities) UpsertPullRequests(ctx context.Context, tx pgx.Tx, tenantID int, prs []*models.PullRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs = append(f.prs, prs...)
	return nil
}

func (f *fakeEntities) UpsertPRCommits(ctx context.Context, tx pgx.Tx, tenantID int, commits []*models.PRCommit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, commits...)
	return nil
}

func (f *fakeEntities) UpsertPRReviews(ctx context.Context, tx pgx.Tx, tenantID int, reviews []*models.PRReview) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, reviews...)
	return nil
}

func (f *fakeEntities) UpsertPRComments(ctx context.Context, tx pgx.Tx, tenantID int, comments []*models.PRComment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, comments...)
	return nil
}

func (f *fakeEntities) UpsertCrossLinks(ctx context.Context, tx pgx.Tx, tenantID int, links []*models.CrossLink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, l := range links {
		l.ID = int64(len(f.links) + i + 1)
	}
	f.links = append(f.links, links...)
	return nil
}

func (f *fakeEntities) UpsertSprints(ctx context.Context, tx pgx.Tx, tenantID int, sprints []*models.Sprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sprints = append(f.sprints, sprints...)
	return nil
}

func (f *fakeEntities) UpsertWorkItemSprints(ctx context.Context, tx pgx.Tx, tenantID int, memberships []*models.WorkItemSprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships = append(f.memberships, memberships...)
	return nil
}

func (f *fakeEntities) FetchForEmbedding(ctx context.Context, table, key string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[table+"/"+key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return row, nil
}

// fakePublisher records published envelopes per queue kind.
type fakePublisher struct {
	mu         sync.Mutex
	published  map[models.QueueKind][]models.Envelope
	deadLetter []models.Envelope
	onPublish  func(kind models.QueueKind, env models.Envelope)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(map[models.QueueKind][]models.Envelope)}
}

func (f *fakePublisher) Publish(ctx context.Context, kind models.QueueKind, env models.Envelope) error {
	f.mu.Lock()
	f.published[kind] = append(f.published[kind], env)
	fn := f.onPublish
	f.mu.Unlock()
	if fn != nil {
		fn(kind, env)
	}
	return nil
}

func (f *fakePublisher) DeadLetter(ctx context.Context, env models.Envelope, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetter = append(f.deadLetter, env)
	return nil
}

func (f *fakePublisher) sent(kind models.QueueKind) []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Envelope(nil), f.published[kind]...)
}

// fakeNotifier records broadcast events in order.
type fakeNotifier struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (f *fakeNotifier) Publish(event broadcast.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) all() []broadcast.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcast.Event(nil), f.events...)
}

func eventTypes(events []broadcast.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}
