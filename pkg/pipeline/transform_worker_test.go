package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
	"github.com/syncrail/syncrail-engine/pkg/providers/jira"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

type transformFixture struct {
	worker       *TransformWorker
	entities     *fakeEntities
	integrations *memIntegrations
	publisher    *fakePublisher
	raws         *memRaws
}

func newTransformFixture(t *testing.T) *transformFixture {
	t.Helper()
	entities := newFakeEntities()
	integrations := newMemIntegrations()
	publisher := newFakePublisher()
	raws := newMemRaws()
	jobs := newMemJobs()
	controller := NewJobController(stubScopes{}, jobs, nil, zap.NewNop())
	worker := NewTransformWorker(stubScopes{}, integrations, raws, entities,
		stubMappings{}, publisher, controller, zap.NewNop())
	return &transformFixture{
		worker:       worker,
		entities:     entities,
		integrations: integrations,
		publisher:    publisher,
		raws:         raws,
	}
}

// stubMappings resolves nothing; transforms must treat unmapped names as
// normal.
type stubMappings struct{}

var _ repositories.MappingRepository = stubMappings{}

func (stubMappings) ResolveWITMapping(ctx context.Context, integrationID uuid.UUID, name string) (*models.WITMapping, error) {
	return nil, apperrors.ErrNotFound
}

func (stubMappings) ResolveStatusMapping(ctx context.Context, integrationID uuid.UUID, name string) (*models.StatusMapping, error) {
	return nil, apperrors.ErrNotFound
}

func (stubMappings) GetWorkflow(ctx context.Context, id int64) (*models.WorkflowDef, error) {
	return nil, apperrors.ErrNotFound
}

func (stubMappings) ListHierarchies(ctx context.Context, integrationID uuid.UUID) ([]*models.WITHierarchy, error) {
	return nil, nil
}

func (stubMappings) SetWITMappingActive(ctx context.Context, id int64, active bool) error {
	return nil
}

func (stubMappings) SetStatusMappingActive(ctx context.Context, id int64, active bool) error {
	return nil
}

func testEnvelope(step, payloadType string) models.Envelope {
	return models.Envelope{
		TenantID:      7,
		IntegrationID: uuid.New(),
		JobID:         uuid.New(),
		StepName:      step,
		PayloadType:   payloadType,
		Token:         uuid.New(),
	}
}

func TestTransformJiraProjectDeduplicatesIssueTypes(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraProjectsAndIssueTypes, providers.PayloadJiraProject)

	payload, err := json.Marshal(jira.Project{
		ID:   "10000",
		Key:  "ENG",
		Name: "Engineering",
		IssueTypes: []jira.IssueType{
			{ID: "1", Name: "Story"},
			{ID: "2", Name: "Bug"},
			{ID: "1", Name: "Story"},
		},
	})
	require.NoError(t, err)

	refs, err := f.worker.transformJiraProject(context.Background(), nil, env, payload)
	require.NoError(t, err)

	require.Len(t, f.entities.projects, 1)
	assert.Equal(t, "ENG", f.entities.projects[0].Key)
	assert.Len(t, f.entities.wits, 2, "repeated issue types collapse")

	require.Len(t, refs, 3)
	assert.Equal(t, models.TableProjects, refs[0].Table)
	assert.Equal(t, "ENG", refs[0].Key)
	assert.Equal(t, models.VectorTypeSemantic, refs[0].VectorType)
}

func TestTransformJiraIssueFlattensMappedSlots(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraIssuesWithChangelogs, providers.PayloadJiraIssue)

	team := "customfield_10100"
	points := "customfield_10101"
	generic := "customfield_10200"
	f.integrations.mapping = &models.CustomFieldMapping{
		IntegrationID: env.IntegrationID,
		Slots: map[string]*string{
			models.SlotTeamField:        &team,
			models.SlotStoryPointsField: &points,
			"custom_field_01":           &generic,
		},
	}

	payload := []byte(`{
		"id": "20001",
		"key": "ENG-1",
		"fields": {
			"summary": "Fix flaky consumer restart",
			"description": "The consumer loses its channel under load.",
			"status": {"name": "In Progress"},
			"issuetype": {"id": "1"},
			"project": {"key": "ENG"},
			"assignee": {"displayName": "Dana"},
			"reporter": {"displayName": "Lee"},
			"created": "2026-08-01T09:30:00.000+0000",
			"updated": "2026-08-20T10:00:00.000+0000",
			"customfield_10100": {"value": "Platform"},
			"customfield_10101": 5,
			"customfield_10200": "release-42"
		},
		"changelog": {"histories": [
			{"id": "900", "author": {"displayName": "Dana"},
			 "created": "2026-08-20T10:00:00.000+0000",
			 "items": [
				{"field": "status", "fromString": "To Do", "toString": "In Progress"},
				{"field": "assignee", "toString": "Dana"}
			]}
		]}
	}`)

	refs, err := f.worker.transformJiraIssue(context.Background(), nil, env, payload)
	require.NoError(t, err)

	require.Len(t, f.entities.workItems, 1)
	item := f.entities.workItems[0]
	assert.Equal(t, "ENG-1", item.Key)
	assert.Equal(t, "ENG", item.ProjectKey)
	assert.Equal(t, "In Progress", item.StatusName)
	assert.Equal(t, "Platform", item.Team)
	require.NotNil(t, item.StoryPoints)
	assert.Equal(t, 5.0, *item.StoryPoints)
	require.NotNil(t, item.CreatedDate)
	assert.Equal(t, time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC), item.CreatedDate.UTC())

	var genericSlots map[string]string
	require.NoError(t, json.Unmarshal(item.CustomFields, &genericSlots))
	assert.Equal(t, "release-42", genericSlots["custom_field_01"])

	require.Len(t, f.entities.changelogs, 2)
	assert.Equal(t, "900_0", f.entities.changelogs[0].ExternalID)
	assert.Equal(t, "status", f.entities.changelogs[0].Field)

	require.Len(t, refs, 3)
	assert.Equal(t, models.TableWorkItems, refs[0].Table)
	assert.Equal(t, "ENG-1", refs[0].Key)
}

func TestTransformJiraDevStatusLinksAndFlags(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraDevStatus, providers.PayloadJiraDevStatus)

	payload, err := json.Marshal(jira.DevStatusResponse{
		IssueID:  "20001",
		IssueKey: "ENG-1",
		Detail: []jira.DevStatusDetail{{
			Repositories: []jira.Repository{{ID: "r1", Name: "engine"}},
			PullRequests: []jira.PullRequest{{
				ID:           "pr-100",
				Name:         "Fix consumer restart",
				Status:       "MERGED",
				RepositoryID: "r1",
				Commits:      []jira.Commit{{ID: "c1", Message: "fix"}},
				Reviewers:    []jira.Reviewer{{Name: "Lee", Approved: true}},
			}},
		}},
	})
	require.NoError(t, err)

	refs, err := f.worker.transformJiraDevStatus(context.Background(), nil, env, payload)
	require.NoError(t, err)

	require.Len(t, f.entities.links, 1)
	assert.Equal(t, "ENG-1", f.entities.links[0].WorkItemKey)
	assert.Equal(t, "pr-100", f.entities.links[0].PRExternalID)
	assert.NotZero(t, f.entities.links[0].ID, "upsert fills the internal link id")

	assert.Equal(t, []string{"ENG-1"}, f.entities.devFlags)
	require.Len(t, f.entities.reviews, 1)
	assert.Equal(t, "APPROVED", f.entities.reviews[0].State)

	var linkRef *models.EntityRef
	for i := range refs {
		if refs[i].Table == models.TableCrossLinks {
			linkRef = &refs[i]
		}
	}
	require.NotNil(t, linkRef)
	assert.Equal(t, "1", linkRef.Key, "cross links are keyed by internal id")
}

func TestTransformJiraSprintReportMemberships(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraSprintReports, providers.PayloadJiraSprintReport)

	completed := 21.0
	committed := 34.0
	payload, err := json.Marshal(jira.SprintReport{
		BoardID: 5,
		Sprint:  jira.ReportSprint{ID: 88, Name: "Sprint 12", State: "closed"},
		CompletedEstimate: &completed,
		CommittedEstimate: &committed,
		Contents: &jira.ReportContents{
			CompletedIssues:    []jira.ReportIssue{{Key: "ENG-1"}, {Key: "ENG-2"}},
			IssuesNotCompleted: []jira.ReportIssue{{Key: "ENG-3"}, {Key: "ENG-1"}},
		},
	})
	require.NoError(t, err)

	refs, err := f.worker.transformJiraSprintReport(context.Background(), nil, env, payload)
	require.NoError(t, err)

	require.Len(t, f.entities.sprints, 1)
	sprint := f.entities.sprints[0]
	assert.Equal(t, "88", sprint.ExternalID)
	assert.Equal(t, 5, sprint.BoardID)
	assert.Equal(t, &completed, sprint.CompletedPoints)

	assert.Len(t, f.entities.memberships, 3, "duplicate membership collapses")

	require.Len(t, refs, 1)
	assert.Equal(t, models.TableSprints, refs[0].Table)
}

func TestTransformJiraCustomFieldsMapsReservedSlots(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraProjectsAndIssueTypes, providers.PayloadJiraCustomFields)

	payload, err := json.Marshal([]jira.Field{
		{ID: "customfield_10100", Name: "Team", Custom: true},
		{ID: "customfield_10101", Name: "Story Points", Custom: true},
		{ID: "customfield_10102", Name: "Sprint", Custom: true},
		{ID: "summary", Name: "Summary", Custom: false},
		{ID: "customfield_10103", Name: "Release Notes", Custom: true},
	})
	require.NoError(t, err)

	refs, err := f.worker.transformJiraCustomFields(context.Background(), env, payload)
	require.NoError(t, err)
	assert.Nil(t, refs, "field discovery produces no embeddings")

	assert.Equal(t, "customfield_10100", f.integrations.slots[models.SlotTeamField])
	assert.Equal(t, "customfield_10101", f.integrations.slots[models.SlotStoryPointsField])
	assert.Equal(t, "customfield_10102", f.integrations.slots[models.SlotSprintField])
	assert.NotContains(t, f.integrations.slots, models.SlotDevelopmentField)
}

func TestForwardMarkersThreadsBoundaries(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraIssuesWithChangelogs, providers.PayloadJiraIssue)
	env.FirstItem = true
	env.LastItem = true
	env.LastJobItem = true

	refs := []models.EntityRef{
		{Table: models.TableWorkItems, Key: "ENG-1", VectorType: models.VectorTypeSemantic},
		{Table: models.TableChangelogs, Key: "900_0", VectorType: models.VectorTypeSemantic},
	}
	require.NoError(t, f.worker.forwardMarkers(context.Background(), env, refs))

	sent := f.publisher.sent(models.QueueEmbedding)
	require.Len(t, sent, 2)
	assert.True(t, sent[0].FirstItem)
	assert.False(t, sent[0].LastItem)
	assert.False(t, sent[1].FirstItem)
	assert.True(t, sent[1].LastItem)
	assert.True(t, sent[1].LastJobItem)
	assert.Equal(t, env.Token, sent[0].Token)
}

func TestForwardMarkersRelaysWhenNoEntities(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraProjectsAndIssueTypes, providers.PayloadJiraCustomFields)
	env.LastItem = true

	require.NoError(t, f.worker.forwardMarkers(context.Background(), env, nil))

	sent := f.publisher.sent(models.QueueEmbedding)
	require.Len(t, sent, 1)
	assert.Nil(t, sent[0].EntityRef)
	assert.True(t, sent[0].LastItem)

	// A mid-step message with no entities and no markers relays nothing.
	f2 := newTransformFixture(t)
	env2 := testEnvelope(providers.StepJiraProjectsAndIssueTypes, providers.PayloadJiraCustomFields)
	require.NoError(t, f2.worker.forwardMarkers(context.Background(), env2, nil))
	assert.Empty(t, f2.publisher.sent(models.QueueEmbedding))
}

// fakeTx stands in for the per-message transaction so the ordering between
// commit and publish is observable.
type fakeTx struct {
	committed  bool
	rolledBack bool
}

var _ pgx.Tx = (*fakeTx)(nil)

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }

func (t *fakeTx) Conn() *pgx.Conn { return nil }

func TestTransformHandleCommitsBeforePublishing(t *testing.T) {
	f := newTransformFixture(t)
	env := testEnvelope(providers.StepJiraProjectsAndIssueTypes, providers.PayloadJiraProject)
	env.FirstItem = true
	env.LastItem = true

	payload, err := json.Marshal(jira.Project{ID: "10000", Key: "ENG", Name: "Engineering"})
	require.NoError(t, err)
	rawID, err := f.raws.Upsert(context.Background(), &models.RawExtractionRecord{
		TenantID:      env.TenantID,
		IntegrationID: env.IntegrationID,
		PayloadType:   providers.PayloadJiraProject,
		ProviderRef:   "10000",
		Payload:       payload,
	})
	require.NoError(t, err)
	env.RawID = &rawID

	tx := &fakeTx{}
	f.worker.beginTx = func(ctx context.Context) (pgx.Tx, error) { return tx, nil }

	var committedAtPublish []bool
	f.publisher.onPublish = func(kind models.QueueKind, msg models.Envelope) {
		if kind == models.QueueEmbedding {
			committedAtPublish = append(committedAtPublish, tx.committed)
		}
	}

	require.NoError(t, f.worker.Handle(context.Background(), env))

	require.NotEmpty(t, committedAtPublish)
	for _, done := range committedAtPublish {
		assert.True(t, done, "entity transaction commits before the embedding hand-off")
	}
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)

	raw, err := f.raws.Get(context.Background(), rawID)
	require.NoError(t, err)
	assert.Equal(t, models.RawCompleted, raw.Status)
}

func TestParseJiraTimeLayouts(t *testing.T) {
	got := parseJiraTime("2026-08-01T09:30:00.000+0200")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 8, 1, 7, 30, 0, 0, time.UTC), *got)

	assert.Nil(t, parseJiraTime(""))
	assert.Nil(t, parseJiraTime("not a date"))
}
