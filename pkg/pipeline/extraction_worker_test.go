package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/config"
	"github.com/syncrail/syncrail-engine/pkg/crypto"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
	"github.com/syncrail/syncrail-engine/pkg/providers/github"
	"github.com/syncrail/syncrail-engine/pkg/providers/jira"
)

// fakeJira serves canned responses for the extraction steps and records the
// requests it saw.
type fakeJira struct {
	projects []jira.Project
	statuses map[string]*jira.ProjectStatuses
	issues   []jira.Issue
	fields   []jira.Field
	sprints  []jira.ReportSprint
	reports  map[int]*jira.SprintReport
	dev      map[string]*jira.DevStatusResponse

	searches []jira.SearchRequest
	devCalls []string
}

var _ jiraAPI = (*fakeJira)(nil)

func (f *fakeJira) GetProjects(ctx context.Context) ([]jira.Project, error) {
	return f.projects, nil
}

func (f *fakeJira) GetProjectStatuses(ctx context.Context, projectKey string) (*jira.ProjectStatuses, error) {
	return f.statuses[projectKey], nil
}

func (f *fakeJira) SearchIssues(ctx context.Context, req jira.SearchRequest) (*jira.SearchResponse, error) {
	f.searches = append(f.searches, req)
	end := req.StartAt + req.MaxResults
	if end > len(f.issues) {
		end = len(f.issues)
	}
	var page []jira.Issue
	if req.StartAt < len(f.issues) {
		page = f.issues[req.StartAt:end]
	}
	return &jira.SearchResponse{StartAt: req.StartAt, Total: len(f.issues), Issues: page}, nil
}

func (f *fakeJira) GetDevStatus(ctx context.Context, issueID string) (*jira.DevStatusResponse, error) {
	f.devCalls = append(f.devCalls, issueID)
	if d, ok := f.dev[issueID]; ok {
		return d, nil
	}
	return &jira.DevStatusResponse{IssueID: issueID}, nil
}

func (f *fakeJira) GetBoardSprints(ctx context.Context, boardID int) ([]jira.ReportSprint, error) {
	return f.sprints, nil
}

func (f *fakeJira) GetSprintReport(ctx context.Context, boardID, sprintID int) (*jira.SprintReport, error) {
	return f.reports[sprintID], nil
}

func (f *fakeJira) GetFields(ctx context.Context) ([]jira.Field, error) {
	return f.fields, nil
}

type extractionFixture struct {
	worker       *ExtractionWorker
	integrations *memIntegrations
	raws         *memRaws
	publisher    *fakePublisher
	jobs         *memJobs
	jira         *fakeJira
}

func newExtractionFixture(t *testing.T, integration *models.Integration) *extractionFixture {
	t.Helper()
	f := &extractionFixture{
		integrations: newMemIntegrations(),
		raws:         newMemRaws(),
		publisher:    newFakePublisher(),
		jobs:         newMemJobs(),
		jira:         &fakeJira{},
	}
	f.integrations.integrations[integration.ID] = integration

	encryptor, err := crypto.NewCredentialEncryptor("unit-test-key")
	require.NoError(t, err)

	controller := NewJobController(stubScopes{}, f.jobs, nil, zap.NewNop())
	cfg := &config.PipelineConfig{RequestTimeoutMS: 1000, Timezone: "UTC"}
	f.worker = NewExtractionWorker(stubScopes{}, f.integrations, f.raws, f.publisher,
		controller, providers.NewRateLimitRegistry(), encryptor, cfg, zap.NewNop())
	f.worker.newJiraClient = func(baseURL, username, token string) jiraAPI { return f.jira }
	return f
}

func jiraIntegration() *models.Integration {
	return &models.Integration{
		TenantID: 7,
		ID:       uuid.New(),
		Provider: models.ProviderJira,
		Settings: models.IntegrationSettings{
			BaseURL:  "https://jira.example.com",
			Projects: []string{"ENG"},
		},
		Active: true,
	}
}

func seedJob(t *testing.T, f *extractionFixture, integration *models.Integration, step string) models.Envelope {
	t.Helper()
	sequence, err := providers.Sequence(integration.Provider)
	require.NoError(t, err)
	steps := make(map[string]*models.StepState, len(sequence))
	for i, name := range sequence {
		steps[name] = &models.StepState{Order: i, Extraction: models.StageIdle, Transform: models.StageIdle, Embedding: models.StageIdle}
	}
	job := &models.ETLJob{
		TenantID:      integration.TenantID,
		ID:            uuid.New(),
		JobName:       "jira_test",
		IntegrationID: integration.ID,
		Overall:       models.JobReady,
		Steps:         steps,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return models.Envelope{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		JobID:         job.ID,
		StepName:      step,
		Token:         uuid.New(),
	}
}

func (f *extractionFixture) handle(t *testing.T, env models.Envelope) {
	t.Helper()
	require.NoError(t, f.worker.Handle(context.Background(), env))
}

func TestExtractionStampsWatermarksOnSeed(t *testing.T) {
	integration := jiraIntegration()
	old := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	integration.LastSyncDate = &old
	f := newExtractionFixture(t, integration)
	f.jira.projects = []jira.Project{{ID: "10000", Key: "ENG", Name: "Engineering"}}

	env := seedJob(t, f, integration, providers.StepJiraProjectsAndIssueTypes)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.NotEmpty(t, sent)
	require.NotNil(t, sent[0].OldLastSyncDate)
	assert.True(t, sent[0].OldLastSyncDate.Equal(old))
	require.NotNil(t, sent[0].NewLastSyncDate)
	assert.True(t, sent[0].NewLastSyncDate.After(old))
}

func TestExtractionFirstSyncStampsWatermarkOnce(t *testing.T) {
	integration := jiraIntegration()
	f := newExtractionFixture(t, integration)
	f.jira.projects = []jira.Project{{ID: "10000", Key: "ENG", Name: "Engineering"}}
	f.jira.statuses = map[string]*jira.ProjectStatuses{"ENG": {ProjectKey: "ENG"}}

	env := seedJob(t, f, integration, providers.StepJiraProjectsAndIssueTypes)
	f.handle(t, env)

	seeds := f.publisher.sent(models.QueueExtraction)
	require.Len(t, seeds, 1)
	f.handle(t, seeds[0])

	sent := f.publisher.sent(models.QueueTransform)
	require.NotEmpty(t, sent)
	first := sent[0]
	require.NotNil(t, first.NewLastSyncDate)
	assert.Nil(t, first.OldLastSyncDate, "no previous run, no old watermark")
	for _, msg := range sent[1:] {
		require.NotNil(t, msg.NewLastSyncDate)
		assert.True(t, msg.NewLastSyncDate.Equal(*first.NewLastSyncDate),
			"every message of the run carries the watermark stamped by the first step")
		assert.Nil(t, msg.OldLastSyncDate)
	}
}

func TestExtractionMarksBoundariesAndSeedsNextStep(t *testing.T) {
	integration := jiraIntegration()
	f := newExtractionFixture(t, integration)
	f.jira.projects = []jira.Project{
		{ID: "10000", Key: "ENG", Name: "Engineering"},
	}
	f.jira.fields = []jira.Field{{ID: "customfield_1", Name: "Team", Custom: true}}

	env := seedJob(t, f, integration, providers.StepJiraProjectsAndIssueTypes)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.Len(t, sent, 2, "one project plus the field listing")
	assert.True(t, sent[0].FirstItem)
	assert.False(t, sent[0].LastItem)
	assert.Equal(t, providers.PayloadJiraProject, sent[0].PayloadType)
	require.NotNil(t, sent[0].RawID)

	assert.True(t, sent[1].LastItem)
	assert.False(t, sent[1].LastJobItem, "not the terminal step")
	assert.Equal(t, providers.PayloadJiraCustomFields, sent[1].PayloadType)

	seeds := f.publisher.sent(models.QueueExtraction)
	require.Len(t, seeds, 1)
	assert.Equal(t, providers.StepJiraStatusesAndRelations, seeds[0].StepName)
	assert.Equal(t, env.Token, seeds[0].Token)

	job, err := f.jobs.Get(context.Background(), env.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFinished, job.Steps[env.StepName].Extraction)
}

func TestExtractionEmptyStepEmitsSyntheticTerminal(t *testing.T) {
	integration := jiraIntegration()
	integration.Settings.BoardIDs = nil
	f := newExtractionFixture(t, integration)

	env := seedJob(t, f, integration, providers.StepJiraSprintReports)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Terminal())
	assert.True(t, sent[0].LastJobItem, "terminal step carries the job boundary")
	assert.Nil(t, sent[0].RawID)

	assert.Empty(t, f.publisher.sent(models.QueueExtraction), "terminal step seeds nothing")
}

func TestExtractionTerminalStepMarksLastJobItem(t *testing.T) {
	integration := jiraIntegration()
	integration.Settings.BoardIDs = []int{5}
	f := newExtractionFixture(t, integration)
	f.jira.sprints = []jira.ReportSprint{
		{ID: 88, Name: "Sprint 12", State: "closed"},
		{ID: 89, Name: "Sprint 13", State: "future"},
	}
	f.jira.reports = map[int]*jira.SprintReport{
		88: {BoardID: 5, Sprint: jira.ReportSprint{ID: 88, Name: "Sprint 12", State: "closed"}},
	}

	env := seedJob(t, f, integration, providers.StepJiraSprintReports)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.Len(t, sent, 1, "future sprints are skipped")
	assert.True(t, sent[0].FirstItem)
	assert.True(t, sent[0].LastItem)
	assert.True(t, sent[0].LastJobItem)
	require.NotNil(t, sent[0].RawID)

	rec, err := f.raws.Get(context.Background(), *sent[0].RawID)
	require.NoError(t, err)
	assert.Equal(t, providers.PayloadJiraSprintReport, rec.PayloadType)
	assert.Equal(t, "5_88", rec.ProviderRef)
}

func TestExtractionDevStatusSkipsIssuesWithoutActivity(t *testing.T) {
	integration := jiraIntegration()
	f := newExtractionFixture(t, integration)
	f.jira.issues = []jira.Issue{
		{ID: "20001", Key: "ENG-1"},
		{ID: "20002", Key: "ENG-2"},
	}
	f.jira.dev = map[string]*jira.DevStatusResponse{
		"20001": {
			IssueID: "20001",
			Detail: []jira.DevStatusDetail{{
				PullRequests: []jira.PullRequest{{ID: "pr-100", Name: "fix"}},
			}},
		},
	}

	env := seedJob(t, f, integration, providers.StepJiraDevStatus)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.Len(t, sent, 1, "issues without dev activity produce nothing")
	rec, err := f.raws.Get(context.Background(), *sent[0].RawID)
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), `"issueKey":"ENG-1"`)
}

func TestExtractionDevStatusTargetsMappedDevelopmentField(t *testing.T) {
	integration := jiraIntegration()
	f := newExtractionFixture(t, integration)
	dev := "customfield_10300"
	f.integrations.mapping = &models.CustomFieldMapping{
		IntegrationID: integration.ID,
		Slots:         map[string]*string{models.SlotDevelopmentField: &dev},
	}
	f.jira.issues = []jira.Issue{
		{ID: "20001", Key: "ENG-1", Fields: map[string]json.RawMessage{
			dev: json.RawMessage(`"{pullrequest={state=MERGED, count=1}}"`),
		}},
		{ID: "20002", Key: "ENG-2", Fields: map[string]json.RawMessage{
			dev: json.RawMessage(`null`),
		}},
		{ID: "20003", Key: "ENG-3"},
	}
	f.jira.dev = map[string]*jira.DevStatusResponse{
		"20001": {
			IssueID: "20001",
			Detail: []jira.DevStatusDetail{{
				PullRequests: []jira.PullRequest{{ID: "pr-100", Name: "fix"}},
			}},
		},
	}

	env := seedJob(t, f, integration, providers.StepJiraDevStatus)
	f.handle(t, env)

	require.NotEmpty(t, f.jira.searches)
	assert.Contains(t, f.jira.searches[0].Fields, dev, "the search requests the mapped field")
	assert.Equal(t, []string{"20001"}, f.jira.devCalls,
		"only the issue whose development field shows activity is probed")
	assert.Len(t, f.publisher.sent(models.QueueTransform), 1)
}

func TestExtractionSprintReportsSkipSprintsUntouchedSinceWatermark(t *testing.T) {
	integration := jiraIntegration()
	integration.Settings.BoardIDs = []int{5}
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	integration.LastSyncDate = &since
	f := newExtractionFixture(t, integration)
	f.jira.sprints = []jira.ReportSprint{
		{ID: 87, Name: "Sprint 11", State: "closed", EndDate: "2026-07-10T00:00:00.000+0000"},
		{ID: 88, Name: "Sprint 12", State: "closed", EndDate: "2026-08-05T00:00:00.000+0000"},
		{ID: 89, Name: "Sprint 13", State: "active"},
	}
	f.jira.reports = map[int]*jira.SprintReport{
		88: {BoardID: 5, Sprint: jira.ReportSprint{ID: 88, Name: "Sprint 12", State: "closed"}},
		89: {BoardID: 5, Sprint: jira.ReportSprint{ID: 89, Name: "Sprint 13", State: "active"}},
	}

	env := seedJob(t, f, integration, providers.StepJiraSprintReports)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.Len(t, sent, 2, "the sprint closed before the watermark is skipped")
}

func TestBuildJQL(t *testing.T) {
	since := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	jql := buildJQL("ENG", "type != Epic", &since)
	assert.Equal(t, "project = ENG AND (type != Epic) AND updated >= '2026-08-01 09:30' ORDER BY updated ASC", jql)

	assert.Equal(t, "project = ENG ORDER BY updated ASC", buildJQL("ENG", "", nil))
}

// GitHub pull request extraction attaches detail and stamps the repository.
func TestExtractionGitHubPullRequests(t *testing.T) {
	integration := &models.Integration{
		TenantID: 7,
		ID:       uuid.New(),
		Provider: models.ProviderGitHub,
		Settings: models.IntegrationSettings{Projects: []string{"syncrail"}},
		Active:   true,
	}
	f := newExtractionFixture(t, integration)
	f.worker.newGitHubClient = func(baseURL, token string) githubAPI {
		return &fakeGitHub{
			repos: []github.Repository{{ID: 42, Name: "engine", Owner: github.User{Login: "syncrail"}}},
			prs: []github.PullRequest{{
				ID: 900, Number: 12, Title: "Fix restart", State: "closed",
				UpdatedAt: time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
			}},
			commits: []github.Commit{{SHA: "abc123"}},
		}
	}

	env := seedJob(t, f, integration, providers.StepGitHubPullRequests)
	f.handle(t, env)

	sent := f.publisher.sent(models.QueueTransform)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].LastJobItem, "pull requests are the terminal GitHub step")

	rec, err := f.raws.Get(context.Background(), *sent[0].RawID)
	require.NoError(t, err)
	assert.Contains(t, string(rec.Payload), `"attached_repository_id":42`)
	assert.Contains(t, string(rec.Payload), `"sha":"abc123"`)
}

type fakeGitHub struct {
	repos   []github.Repository
	prs     []github.PullRequest
	commits []github.Commit
}

var _ githubAPI = (*fakeGitHub)(nil)

func (f *fakeGitHub) ListRepositories(ctx context.Context, org string) ([]github.Repository, error) {
	return f.repos, nil
}

func (f *fakeGitHub) ListPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]github.PullRequest, error) {
	return f.prs, nil
}

func (f *fakeGitHub) ListPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]github.Commit, error) {
	return f.commits, nil
}

func (f *fakeGitHub) ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error) {
	return nil, nil
}

func (f *fakeGitHub) ListPullRequestComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error) {
	return nil, nil
}
