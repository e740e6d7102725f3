package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/broker"
	"github.com/syncrail/syncrail-engine/pkg/config"
	"github.com/syncrail/syncrail-engine/pkg/crypto"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
	"github.com/syncrail/syncrail-engine/pkg/providers/github"
	"github.com/syncrail/syncrail-engine/pkg/providers/jira"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

// jiraAPI is the slice of the Jira client the extraction steps use.
type jiraAPI interface {
	GetProjects(ctx context.Context) ([]jira.Project, error)
	GetProjectStatuses(ctx context.Context, projectKey string) (*jira.ProjectStatuses, error)
	SearchIssues(ctx context.Context, req jira.SearchRequest) (*jira.SearchResponse, error)
	GetDevStatus(ctx context.Context, issueID string) (*jira.DevStatusResponse, error)
	GetBoardSprints(ctx context.Context, boardID int) ([]jira.ReportSprint, error)
	GetSprintReport(ctx context.Context, boardID, sprintID int) (*jira.SprintReport, error)
	GetFields(ctx context.Context) ([]jira.Field, error)
}

// githubAPI is the slice of the GitHub client the extraction steps use.
type githubAPI interface {
	ListRepositories(ctx context.Context, org string) ([]github.Repository, error)
	ListPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]github.PullRequest, error)
	ListPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]github.Commit, error)
	ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]github.Review, error)
	ListPullRequestComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error)
}

// rawItem is one extracted record awaiting landing and hand-off.
type rawItem struct {
	payloadType string
	providerRef string
	payload     []byte
}

// ExtractionWorker executes extraction step messages: pull from the
// provider, land payloads in the raw zone, and hand each one to transform
// with the step's boundary markers. Finishing a step seeds the next one.
type ExtractionWorker struct {
	scopes       ScopeProvider
	integrations repositories.IntegrationRepository
	raws         repositories.RawExtractionRepository
	publisher    broker.Publisher
	controller   *JobController
	limits       *providers.RateLimitRegistry
	encryptor    *crypto.CredentialEncryptor
	cfg          *config.PipelineConfig
	logger       *zap.Logger

	// Client constructors, overridable for tests.
	newJiraClient   func(baseURL, username, token string) jiraAPI
	newGitHubClient func(baseURL, token string) githubAPI
}

// NewExtractionWorker wires an extraction worker.
func NewExtractionWorker(
	scopes ScopeProvider,
	integrations repositories.IntegrationRepository,
	raws repositories.RawExtractionRepository,
	publisher broker.Publisher,
	controller *JobController,
	limits *providers.RateLimitRegistry,
	encryptor *crypto.CredentialEncryptor,
	cfg *config.PipelineConfig,
	logger *zap.Logger,
) *ExtractionWorker {
	w := &ExtractionWorker{
		scopes:       scopes,
		integrations: integrations,
		raws:         raws,
		publisher:    publisher,
		controller:   controller,
		limits:       limits,
		encryptor:    encryptor,
		cfg:          cfg,
		logger:       logger,
	}
	timeout := cfg.RequestTimeout()
	w.newJiraClient = func(baseURL, username, token string) jiraAPI {
		return jira.NewClient(baseURL, username, token, timeout, logger)
	}
	w.newGitHubClient = func(baseURL, token string) githubAPI {
		return github.NewClient(baseURL, token, timeout, logger)
	}
	return w
}

// Handle processes one extraction step message.
func (w *ExtractionWorker) Handle(ctx context.Context, env models.Envelope) error {
	tenantCtx, cleanup, err := w.scopes.WithTenantScope(ctx, env.TenantID)
	if err != nil {
		return apperrors.New(apperrors.KindUnavailable, "extraction tenant scope", err)
	}
	defer cleanup()

	integration, err := w.integrations.GetByID(tenantCtx, env.IntegrationID)
	if err != nil {
		return fmt.Errorf("failed to load integration %s: %w", env.IntegrationID, err)
	}

	// The seed message of a run carries no watermarks; the first step stamps
	// them and every later hop inherits them unchanged. The guard keys on the
	// new watermark because on a first-ever sync the old one is legitimately
	// nil on every hop.
	if env.NewLastSyncDate == nil {
		env.OldLastSyncDate = integration.LastSyncDate
		now := time.Now().In(w.cfg.Location())
		env.NewLastSyncDate = &now
	}

	if err := w.controller.MarkStageRunning(ctx, env.TenantID, env.JobID, env.StepName, models.StageExtraction); err != nil {
		w.logger.Warn("failed to mark extraction running", zap.Error(err))
	}

	items, err := w.runStep(tenantCtx, env, integration)
	if err != nil {
		return err
	}

	terminal, err := providers.IsTerminalStep(integration.Provider, env.StepName)
	if err != nil {
		return apperrors.New(apperrors.KindPermanent, "extraction step lookup", err)
	}

	if err := w.publishItems(ctx, tenantCtx, env, items, terminal); err != nil {
		return err
	}

	if err := w.controller.MarkStageFinished(ctx, env.TenantID, env.JobID, env.StepName, models.StageExtraction); err != nil {
		w.logger.Warn("failed to mark extraction finished", zap.Error(err))
	}

	if !terminal {
		next, ok, err := providers.NextStep(integration.Provider, env.StepName)
		if err != nil || !ok {
			return apperrors.New(apperrors.KindPermanent, "extraction next step", err)
		}
		seed := env.Child()
		seed.StepName = next
		if err := w.publisher.Publish(ctx, models.QueueExtraction, seed); err != nil {
			return fmt.Errorf("failed to seed next step %s: %w", next, err)
		}
	}

	w.logger.Info("extraction step done",
		zap.String("step", env.StepName),
		zap.Int("items", len(items)),
		zap.Int("tenant_id", env.TenantID))
	return nil
}

func (w *ExtractionWorker) runStep(ctx context.Context, env models.Envelope, integration *models.Integration) ([]rawItem, error) {
	switch integration.Provider {
	case models.ProviderJira:
		client, err := w.jiraClient(integration)
		if err != nil {
			return nil, err
		}
		return w.runJiraStep(ctx, env, integration, client)
	case models.ProviderGitHub:
		client, err := w.githubClient(integration)
		if err != nil {
			return nil, err
		}
		return w.runGitHubStep(ctx, env, integration, client)
	default:
		return nil, apperrors.New(apperrors.KindPermanent, "extraction provider",
			fmt.Errorf("unknown provider %q", integration.Provider))
	}
}

func (w *ExtractionWorker) jiraClient(integration *models.Integration) (jiraAPI, error) {
	token, err := w.encryptor.Decrypt(integration.Settings.EncryptedCredentials)
	if err != nil {
		return nil, apperrors.New(apperrors.KindAuth, "extraction credentials", err)
	}
	return w.newJiraClient(integration.Settings.BaseURL, integration.Settings.Username, token), nil
}

func (w *ExtractionWorker) githubClient(integration *models.Integration) (githubAPI, error) {
	token, err := w.encryptor.Decrypt(integration.Settings.EncryptedCredentials)
	if err != nil {
		return nil, apperrors.New(apperrors.KindAuth, "extraction credentials", err)
	}
	return w.newGitHubClient(integration.Settings.BaseURL, token), nil
}

func (w *ExtractionWorker) wait(ctx context.Context, env models.Envelope, integration *models.Integration) error {
	return w.limits.Wait(ctx, env.TenantID, integration.ID, string(integration.Provider),
		integration.Settings.EffectiveRateLimit())
}

func (w *ExtractionWorker) runJiraStep(ctx context.Context, env models.Envelope, integration *models.Integration, client jiraAPI) ([]rawItem, error) {
	switch env.StepName {
	case providers.StepJiraProjectsAndIssueTypes:
		return w.jiraProjects(ctx, env, integration, client)
	case providers.StepJiraStatusesAndRelations:
		return w.jiraStatuses(ctx, env, integration, client)
	case providers.StepJiraIssuesWithChangelogs:
		return w.jiraIssues(ctx, env, integration, client)
	case providers.StepJiraDevStatus:
		return w.jiraDevStatus(ctx, env, integration, client)
	case providers.StepJiraSprintReports:
		return w.jiraSprintReports(ctx, env, integration, client)
	default:
		return nil, apperrors.New(apperrors.KindPermanent, "extraction step",
			fmt.Errorf("%w: %s", apperrors.ErrUnknownStep, env.StepName))
	}
}

func (w *ExtractionWorker) jiraProjects(ctx context.Context, env models.Envelope, integration *models.Integration, client jiraAPI) ([]rawItem, error) {
	if err := w.wait(ctx, env, integration); err != nil {
		return nil, err
	}
	projects, err := client.GetProjects(ctx)
	if err != nil {
		return nil, err
	}

	wanted := keySet(integration.Settings.Projects)
	var items []rawItem
	for _, p := range projects {
		if len(wanted) > 0 {
			if _, ok := wanted[p.Key]; !ok {
				continue
			}
		}
		payload, err := json.Marshal(p)
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
		}
		items = append(items, rawItem{
			payloadType: providers.PayloadJiraProject,
			providerRef: p.ID,
			payload:     payload,
		})
	}

	// Custom field discovery rides on the first step: one payload listing
	// every field, consumed by the mapping refresh and never embedded.
	if err := w.wait(ctx, env, integration); err != nil {
		return nil, err
	}
	fields, err := client.GetFields(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
	}
	items = append(items, rawItem{
		payloadType: providers.PayloadJiraCustomFields,
		providerRef: "custom_fields",
		payload:     payload,
	})
	return items, nil
}

func (w *ExtractionWorker) jiraStatuses(ctx context.Context, env models.Envelope, integration *models.Integration, client jiraAPI) ([]rawItem, error) {
	var items []rawItem
	for _, key := range integration.Settings.Projects {
		if err := w.wait(ctx, env, integration); err != nil {
			return nil, err
		}
		statuses, err := client.GetProjectStatuses(ctx, key)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(statuses)
		if err != nil {
			return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
		}
		items = append(items, rawItem{
			payloadType: providers.PayloadJiraProjectStatuses,
			providerRef: key,
			payload:     payload,
		})
	}
	return items, nil
}

func (w *ExtractionWorker) jiraIssues(ctx context.Context, env models.Envelope, integration *models.Integration, client jiraAPI) ([]rawItem, error) {
	var items []rawItem
	batch := integration.Settings.EffectiveBatchSize()
	for _, key := range integration.Settings.Projects {
		jql := buildJQL(key, integration.Settings.BaseSearchFilter, env.OldLastSyncDate)
		startAt := 0
		for {
			if err := w.wait(ctx, env, integration); err != nil {
				return nil, err
			}
			page, err := client.SearchIssues(ctx, jira.SearchRequest{
				JQL:        jql,
				StartAt:    startAt,
				MaxResults: batch,
				Expand:     []string{"changelog"},
			})
			if err != nil {
				return nil, err
			}
			for _, issue := range page.Issues {
				payload, err := json.Marshal(issue)
				if err != nil {
					return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
				}
				items = append(items, rawItem{
					payloadType: providers.PayloadJiraIssue,
					providerRef: issue.ID,
					payload:     payload,
				})
			}
			startAt += len(page.Issues)
			if startAt >= page.Total || len(page.Issues) == 0 {
				break
			}
		}
	}
	return items, nil
}

// jiraDevStatus pulls per-issue dev-status detail. The mapped development
// field narrows the candidates to issues whose field shows activity; without
// a mapping every watermarked issue is probed.
func (w *ExtractionWorker) jiraDevStatus(ctx context.Context, env models.Envelope, integration *models.Integration, client jiraAPI) ([]rawItem, error) {
	mapping, err := w.integrations.GetCustomFieldMapping(ctx, env.IntegrationID)
	if err != nil {
		return nil, err
	}
	devField := mapping.FieldID(models.SlotDevelopmentField)
	searchFields := []string{"id"}
	if devField != "" {
		searchFields = append(searchFields, devField)
	}

	var items []rawItem
	batch := integration.Settings.EffectiveBatchSize()
	for _, key := range integration.Settings.Projects {
		jql := buildJQL(key, integration.Settings.BaseSearchFilter, env.OldLastSyncDate)
		startAt := 0
		for {
			if err := w.wait(ctx, env, integration); err != nil {
				return nil, err
			}
			page, err := client.SearchIssues(ctx, jira.SearchRequest{
				JQL:        jql,
				StartAt:    startAt,
				MaxResults: batch,
				Fields:     searchFields,
			})
			if err != nil {
				return nil, err
			}
			for _, issue := range page.Issues {
				if devField != "" && !fieldPopulated(issue.Fields[devField]) {
					continue
				}
				if err := w.wait(ctx, env, integration); err != nil {
					return nil, err
				}
				detail, err := client.GetDevStatus(ctx, issue.ID)
				if err != nil {
					return nil, err
				}
				if devStatusEmpty(detail) {
					continue
				}
				detail.IssueKey = issue.Key
				payload, err := json.Marshal(detail)
				if err != nil {
					return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
				}
				items = append(items, rawItem{
					payloadType: providers.PayloadJiraDevStatus,
					providerRef: issue.ID,
					payload:     payload,
				})
			}
			startAt += len(page.Issues)
			if startAt >= page.Total || len(page.Issues) == 0 {
				break
			}
		}
	}
	return items, nil
}

func (w *ExtractionWorker) jiraSprintReports(ctx context.Context, env models.Envelope, integration *models.Integration, client jiraAPI) ([]rawItem, error) {
	var items []rawItem
	for _, boardID := range integration.Settings.BoardIDs {
		if err := w.wait(ctx, env, integration); err != nil {
			return nil, err
		}
		sprints, err := client.GetBoardSprints(ctx, boardID)
		if err != nil {
			return nil, err
		}
		for _, sprint := range sprints {
			if sprint.State == "future" {
				continue
			}
			if sprintUntouched(sprint, env.OldLastSyncDate) {
				continue
			}
			if err := w.wait(ctx, env, integration); err != nil {
				return nil, err
			}
			report, err := client.GetSprintReport(ctx, boardID, sprint.ID)
			if err != nil {
				return nil, err
			}
			payload, err := json.Marshal(report)
			if err != nil {
				return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
			}
			items = append(items, rawItem{
				payloadType: providers.PayloadJiraSprintReport,
				providerRef: fmt.Sprintf("%d_%d", boardID, sprint.ID),
				payload:     payload,
			})
		}
	}
	return items, nil
}

func (w *ExtractionWorker) runGitHubStep(ctx context.Context, env models.Envelope, integration *models.Integration, client githubAPI) ([]rawItem, error) {
	switch env.StepName {
	case providers.StepGitHubRepositories:
		return w.githubRepositories(ctx, env, integration, client)
	case providers.StepGitHubPullRequests:
		return w.githubPullRequests(ctx, env, integration, client)
	default:
		return nil, apperrors.New(apperrors.KindPermanent, "extraction step",
			fmt.Errorf("%w: %s", apperrors.ErrUnknownStep, env.StepName))
	}
}

func (w *ExtractionWorker) githubRepositories(ctx context.Context, env models.Envelope, integration *models.Integration, client githubAPI) ([]rawItem, error) {
	var items []rawItem
	for _, org := range integration.Settings.Projects {
		if err := w.wait(ctx, env, integration); err != nil {
			return nil, err
		}
		repos, err := client.ListRepositories(ctx, org)
		if err != nil {
			return nil, err
		}
		for _, repo := range repos {
			payload, err := json.Marshal(repo)
			if err != nil {
				return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
			}
			items = append(items, rawItem{
				payloadType: providers.PayloadGitHubRepository,
				providerRef: strconv.FormatInt(repo.ID, 10),
				payload:     payload,
			})
		}
	}
	return items, nil
}

func (w *ExtractionWorker) githubPullRequests(ctx context.Context, env models.Envelope, integration *models.Integration, client githubAPI) ([]rawItem, error) {
	var since time.Time
	if env.OldLastSyncDate != nil {
		since = *env.OldLastSyncDate
	}

	var items []rawItem
	for _, org := range integration.Settings.Projects {
		if err := w.wait(ctx, env, integration); err != nil {
			return nil, err
		}
		repos, err := client.ListRepositories(ctx, org)
		if err != nil {
			return nil, err
		}
		for _, repo := range repos {
			if err := w.wait(ctx, env, integration); err != nil {
				return nil, err
			}
			prs, err := client.ListPullRequests(ctx, repo.Owner.Login, repo.Name, since)
			if err != nil {
				return nil, err
			}
			for i := range prs {
				pr := &prs[i]
				if err := w.attachPRDetail(ctx, env, integration, client, repo, pr); err != nil {
					return nil, err
				}
				pr.RepositoryID = repo.ID
				payload, err := json.Marshal(pr)
				if err != nil {
					return nil, apperrors.New(apperrors.KindPermanent, "extraction marshal", err)
				}
				items = append(items, rawItem{
					payloadType: providers.PayloadGitHubPullRequest,
					providerRef: strconv.FormatInt(pr.ID, 10),
					payload:     payload,
				})
			}
		}
	}
	return items, nil
}

func (w *ExtractionWorker) attachPRDetail(ctx context.Context, env models.Envelope, integration *models.Integration, client githubAPI, repo github.Repository, pr *github.PullRequest) error {
	if err := w.wait(ctx, env, integration); err != nil {
		return err
	}
	commits, err := client.ListPullRequestCommits(ctx, repo.Owner.Login, repo.Name, pr.Number)
	if err != nil {
		return err
	}
	if err := w.wait(ctx, env, integration); err != nil {
		return err
	}
	reviews, err := client.ListPullRequestReviews(ctx, repo.Owner.Login, repo.Name, pr.Number)
	if err != nil {
		return err
	}
	if err := w.wait(ctx, env, integration); err != nil {
		return err
	}
	comments, err := client.ListPullRequestComments(ctx, repo.Owner.Login, repo.Name, pr.Number)
	if err != nil {
		return err
	}
	pr.Commits = commits
	pr.Reviews = reviews
	pr.Comments = comments
	return nil
}

// publishItems lands every item in the raw zone and hands it to transform
// with boundary markers. A step with zero items still emits exactly one
// synthetic terminal message so downstream stages never hang waiting for a
// last_item that cannot come.
func (w *ExtractionWorker) publishItems(ctx context.Context, tenantCtx context.Context, env models.Envelope, items []rawItem, terminalStep bool) error {
	if len(items) == 0 {
		msg := env.Child()
		msg.FirstItem = true
		msg.LastItem = true
		msg.LastJobItem = terminalStep
		if err := w.publisher.Publish(ctx, models.QueueTransform, msg); err != nil {
			return fmt.Errorf("failed to publish synthetic terminal: %w", err)
		}
		return nil
	}

	for i, item := range items {
		rec := &models.RawExtractionRecord{
			IntegrationID: env.IntegrationID,
			PayloadType:   item.payloadType,
			ProviderRef:   item.providerRef,
			Payload:       item.payload,
		}
		rawID, err := w.raws.Upsert(tenantCtx, rec)
		if err != nil {
			return fmt.Errorf("failed to land raw payload: %w", err)
		}

		msg := env.Child()
		msg.PayloadType = item.payloadType
		msg.RawID = &rawID
		msg.FirstItem = i == 0
		msg.LastItem = i == len(items)-1
		msg.LastJobItem = terminalStep && i == len(items)-1
		if err := w.publisher.Publish(ctx, models.QueueTransform, msg); err != nil {
			return fmt.Errorf("failed to publish transform message: %w", err)
		}
	}
	return nil
}

func buildJQL(projectKey, baseFilter string, since *time.Time) string {
	jql := fmt.Sprintf("project = %s", projectKey)
	if baseFilter != "" {
		jql += " AND (" + baseFilter + ")"
	}
	if since != nil {
		jql += fmt.Sprintf(" AND updated >= '%s'", since.Format("2006-01-02 15:04"))
	}
	return jql + " ORDER BY updated ASC"
}

// fieldPopulated reports whether a raw field value carries anything beyond a
// JSON null or an empty container.
func fieldPopulated(raw json.RawMessage) bool {
	switch strings.TrimSpace(string(raw)) {
	case "", "null", `""`, "{}", "[]":
		return false
	}
	return true
}

// sprintUntouched reports whether a closed sprint ended before the previous
// run's watermark. Active sprints and sprints without a parseable end date
// always count as touched.
func sprintUntouched(sprint jira.ReportSprint, since *time.Time) bool {
	if since == nil || sprint.State != "closed" {
		return false
	}
	end := parseJiraTime(sprint.EndDate)
	return end != nil && end.Before(*since)
}

func devStatusEmpty(detail *jira.DevStatusResponse) bool {
	for _, d := range detail.Detail {
		if len(d.Repositories) > 0 || len(d.PullRequests) > 0 {
			return false
		}
	}
	return true
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
