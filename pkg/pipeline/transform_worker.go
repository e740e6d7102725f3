package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/broker"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/jsonutil"
	"github.com/syncrail/syncrail-engine/pkg/models"
	"github.com/syncrail/syncrail-engine/pkg/providers"
	"github.com/syncrail/syncrail-engine/pkg/providers/github"
	"github.com/syncrail/syncrail-engine/pkg/providers/jira"
	"github.com/syncrail/syncrail-engine/pkg/repositories"
)

// TransformWorker normalizes one raw payload per message. The entity
// upserts and the raw record's status flip commit in one transaction;
// embedding hand-offs are published only after the commit, so the embedding
// worker never chases a row that was rolled back.
type TransformWorker struct {
	scopes       ScopeProvider
	integrations repositories.IntegrationRepository
	raws         repositories.RawExtractionRepository
	entities     repositories.EntityRepository
	mappings     repositories.MappingRepository
	publisher    broker.Publisher
	controller   *JobController
	logger       *zap.Logger

	// beginTx opens the per-message transaction, overridable for tests.
	beginTx func(ctx context.Context) (pgx.Tx, error)
}

// NewTransformWorker wires a transform worker.
func NewTransformWorker(
	scopes ScopeProvider,
	integrations repositories.IntegrationRepository,
	raws repositories.RawExtractionRepository,
	entities repositories.EntityRepository,
	mappings repositories.MappingRepository,
	publisher broker.Publisher,
	controller *JobController,
	logger *zap.Logger,
) *TransformWorker {
	w := &TransformWorker{
		scopes:       scopes,
		integrations: integrations,
		raws:         raws,
		entities:     entities,
		mappings:     mappings,
		publisher:    publisher,
		controller:   controller,
		logger:       logger,
	}
	w.beginTx = func(ctx context.Context) (pgx.Tx, error) {
		scope, ok := database.GetTenantScope(ctx)
		if !ok {
			return nil, apperrors.ErrNoTenantScope
		}
		return scope.Conn.Begin(ctx)
	}
	return w
}

// Handle processes one transform message.
func (w *TransformWorker) Handle(ctx context.Context, env models.Envelope) error {
	tenantCtx, cleanup, err := w.scopes.WithTenantScope(ctx, env.TenantID)
	if err != nil {
		return apperrors.New(apperrors.KindUnavailable, "transform tenant scope", err)
	}
	defer cleanup()

	if env.FirstItem {
		if err := w.controller.MarkStageRunning(ctx, env.TenantID, env.JobID, env.StepName, models.StageTransform); err != nil {
			w.logger.Warn("failed to mark transform running", zap.Error(err))
		}
	}

	// A synthetic terminal message carries no payload; just relay it so the
	// embedding stage sees the step boundary.
	if env.Terminal() {
		if err := w.forwardMarkers(ctx, env, nil); err != nil {
			return err
		}
		return w.finishStage(ctx, env)
	}

	if env.RawID == nil {
		return apperrors.New(apperrors.KindPermanent, "transform payload",
			fmt.Errorf("%w: message has neither raw_id nor terminal markers", apperrors.ErrUnknownPayload))
	}

	raw, err := w.raws.Get(tenantCtx, *env.RawID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.New(apperrors.KindPermanent, "transform payload",
				fmt.Errorf("raw record %s not found", env.RawID))
		}
		return fmt.Errorf("failed to load raw record: %w", err)
	}

	tx, err := w.beginTx(tenantCtx)
	if err != nil {
		if errors.Is(err, apperrors.ErrNoTenantScope) {
			return err
		}
		return apperrors.New(apperrors.KindUnavailable, "transform begin", err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	refs, err := w.transform(tenantCtx, tx, env, raw)
	if err != nil {
		return err
	}

	if err := w.raws.MarkCompletedTx(tenantCtx, tx, env.TenantID, raw.ID); err != nil {
		return err
	}
	if err := tx.Commit(tenantCtx); err != nil {
		return apperrors.New(apperrors.KindUnavailable, "transform commit", err)
	}

	if err := w.forwardMarkers(ctx, env, refs); err != nil {
		return err
	}
	if env.LastItem {
		return w.finishStage(ctx, env)
	}
	return nil
}

func (w *TransformWorker) finishStage(ctx context.Context, env models.Envelope) error {
	if err := w.controller.MarkStageFinished(ctx, env.TenantID, env.JobID, env.StepName, models.StageTransform); err != nil {
		w.logger.Warn("failed to mark transform finished", zap.Error(err))
	}
	return nil
}

// forwardMarkers publishes one embedding message per committed entity,
// threading the step markers: first_item on the first message, last_item
// (and last_job_item) on the final one. A message that produced no entities
// but carries markers still emits a marker-only relay.
func (w *TransformWorker) forwardMarkers(ctx context.Context, env models.Envelope, refs []models.EntityRef) error {
	if len(refs) == 0 {
		if !env.FirstItem && !env.LastItem && !env.LastJobItem {
			return nil
		}
		msg := env.Child()
		msg.PayloadType = env.PayloadType
		msg.FirstItem = env.FirstItem
		msg.LastItem = env.LastItem
		msg.LastJobItem = env.LastJobItem
		if err := w.publisher.Publish(ctx, models.QueueEmbedding, msg); err != nil {
			return fmt.Errorf("failed to relay step markers: %w", err)
		}
		return nil
	}

	for i := range refs {
		ref := refs[i]
		msg := env.Child()
		msg.PayloadType = env.PayloadType
		msg.EntityRef = &ref
		msg.FirstItem = env.FirstItem && i == 0
		msg.LastItem = env.LastItem && i == len(refs)-1
		msg.LastJobItem = env.LastJobItem && i == len(refs)-1
		if err := w.publisher.Publish(ctx, models.QueueEmbedding, msg); err != nil {
			return fmt.Errorf("failed to publish embedding message: %w", err)
		}
	}
	return nil
}

func (w *TransformWorker) transform(ctx context.Context, tx pgx.Tx, env models.Envelope, raw *models.RawExtractionRecord) ([]models.EntityRef, error) {
	switch raw.PayloadType {
	case providers.PayloadJiraProject:
		return w.transformJiraProject(ctx, tx, env, raw.Payload)
	case providers.PayloadJiraProjectStatuses:
		return w.transformJiraStatuses(ctx, tx, env, raw.Payload)
	case providers.PayloadJiraIssue:
		return w.transformJiraIssue(ctx, tx, env, raw.Payload)
	case providers.PayloadJiraDevStatus:
		return w.transformJiraDevStatus(ctx, tx, env, raw.Payload)
	case providers.PayloadJiraSprintReport:
		return w.transformJiraSprintReport(ctx, tx, env, raw.Payload)
	case providers.PayloadJiraCustomFields:
		return w.transformJiraCustomFields(ctx, env, raw.Payload)
	case providers.PayloadGitHubRepository:
		return w.transformGitHubRepository(ctx, tx, env, raw.Payload)
	case providers.PayloadGitHubPullRequest:
		return w.transformGitHubPullRequest(ctx, tx, env, raw.Payload)
	default:
		return nil, apperrors.New(apperrors.KindPermanent, "transform payload",
			fmt.Errorf("%w: %s", apperrors.ErrUnknownPayload, raw.PayloadType))
	}
}

func (w *TransformWorker) transformJiraProject(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var p jira.Project
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform jira project", err)
	}

	project := &models.Project{
		IntegrationID: env.IntegrationID,
		ExternalID:    p.ID,
		Key:           p.Key,
		Name:          p.Name,
		Description:   p.Description,
	}
	if err := w.entities.UpsertProjects(ctx, tx, env.TenantID, []*models.Project{project}); err != nil {
		return nil, err
	}
	refs := []models.EntityRef{semanticRef(models.TableProjects, p.Key)}

	// The same issue type repeats under every project using it; dedupe
	// within the payload, the upsert converges across payloads.
	seen := make(map[string]struct{})
	var wits []*models.WorkItemType
	for _, it := range p.IssueTypes {
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}

		wit := &models.WorkItemType{
			IntegrationID: env.IntegrationID,
			ExternalID:    it.ID,
			Name:          it.Name,
			Description:   it.Description,
			Subtask:       it.Subtask,
		}
		mapping, err := w.mappings.ResolveWITMapping(ctx, env.IntegrationID, it.Name)
		if err == nil {
			wit.WITMappingID = &mapping.ID
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		wits = append(wits, wit)
		refs = append(refs, semanticRef(models.TableWorkItemTypes, it.ID))
	}
	if err := w.entities.UpsertWorkItemTypes(ctx, tx, env.TenantID, wits); err != nil {
		return nil, err
	}
	return refs, nil
}

func (w *TransformWorker) transformJiraStatuses(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var ps jira.ProjectStatuses
	if err := json.Unmarshal(payload, &ps); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform jira statuses", err)
	}

	seen := make(map[string]struct{})
	var statuses []*models.Status
	var refs []models.EntityRef
	for _, it := range ps.IssueTypes {
		for _, s := range it.Statuses {
			if _, dup := seen[s.ID]; dup {
				continue
			}
			seen[s.ID] = struct{}{}

			status := &models.Status{
				IntegrationID: env.IntegrationID,
				ExternalID:    s.ID,
				Name:          s.Name,
				ProjectKey:    ps.ProjectKey,
			}
			if s.StatusCategory != nil {
				status.Category = s.StatusCategory.Name
			}
			mapping, err := w.mappings.ResolveStatusMapping(ctx, env.IntegrationID, s.Name)
			if err == nil {
				status.StatusMappingID = &mapping.ID
			} else if !errors.Is(err, apperrors.ErrNotFound) {
				return nil, err
			}
			statuses = append(statuses, status)
			refs = append(refs, semanticRef(models.TableStatuses, s.ID))
		}
	}
	if err := w.entities.UpsertStatuses(ctx, tx, env.TenantID, statuses); err != nil {
		return nil, err
	}
	return refs, nil
}

func (w *TransformWorker) transformJiraIssue(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var issue jira.Issue
	if err := json.Unmarshal(payload, &issue); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform jira issue", err)
	}

	mapping, err := w.integrations.GetCustomFieldMapping(ctx, env.IntegrationID)
	if err != nil {
		return nil, err
	}

	item, memberships := flattenIssue(env, issue, mapping)

	if item.StatusName != "" {
		sm, err := w.mappings.ResolveStatusMapping(ctx, env.IntegrationID, item.StatusName)
		if err == nil {
			item.WorkflowID = sm.WorkflowID
		} else if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	if err := w.entities.UpsertWorkItems(ctx, tx, env.TenantID, []*models.WorkItem{item}); err != nil {
		return nil, err
	}
	refs := []models.EntityRef{semanticRef(models.TableWorkItems, item.Key)}

	changelogs := flattenChangelogs(env, issue)
	if len(changelogs) > 0 {
		if err := w.entities.UpsertChangelogs(ctx, tx, env.TenantID, changelogs); err != nil {
			return nil, err
		}
		for _, c := range changelogs {
			refs = append(refs, semanticRef(models.TableChangelogs, c.ExternalID))
		}
	}
	if len(memberships) > 0 {
		if err := w.entities.UpsertWorkItemSprints(ctx, tx, env.TenantID, memberships); err != nil {
			return nil, err
		}
	}
	return refs, nil
}

func (w *TransformWorker) transformJiraDevStatus(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var detail jira.DevStatusResponse
	if err := json.Unmarshal(payload, &detail); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform jira dev status", err)
	}

	repoSeen := make(map[string]struct{})
	prSeen := make(map[string]struct{})
	var repos []*models.Repository
	var prs []*models.PullRequest
	var commits []*models.PRCommit
	var reviews []*models.PRReview
	var comments []*models.PRComment
	var links []*models.CrossLink

	for _, d := range detail.Detail {
		for _, r := range d.Repositories {
			if _, dup := repoSeen[r.ID]; dup {
				continue
			}
			repoSeen[r.ID] = struct{}{}
			repos = append(repos, &models.Repository{
				IntegrationID: env.IntegrationID,
				ExternalID:    r.ID,
				Name:          r.Name,
				URL:           r.URL,
			})
		}
		for _, pr := range d.PullRequests {
			if _, dup := prSeen[pr.ID]; dup {
				continue
			}
			prSeen[pr.ID] = struct{}{}

			prs = append(prs, &models.PullRequest{
				IntegrationID: env.IntegrationID,
				ExternalID:    pr.ID,
				RepositoryID:  pr.RepositoryID,
				Title:         pr.Name,
				Status:        pr.Status,
				Author:        jiraUserName(pr.Author),
				URL:           pr.URL,
				CreatedDate:   pr.LastUpdate,
			})
			for _, c := range pr.Commits {
				commits = append(commits, &models.PRCommit{
					IntegrationID: env.IntegrationID,
					ExternalID:    c.ID,
					PRExternalID:  pr.ID,
					Message:       c.Message,
					Author:        jiraUserName(c.Author),
					CommittedDate: c.AuthorTimestamp,
				})
			}
			for _, rv := range pr.Reviewers {
				state := "PENDING"
				if rv.Approved {
					state = "APPROVED"
				}
				reviews = append(reviews, &models.PRReview{
					IntegrationID: env.IntegrationID,
					ExternalID:    pr.ID + "_" + rv.Name,
					PRExternalID:  pr.ID,
					State:         state,
					Reviewer:      rv.Name,
				})
			}
			for _, cm := range pr.Comments {
				comments = append(comments, &models.PRComment{
					IntegrationID: env.IntegrationID,
					ExternalID:    cm.ID,
					PRExternalID:  pr.ID,
					Author:        jiraUserName(cm.Author),
					Body:          cm.Body,
					CreatedDate:   cm.Created,
				})
			}
			if detail.IssueKey != "" {
				links = append(links, &models.CrossLink{
					IntegrationID: env.IntegrationID,
					WorkItemKey:   detail.IssueKey,
					PRExternalID:  pr.ID,
				})
			}
		}
	}

	if err := w.entities.UpsertRepositories(ctx, tx, env.TenantID, repos); err != nil {
		return nil, err
	}
	if err := w.entities.UpsertPullRequests(ctx, tx, env.TenantID, prs); err != nil {
		return nil, err
	}
	if err := w.entities.UpsertPRCommits(ctx, tx, env.TenantID, commits); err != nil {
		return nil, err
	}
	if err := w.entities.UpsertPRReviews(ctx, tx, env.TenantID, reviews); err != nil {
		return nil, err
	}
	if err := w.entities.UpsertPRComments(ctx, tx, env.TenantID, comments); err != nil {
		return nil, err
	}
	if err := w.entities.UpsertCrossLinks(ctx, tx, env.TenantID, links); err != nil {
		return nil, err
	}
	if detail.IssueKey != "" && len(prs) > 0 {
		if err := w.entities.MarkWorkItemDevChanges(ctx, tx, env.TenantID, env.IntegrationID, detail.IssueKey); err != nil {
			return nil, err
		}
	}

	var refs []models.EntityRef
	for _, r := range repos {
		refs = append(refs, semanticRef(models.TableRepositories, r.ExternalID))
	}
	for _, pr := range prs {
		refs = append(refs, semanticRef(models.TablePullRequests, pr.ExternalID))
	}
	for _, c := range commits {
		refs = append(refs, semanticRef(models.TablePRCommits, c.ExternalID))
	}
	for _, rv := range reviews {
		refs = append(refs, semanticRef(models.TablePRReviews, rv.ExternalID))
	}
	for _, cm := range comments {
		refs = append(refs, semanticRef(models.TablePRComments, cm.ExternalID))
	}
	for _, l := range links {
		// Links have no provider-native id; the upsert filled the internal
		// one and that keys the embedding lookup.
		refs = append(refs, semanticRef(models.TableCrossLinks, strconv.FormatInt(l.ID, 10)))
	}
	return refs, nil
}

func (w *TransformWorker) transformJiraSprintReport(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var report jira.SprintReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform jira sprint report", err)
	}

	externalID := strconv.Itoa(report.Sprint.ID)
	sprint := &models.Sprint{
		IntegrationID:   env.IntegrationID,
		ExternalID:      externalID,
		BoardID:         report.BoardID,
		Name:            report.Sprint.Name,
		State:           report.Sprint.State,
		Goal:            report.Sprint.Goal,
		StartDate:       parseJiraTime(report.Sprint.StartDate),
		EndDate:         parseJiraTime(report.Sprint.EndDate),
		CompletedPoints: report.CompletedEstimate,
		CommittedPoints: report.CommittedEstimate,
	}
	if err := w.entities.UpsertSprints(ctx, tx, env.TenantID, []*models.Sprint{sprint}); err != nil {
		return nil, err
	}

	if report.Contents != nil {
		seen := make(map[string]struct{})
		var memberships []*models.WorkItemSprint
		for _, list := range [][]jira.ReportIssue{
			report.Contents.CompletedIssues,
			report.Contents.IssuesNotCompleted,
			report.Contents.PuntedIssues,
		} {
			for _, ri := range list {
				if _, dup := seen[ri.Key]; dup || ri.Key == "" {
					continue
				}
				seen[ri.Key] = struct{}{}
				memberships = append(memberships, &models.WorkItemSprint{
					IntegrationID:    env.IntegrationID,
					WorkItemKey:      ri.Key,
					SprintExternalID: externalID,
				})
			}
		}
		if err := w.entities.UpsertWorkItemSprints(ctx, tx, env.TenantID, memberships); err != nil {
			return nil, err
		}
	}
	return []models.EntityRef{semanticRef(models.TableSprints, externalID)}, nil
}

// slotNames matches well-known Jira field names to reserved custom-field
// slots during the discovery pass.
var slotNames = map[string]string{
	"team":                 models.SlotTeamField,
	"story points":         models.SlotStoryPointsField,
	"story point estimate": models.SlotStoryPointsField,
	"sprint":               models.SlotSprintField,
	"development":          models.SlotDevelopmentField,
}

// transformJiraCustomFields refreshes the reserved slot mapping from the
// field listing. It produces no entities and no embeddings.
func (w *TransformWorker) transformJiraCustomFields(ctx context.Context, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var fields []jira.Field
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform jira custom fields", err)
	}

	for _, f := range fields {
		if !f.Custom {
			continue
		}
		slot, ok := slotNames[strings.ToLower(f.Name)]
		if !ok {
			continue
		}
		if err := w.integrations.UpsertCustomFieldSlot(ctx, env.IntegrationID, slot, f.ID); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (w *TransformWorker) transformGitHubRepository(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var repo github.Repository
	if err := json.Unmarshal(payload, &repo); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform github repository", err)
	}

	externalID := strconv.FormatInt(repo.ID, 10)
	if err := w.entities.UpsertRepositories(ctx, tx, env.TenantID, []*models.Repository{{
		IntegrationID: env.IntegrationID,
		ExternalID:    externalID,
		Name:          repo.FullName,
		URL:           repo.HTMLURL,
	}}); err != nil {
		return nil, err
	}
	return []models.EntityRef{semanticRef(models.TableRepositories, externalID)}, nil
}

func (w *TransformWorker) transformGitHubPullRequest(ctx context.Context, tx pgx.Tx, env models.Envelope, payload []byte) ([]models.EntityRef, error) {
	var pr github.PullRequest
	if err := json.Unmarshal(payload, &pr); err != nil {
		return nil, apperrors.New(apperrors.KindPermanent, "transform github pull request", err)
	}

	externalID := strconv.FormatInt(pr.ID, 10)
	status := pr.State
	if pr.MergedAt != nil {
		status = "merged"
	}
	createdAt := pr.CreatedAt
	row := &models.PullRequest{
		IntegrationID: env.IntegrationID,
		ExternalID:    externalID,
		Title:         pr.Title,
		Status:        status,
		Author:        pr.User.Login,
		URL:           pr.HTMLURL,
		CreatedDate:   &createdAt,
		MergedDate:    pr.MergedAt,
	}
	if pr.RepositoryID != 0 {
		row.RepositoryID = strconv.FormatInt(pr.RepositoryID, 10)
	}
	if err := w.entities.UpsertPullRequests(ctx, tx, env.TenantID, []*models.PullRequest{row}); err != nil {
		return nil, err
	}
	refs := []models.EntityRef{semanticRef(models.TablePullRequests, externalID)}

	var commits []*models.PRCommit
	for _, c := range pr.Commits {
		committed := c.Commit.Author.Date
		commits = append(commits, &models.PRCommit{
			IntegrationID: env.IntegrationID,
			ExternalID:    c.SHA,
			PRExternalID:  externalID,
			Message:       c.Commit.Message,
			Author:        c.Commit.Author.Name,
			CommittedDate: &committed,
		})
		refs = append(refs, semanticRef(models.TablePRCommits, c.SHA))
	}
	if err := w.entities.UpsertPRCommits(ctx, tx, env.TenantID, commits); err != nil {
		return nil, err
	}

	var reviews []*models.PRReview
	for _, rv := range pr.Reviews {
		submitted := rv.SubmittedAt
		reviewExternalID := strconv.FormatInt(rv.ID, 10)
		reviews = append(reviews, &models.PRReview{
			IntegrationID: env.IntegrationID,
			ExternalID:    reviewExternalID,
			PRExternalID:  externalID,
			State:         rv.State,
			Reviewer:      rv.User.Login,
			SubmittedDate: &submitted,
		})
		refs = append(refs, semanticRef(models.TablePRReviews, reviewExternalID))
	}
	if err := w.entities.UpsertPRReviews(ctx, tx, env.TenantID, reviews); err != nil {
		return nil, err
	}

	var comments []*models.PRComment
	for _, cm := range pr.Comments {
		created := cm.CreatedAt
		commentExternalID := strconv.FormatInt(cm.ID, 10)
		comments = append(comments, &models.PRComment{
			IntegrationID: env.IntegrationID,
			ExternalID:    commentExternalID,
			PRExternalID:  externalID,
			Author:        cm.User.Login,
			Body:          cm.Body,
			CreatedDate:   &created,
		})
		refs = append(refs, semanticRef(models.TablePRComments, commentExternalID))
	}
	if err := w.entities.UpsertPRComments(ctx, tx, env.TenantID, comments); err != nil {
		return nil, err
	}
	return refs, nil
}

func semanticRef(table, key string) models.EntityRef {
	return models.EntityRef{Table: table, Key: key, VectorType: models.VectorTypeSemantic}
}

// flattenIssue maps the raw issue onto the normalized work item, resolving
// reserved custom-field slots through the integration's mapping and keeping
// generic slots as a raw blob.
func flattenIssue(env models.Envelope, issue jira.Issue, mapping *models.CustomFieldMapping) (*models.WorkItem, []*models.WorkItemSprint) {
	fields := issue.Fields

	item := &models.WorkItem{
		IntegrationID: env.IntegrationID,
		ExternalID:    issue.ID,
		Key:           issue.Key,
		Summary:       jsonutil.FlexibleStringValue(fields["summary"]),
		Description:   jsonutil.FlexibleStringValue(fields["description"]),
		CreatedDate:   parseJiraTime(jsonutil.FlexibleStringValue(fields["created"])),
		UpdatedDate:   parseJiraTime(jsonutil.FlexibleStringValue(fields["updated"])),
	}

	var status struct {
		Name string `json:"name"`
	}
	if json.Unmarshal(fields["status"], &status) == nil {
		item.StatusName = status.Name
	}
	var issueType struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(fields["issuetype"], &issueType) == nil {
		item.WITExternalID = issueType.ID
	}
	var project struct {
		Key string `json:"key"`
	}
	if json.Unmarshal(fields["project"], &project) == nil {
		item.ProjectKey = project.Key
	}
	var assignee, reporter jira.User
	if json.Unmarshal(fields["assignee"], &assignee) == nil {
		item.Assignee = assignee.DisplayName
	}
	if json.Unmarshal(fields["reporter"], &reporter) == nil {
		item.Reporter = reporter.DisplayName
	}

	if id := mapping.FieldID(models.SlotTeamField); id != "" {
		item.Team = namedFieldValue(fields[id])
	}
	if id := mapping.FieldID(models.SlotStoryPointsField); id != "" {
		if v, err := strconv.ParseFloat(jsonutil.FlexibleStringValue(fields[id]), 64); err == nil {
			item.StoryPoints = &v
		}
	}

	var memberships []*models.WorkItemSprint
	if id := mapping.FieldID(models.SlotSprintField); id != "" {
		var sprints []struct {
			ID int64 `json:"id"`
		}
		if json.Unmarshal(fields[id], &sprints) == nil {
			for _, s := range sprints {
				memberships = append(memberships, &models.WorkItemSprint{
					IntegrationID:    env.IntegrationID,
					WorkItemKey:      issue.Key,
					SprintExternalID: strconv.FormatInt(s.ID, 10),
				})
			}
		}
	}

	// Generic slots land as an opaque blob; nothing downstream interprets
	// them beyond composition.
	generic := make(map[string]string)
	for slot, fieldID := range mapping.Slots {
		if fieldID == nil || !strings.HasPrefix(slot, "custom_field_") {
			continue
		}
		if v := jsonutil.FlexibleStringValue(fields[*fieldID]); v != "" {
			generic[slot] = v
		}
	}
	if len(generic) > 0 {
		if blob, err := json.Marshal(generic); err == nil {
			item.CustomFields = blob
		}
	}
	return item, memberships
}

func flattenChangelogs(env models.Envelope, issue jira.Issue) []*models.Changelog {
	if issue.Changelog == nil {
		return nil
	}
	var entries []*models.Changelog
	for _, h := range issue.Changelog.Histories {
		changedAt := time.Time{}
		if t := parseJiraTime(h.Created); t != nil {
			changedAt = *t
		}
		for i, it := range h.Items {
			entries = append(entries, &models.Changelog{
				IntegrationID: env.IntegrationID,
				ExternalID:    fmt.Sprintf("%s_%d", h.ID, i),
				WorkItemKey:   issue.Key,
				Field:         it.Field,
				FromValue:     it.FromString,
				ToValue:       it.ToString,
				Author:        jiraUserName(h.Author),
				ChangedAt:     changedAt,
			})
		}
	}
	return entries
}

// namedFieldValue extracts a display value from a custom field that may be
// an option object, a user object, or a bare scalar.
func namedFieldValue(raw json.RawMessage) string {
	var obj struct {
		Name        string `json:"name"`
		Value       string `json:"value"`
		DisplayName string `json:"displayName"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		switch {
		case obj.Name != "":
			return obj.Name
		case obj.Value != "":
			return obj.Value
		case obj.DisplayName != "":
			return obj.DisplayName
		}
	}
	return jsonutil.FlexibleStringValue(raw)
}

func jiraUserName(u *jira.User) string {
	if u == nil {
		return ""
	}
	return u.DisplayName
}

// jiraTimeLayouts covers the formats Jira emits across its APIs.
var jiraTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
	"2006-01-02",
	"02/Jan/06 3:04 PM",
}

func parseJiraTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range jiraTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}
