package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/syncrail/syncrail-engine/pkg/apperrors"
	"github.com/syncrail/syncrail-engine/pkg/database"
	"github.com/syncrail/syncrail-engine/pkg/models"
)

// EntityRepository defines the interface for normalized entity persistence.
// All upserts run inside the caller's transaction so normalized rows and the
// raw record's status flip commit atomically. Re-running a transform on the
// same payload converges on identical rows.
type EntityRepository interface {
	UpsertProjects(ctx context.Context, tx pgx.Tx, tenantID int, projects []*models.Project) error
	UpsertWorkItemTypes(ctx context.Context, tx pgx.Tx, tenantID int, wits []*models.WorkItemType) error
	UpsertStatuses(ctx context.Context, tx pgx.Tx, tenantID int, statuses []*models.Status) error
	UpsertWorkItems(ctx context.Context, tx pgx.Tx, tenantID int, items []*models.WorkItem) error

	// MarkWorkItemDevChanges flags a work item as having linked dev activity
	// without touching any other column. A missing work item is not an
	// error; the flag lands when the issue itself arrives.
	MarkWorkItemDevChanges(ctx context.Context, tx pgx.Tx, tenantID int, integrationID uuid.UUID, workItemKey string) error
	UpsertChangelogs(ctx context.Context, tx pgx.Tx, tenantID int, entries []*models.Changelog) error
	UpsertRepositories(ctx context.Context, tx pgx.Tx, tenantID int, repos []*models.Repository) error
	UpsertPullRequests(ctx context.Context, tx pgx.Tx, tenantID int, prs []*models.PullRequest) error
	UpsertPRCommits(ctx context.Context, tx pgx.Tx, tenantID int, commits []*models.PRCommit) error
	UpsertPRReviews(ctx context.Context, tx pgx.Tx, tenantID int, reviews []*models.PRReview) error
	UpsertPRComments(ctx context.Context, tx pgx.Tx, tenantID int, comments []*models.PRComment) error

	// UpsertCrossLinks fills each link's internal id, which keys its
	// embedding lookup.
	UpsertCrossLinks(ctx context.Context, tx pgx.Tx, tenantID int, links []*models.CrossLink) error

	UpsertSprints(ctx context.Context, tx pgx.Tx, tenantID int, sprints []*models.Sprint) error

	// UpsertWorkItemSprints inserts memberships with ON CONFLICT DO NOTHING;
	// concurrent workers landing the same membership is not an error.
	UpsertWorkItemSprints(ctx context.Context, tx pgx.Tx, tenantID int, memberships []*models.WorkItemSprint) error

	// FetchForEmbedding retrieves one row of the named table by its
	// embedding key column as a column-to-value map. Returns
	// apperrors.ErrNotFound when the row does not exist.
	FetchForEmbedding(ctx context.Context, table, key string) (map[string]any, error)
}

type entityRepository struct{}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository() EntityRepository {
	return &entityRepository{}
}

var _ EntityRepository = (*entityRepository)(nil)

func (r *entityRepository) UpsertProjects(ctx context.Context, tx pgx.Tx, tenantID int, projects []*models.Project) error {
	batch := &pgx.Batch{}
	for _, p := range projects {
		batch.Queue(`
			INSERT INTO projects (tenant_id, integration_id, external_id, key, name, description, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET key = EXCLUDED.key, name = EXCLUDED.name, description = EXCLUDED.description,
				active = TRUE, last_updated_at = NOW()`,
			tenantID, p.IntegrationID, p.ExternalID, p.Key, p.Name, p.Description)
	}
	return sendBatch(ctx, tx, batch, "projects")
}

func (r *entityRepository) UpsertWorkItemTypes(ctx context.Context, tx pgx.Tx, tenantID int, wits []*models.WorkItemType) error {
	batch := &pgx.Batch{}
	for _, w := range wits {
		batch.Queue(`
			INSERT INTO wits (tenant_id, integration_id, external_id, name, description, subtask, wits_mapping_id, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description, subtask = EXCLUDED.subtask,
				wits_mapping_id = EXCLUDED.wits_mapping_id, active = TRUE, last_updated_at = NOW()`,
			tenantID, w.IntegrationID, w.ExternalID, w.Name, w.Description, w.Subtask, w.WITMappingID)
	}
	return sendBatch(ctx, tx, batch, "wits")
}

func (r *entityRepository) UpsertStatuses(ctx context.Context, tx pgx.Tx, tenantID int, statuses []*models.Status) error {
	batch := &pgx.Batch{}
	for _, s := range statuses {
		batch.Queue(`
			INSERT INTO statuses (tenant_id, integration_id, external_id, name, category, project_key, status_mapping_id, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category, project_key = EXCLUDED.project_key,
				status_mapping_id = EXCLUDED.status_mapping_id, active = TRUE, last_updated_at = NOW()`,
			tenantID, s.IntegrationID, s.ExternalID, s.Name, s.Category, s.ProjectKey, s.StatusMappingID)
	}
	return sendBatch(ctx, tx, batch, "statuses")
}

func (r *entityRepository) UpsertWorkItems(ctx context.Context, tx pgx.Tx, tenantID int, items []*models.WorkItem) error {
	batch := &pgx.Batch{}
	for _, w := range items {
		batch.Queue(`
			INSERT INTO work_items (tenant_id, integration_id, external_id, key, project_key, wit_external_id,
				status_name, summary, description, assignee, reporter, team, story_points, has_dev_changes,
				workflow_id, custom_fields, created_date, updated_date, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET key = EXCLUDED.key, project_key = EXCLUDED.project_key,
				wit_external_id = EXCLUDED.wit_external_id, status_name = EXCLUDED.status_name,
				summary = EXCLUDED.summary, description = EXCLUDED.description,
				assignee = EXCLUDED.assignee, reporter = EXCLUDED.reporter, team = EXCLUDED.team,
				story_points = EXCLUDED.story_points, has_dev_changes = work_items.has_dev_changes OR EXCLUDED.has_dev_changes,
				workflow_id = EXCLUDED.workflow_id, custom_fields = EXCLUDED.custom_fields,
				created_date = EXCLUDED.created_date, updated_date = EXCLUDED.updated_date,
				active = TRUE, last_updated_at = NOW()`,
			tenantID, w.IntegrationID, w.ExternalID, w.Key, w.ProjectKey, w.WITExternalID,
			w.StatusName, w.Summary, w.Description, w.Assignee, w.Reporter, w.Team, w.StoryPoints, w.HasDevChanges,
			w.WorkflowID, w.CustomFields, w.CreatedDate, w.UpdatedDate)
	}
	return sendBatch(ctx, tx, batch, "work_items")
}

func (r *entityRepository) MarkWorkItemDevChanges(ctx context.Context, tx pgx.Tx, tenantID int, integrationID uuid.UUID, workItemKey string) error {
	_, err := tx.Exec(ctx, `
		UPDATE work_items SET has_dev_changes = TRUE, last_updated_at = NOW()
		WHERE tenant_id = $1 AND integration_id = $2 AND key = $3`,
		tenantID, integrationID, workItemKey)
	if err != nil {
		return fmt.Errorf("failed to flag dev changes for %s: %w", workItemKey, err)
	}
	return nil
}

func (r *entityRepository) UpsertChangelogs(ctx context.Context, tx pgx.Tx, tenantID int, entries []*models.Changelog) error {
	batch := &pgx.Batch{}
	for _, c := range entries {
		batch.Queue(`
			INSERT INTO work_items_changelogs (tenant_id, integration_id, external_id, work_item_key, field,
				from_value, to_value, author, changed_at, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET work_item_key = EXCLUDED.work_item_key, field = EXCLUDED.field,
				from_value = EXCLUDED.from_value, to_value = EXCLUDED.to_value, author = EXCLUDED.author,
				changed_at = EXCLUDED.changed_at, active = TRUE, last_updated_at = NOW()`,
			tenantID, c.IntegrationID, c.ExternalID, c.WorkItemKey, c.Field,
			c.FromValue, c.ToValue, c.Author, c.ChangedAt)
	}
	return sendBatch(ctx, tx, batch, "work_items_changelogs")
}

func (r *entityRepository) UpsertRepositories(ctx context.Context, tx pgx.Tx, tenantID int, repos []*models.Repository) error {
	batch := &pgx.Batch{}
	for _, rp := range repos {
		batch.Queue(`
			INSERT INTO repos (tenant_id, integration_id, external_id, name, url, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET name = EXCLUDED.name, url = EXCLUDED.url, active = TRUE, last_updated_at = NOW()`,
			tenantID, rp.IntegrationID, rp.ExternalID, rp.Name, rp.URL)
	}
	return sendBatch(ctx, tx, batch, "repos")
}

func (r *entityRepository) UpsertPullRequests(ctx context.Context, tx pgx.Tx, tenantID int, prs []*models.PullRequest) error {
	batch := &pgx.Batch{}
	for _, pr := range prs {
		batch.Queue(`
			INSERT INTO prs (tenant_id, integration_id, external_id, repository_external_id, title, status,
				author, url, created_date, merged_date, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET repository_external_id = EXCLUDED.repository_external_id, title = EXCLUDED.title,
				status = EXCLUDED.status, author = EXCLUDED.author, url = EXCLUDED.url,
				created_date = EXCLUDED.created_date, merged_date = EXCLUDED.merged_date,
				active = TRUE, last_updated_at = NOW()`,
			tenantID, pr.IntegrationID, pr.ExternalID, pr.RepositoryID, pr.Title, pr.Status,
			pr.Author, pr.URL, pr.CreatedDate, pr.MergedDate)
	}
	return sendBatch(ctx, tx, batch, "prs")
}

func (r *entityRepository) UpsertPRCommits(ctx context.Context, tx pgx.Tx, tenantID int, commits []*models.PRCommit) error {
	batch := &pgx.Batch{}
	for _, c := range commits {
		batch.Queue(`
			INSERT INTO prs_commits (tenant_id, integration_id, external_id, pr_external_id, message, author,
				committed_date, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET pr_external_id = EXCLUDED.pr_external_id, message = EXCLUDED.message,
				author = EXCLUDED.author, committed_date = EXCLUDED.committed_date,
				active = TRUE, last_updated_at = NOW()`,
			tenantID, c.IntegrationID, c.ExternalID, c.PRExternalID, c.Message, c.Author, c.CommittedDate)
	}
	return sendBatch(ctx, tx, batch, "prs_commits")
}

func (r *entityRepository) UpsertPRReviews(ctx context.Context, tx pgx.Tx, tenantID int, reviews []*models.PRReview) error {
	batch := &pgx.Batch{}
	for _, rv := range reviews {
		batch.Queue(`
			INSERT INTO prs_reviews (tenant_id, integration_id, external_id, pr_external_id, state, reviewer,
				body, submitted_date, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET pr_external_id = EXCLUDED.pr_external_id, state = EXCLUDED.state,
				reviewer = EXCLUDED.reviewer, body = EXCLUDED.body, submitted_date = EXCLUDED.submitted_date,
				active = TRUE, last_updated_at = NOW()`,
			tenantID, rv.IntegrationID, rv.ExternalID, rv.PRExternalID, rv.State, rv.Reviewer, rv.Body, rv.SubmittedDate)
	}
	return sendBatch(ctx, tx, batch, "prs_reviews")
}

func (r *entityRepository) UpsertPRComments(ctx context.Context, tx pgx.Tx, tenantID int, comments []*models.PRComment) error {
	batch := &pgx.Batch{}
	for _, c := range comments {
		batch.Queue(`
			INSERT INTO prs_comments (tenant_id, integration_id, external_id, pr_external_id, author, body,
				created_date, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET pr_external_id = EXCLUDED.pr_external_id, author = EXCLUDED.author,
				body = EXCLUDED.body, created_date = EXCLUDED.created_date,
				active = TRUE, last_updated_at = NOW()`,
			tenantID, c.IntegrationID, c.ExternalID, c.PRExternalID, c.Author, c.Body, c.CreatedDate)
	}
	return sendBatch(ctx, tx, batch, "prs_comments")
}

func (r *entityRepository) UpsertCrossLinks(ctx context.Context, tx pgx.Tx, tenantID int, links []*models.CrossLink) error {
	// RETURNING id per row; ids key the embedding lookup downstream.
	for _, l := range links {
		err := tx.QueryRow(ctx, `
			INSERT INTO work_items_prs_links (tenant_id, integration_id, work_item_key, pr_external_id, active, last_updated_at)
			VALUES ($1, $2, $3, $4, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, work_item_key, pr_external_id)
			DO UPDATE SET active = TRUE, last_updated_at = NOW()
			RETURNING id`,
			tenantID, l.IntegrationID, l.WorkItemKey, l.PRExternalID,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("failed to upsert cross link: %w", err)
		}
		l.TenantID = tenantID
	}
	return nil
}

func (r *entityRepository) UpsertSprints(ctx context.Context, tx pgx.Tx, tenantID int, sprints []*models.Sprint) error {
	batch := &pgx.Batch{}
	for _, s := range sprints {
		batch.Queue(`
			INSERT INTO sprints (tenant_id, integration_id, external_id, board_id, name, state, goal,
				start_date, end_date, completed_points, committed_points, active, last_updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, NOW())
			ON CONFLICT (tenant_id, integration_id, external_id)
			DO UPDATE SET board_id = EXCLUDED.board_id, name = EXCLUDED.name, state = EXCLUDED.state,
				goal = EXCLUDED.goal, start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
				completed_points = COALESCE(EXCLUDED.completed_points, sprints.completed_points),
				committed_points = COALESCE(EXCLUDED.committed_points, sprints.committed_points),
				active = TRUE, last_updated_at = NOW()`,
			tenantID, s.IntegrationID, s.ExternalID, s.BoardID, s.Name, s.State, s.Goal,
			s.StartDate, s.EndDate, s.CompletedPoints, s.CommittedPoints)
	}
	return sendBatch(ctx, tx, batch, "sprints")
}

func (r *entityRepository) UpsertWorkItemSprints(ctx context.Context, tx pgx.Tx, tenantID int, memberships []*models.WorkItemSprint) error {
	batch := &pgx.Batch{}
	for _, m := range memberships {
		batch.Queue(`
			INSERT INTO work_items_sprints (tenant_id, integration_id, work_item_key, sprint_external_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, integration_id, work_item_key, sprint_external_id) DO NOTHING`,
			tenantID, m.IntegrationID, m.WorkItemKey, m.SprintExternalID)
	}
	return sendBatch(ctx, tx, batch, "work_items_sprints")
}

// embeddableTables is the closed set FetchForEmbedding accepts. Table names
// reach this layer from queue messages, so they are validated, never
// interpolated blindly.
var embeddableTables = map[string]struct{}{
	models.TableProjects:        {},
	models.TableWorkItemTypes:   {},
	models.TableStatuses:        {},
	models.TableWorkItems:       {},
	models.TableChangelogs:      {},
	models.TablePullRequests:    {},
	models.TablePRCommits:       {},
	models.TablePRReviews:       {},
	models.TablePRComments:      {},
	models.TableRepositories:    {},
	models.TableCrossLinks:      {},
	models.TableSprints:         {},
	models.TableWITHierarchies:  {},
	models.TableWITMappings:     {},
	models.TableStatusMappings:  {},
	models.TableWorkflows:       {},
}

func (r *entityRepository) FetchForEmbedding(ctx context.Context, table, key string) (map[string]any, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, apperrors.ErrNoTenantScope
	}
	if _, ok := embeddableTables[table]; !ok {
		return nil, fmt.Errorf("table %q is not embeddable", table)
	}

	keyField := models.EmbeddingKeyField(table)
	query := fmt.Sprintf(`SELECT * FROM %s WHERE tenant_id = $1 AND %s = $2 LIMIT 1`, table, keyField)

	rows, err := scope.Conn.Query(ctx, query, scope.TenantID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s row for embedding: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to fetch %s row for embedding: %w", table, err)
		}
		return nil, apperrors.ErrNotFound
	}

	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row values: %w", table, err)
	}
	row := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		row[fd.Name] = values[i]
	}
	return row, nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, table string) error {
	if batch.Len() == 0 {
		return nil
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", table, err)
		}
	}
	return nil
}
