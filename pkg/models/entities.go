package models

import (
	"time"

	"github.com/google/uuid"
)

// Normalized entities. Every row carries (tenant_id, integration_id,
// active); rows with a provider-native identifier carry external_id and are
// unique on (tenant_id, integration_id, external_id) within their table.

// Project is a provider project (Jira project, GitHub organization scope).
type Project struct {
	TenantID      int       `json:"tenant_id"`
	ID            uuid.UUID `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	ExternalID    string    `json:"external_id"`
	Key           string    `json:"key"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// WorkItemType is a provider issue type (WIT).
type WorkItemType struct {
	TenantID      int       `json:"tenant_id"`
	ID            uuid.UUID `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	ExternalID    string    `json:"external_id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Subtask       bool      `json:"subtask"`
	WITMappingID  *int64    `json:"wits_mapping_id,omitempty"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Status is a provider workflow status scoped to a project.
type Status struct {
	TenantID        int       `json:"tenant_id"`
	ID              uuid.UUID `json:"id"`
	IntegrationID   uuid.UUID `json:"integration_id"`
	ExternalID      string    `json:"external_id"`
	Name            string    `json:"name"`
	Category        string    `json:"category,omitempty"`
	ProjectKey      string    `json:"project_key,omitempty"`
	StatusMappingID *int64    `json:"status_mapping_id,omitempty"`
	Active          bool      `json:"active"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// WorkItem is a normalized issue with flattened custom-field slots.
type WorkItem struct {
	TenantID      int        `json:"tenant_id"`
	ID            uuid.UUID  `json:"id"`
	IntegrationID uuid.UUID  `json:"integration_id"`
	ExternalID    string     `json:"external_id"`
	Key           string     `json:"key"`
	ProjectKey    string     `json:"project_key"`
	WITExternalID string     `json:"wit_external_id,omitempty"`
	StatusName    string     `json:"status_name,omitempty"`
	Summary       string     `json:"summary"`
	Description   string     `json:"description,omitempty"`
	Assignee      string     `json:"assignee,omitempty"`
	Reporter      string     `json:"reporter,omitempty"`
	Team          string     `json:"team,omitempty"`
	StoryPoints   *float64   `json:"story_points,omitempty"`
	HasDevChanges bool       `json:"has_dev_changes"`
	WorkflowID    *int64     `json:"workflow_id,omitempty"`
	CustomFields  []byte     `json:"custom_fields,omitempty"`
	CreatedDate   *time.Time `json:"created_date,omitempty"`
	UpdatedDate   *time.Time `json:"updated_date,omitempty"`
	Active        bool       `json:"active"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// Changelog is one issue changelog entry.
type Changelog struct {
	TenantID        int       `json:"tenant_id"`
	ID              uuid.UUID `json:"id"`
	IntegrationID   uuid.UUID `json:"integration_id"`
	ExternalID      string    `json:"external_id"`
	WorkItemKey     string    `json:"work_item_key"`
	Field           string    `json:"field"`
	FromValue       string    `json:"from_value,omitempty"`
	ToValue         string    `json:"to_value,omitempty"`
	Author          string    `json:"author,omitempty"`
	ChangedAt       time.Time `json:"changed_at"`
	Active          bool      `json:"active"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// Repository is a source-control repository seen in dev-status payloads.
type Repository struct {
	TenantID      int       `json:"tenant_id"`
	ID            uuid.UUID `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	ExternalID    string    `json:"external_id"`
	Name          string    `json:"name"`
	URL           string    `json:"url,omitempty"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// PullRequest is a normalized code review.
type PullRequest struct {
	TenantID      int        `json:"tenant_id"`
	ID            uuid.UUID  `json:"id"`
	IntegrationID uuid.UUID  `json:"integration_id"`
	ExternalID    string     `json:"external_id"`
	RepositoryID  string     `json:"repository_external_id,omitempty"`
	Title         string     `json:"title"`
	Status        string     `json:"status,omitempty"`
	Author        string     `json:"author,omitempty"`
	URL           string     `json:"url,omitempty"`
	CreatedDate   *time.Time `json:"created_date,omitempty"`
	MergedDate    *time.Time `json:"merged_date,omitempty"`
	Active        bool       `json:"active"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// PRCommit is one commit attached to a pull request.
type PRCommit struct {
	TenantID      int        `json:"tenant_id"`
	ID            uuid.UUID  `json:"id"`
	IntegrationID uuid.UUID  `json:"integration_id"`
	ExternalID    string     `json:"external_id"`
	PRExternalID  string     `json:"pr_external_id"`
	Message       string     `json:"message,omitempty"`
	Author        string     `json:"author,omitempty"`
	CommittedDate *time.Time `json:"committed_date,omitempty"`
	Active        bool       `json:"active"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// PRReview is one review on a pull request.
type PRReview struct {
	TenantID      int        `json:"tenant_id"`
	ID            uuid.UUID  `json:"id"`
	IntegrationID uuid.UUID  `json:"integration_id"`
	ExternalID    string     `json:"external_id"`
	PRExternalID  string     `json:"pr_external_id"`
	State         string     `json:"state,omitempty"`
	Reviewer      string     `json:"reviewer,omitempty"`
	Body          string     `json:"body,omitempty"`
	SubmittedDate *time.Time `json:"submitted_date,omitempty"`
	Active        bool       `json:"active"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// PRComment is one comment on a pull request.
type PRComment struct {
	TenantID      int        `json:"tenant_id"`
	ID            uuid.UUID  `json:"id"`
	IntegrationID uuid.UUID  `json:"integration_id"`
	ExternalID    string     `json:"external_id"`
	PRExternalID  string     `json:"pr_external_id"`
	Author        string     `json:"author,omitempty"`
	Body          string     `json:"body,omitempty"`
	CreatedDate   *time.Time `json:"created_date,omitempty"`
	Active        bool       `json:"active"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// CrossLink binds a work item to a pull request. It has no provider-native
// identifier; its internal id keys the embedding lookup.
type CrossLink struct {
	TenantID      int       `json:"tenant_id"`
	ID            int64     `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	WorkItemKey   string    `json:"work_item_key"`
	PRExternalID  string    `json:"pr_external_id"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Sprint is a provider sprint with metrics filled in by the sprint-report
// step.
type Sprint struct {
	TenantID        int        `json:"tenant_id"`
	ID              uuid.UUID  `json:"id"`
	IntegrationID   uuid.UUID  `json:"integration_id"`
	ExternalID      string     `json:"external_id"`
	BoardID         int        `json:"board_id,omitempty"`
	Name            string     `json:"name"`
	State           string     `json:"state,omitempty"`
	Goal            string     `json:"goal,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	CompletedPoints *float64   `json:"completed_points,omitempty"`
	CommittedPoints *float64   `json:"committed_points,omitempty"`
	Active          bool       `json:"active"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
}

// WorkItemSprint is sprint membership; the upsert is ON CONFLICT DO NOTHING
// so concurrent transform workers stay race-safe.
type WorkItemSprint struct {
	TenantID         int       `json:"tenant_id"`
	IntegrationID    uuid.UUID `json:"integration_id"`
	WorkItemKey      string    `json:"work_item_key"`
	SprintExternalID string    `json:"sprint_external_id"`
}

// Mapping tables. These are created by the external CRUD surface; the core
// resolves lookups against them (case-insensitive) and mirrors their active
// flag into the bridge.

// WITHierarchy is a level in the tenant's work-item-type hierarchy.
type WITHierarchy struct {
	TenantID      int       `json:"tenant_id"`
	ID            int64     `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	Name          string    `json:"name"`
	Level         int       `json:"level"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// WITMapping maps a provider WIT name onto a hierarchy level.
type WITMapping struct {
	TenantID       int       `json:"tenant_id"`
	ID             int64     `json:"id"`
	IntegrationID  uuid.UUID `json:"integration_id"`
	Name           string    `json:"name"`
	WITHierarchyID *int64    `json:"wits_hierarchy_id,omitempty"`
	Active         bool      `json:"active"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
}

// StatusMapping maps a provider status name onto a canonical status.
type StatusMapping struct {
	TenantID      int       `json:"tenant_id"`
	ID            int64     `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	Name          string    `json:"name"`
	Canonical     string    `json:"canonical"`
	WorkflowID    *int64    `json:"workflow_id,omitempty"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// WorkflowDef is a named status workflow.
type WorkflowDef struct {
	TenantID      int       `json:"tenant_id"`
	ID            int64     `json:"id"`
	IntegrationID uuid.UUID `json:"integration_id"`
	Name          string    `json:"name"`
	Active        bool      `json:"active"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
