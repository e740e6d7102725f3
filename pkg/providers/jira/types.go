package jira

import (
	"encoding/json"
	"time"
)

// Project is a Jira project with its issue types expanded. The same issue
// type appears under every project that uses it; transform deduplicates.
type Project struct {
	ID          string      `json:"id"`
	Key         string      `json:"key"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	IssueTypes  []IssueType `json:"issueTypes,omitempty"`
}

// IssueType is a Jira work-item type.
type IssueType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Subtask     bool   `json:"subtask"`
}

// ProjectStatuses is the per-project status listing: statuses grouped by
// issue type, as returned by /project/{key}/statuses.
type ProjectStatuses struct {
	ProjectKey string             `json:"projectKey"`
	IssueTypes []IssueTypeStatuses `json:"issueTypes"`
}

// IssueTypeStatuses groups statuses under one issue type.
type IssueTypeStatuses struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Statuses []Status `json:"statuses"`
}

// Status is a Jira workflow status.
type Status struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	StatusCategory *StatusCategory `json:"statusCategory,omitempty"`
}

// StatusCategory is Jira's coarse status grouping (To Do / In Progress / Done).
type StatusCategory struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// SearchRequest is the issue search call. JQL combines the project filter,
// the integration's base search filter, and the incremental watermark.
type SearchRequest struct {
	JQL        string   `json:"jql"`
	StartAt    int      `json:"startAt"`
	MaxResults int      `json:"maxResults"`
	Fields     []string `json:"fields,omitempty"`
	Expand     []string `json:"expand,omitempty"`
}

// SearchResponse is one page of issue search results.
type SearchResponse struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Issue is a Jira issue with raw fields preserved. Custom fields arrive
// with unpredictable value shapes, so Fields stays raw until transform
// flattens the mapped slots.
type Issue struct {
	ID        string                     `json:"id"`
	Key       string                     `json:"key"`
	Fields    map[string]json.RawMessage `json:"fields"`
	Changelog *Changelog                 `json:"changelog,omitempty"`
}

// Changelog is the issue change history.
type Changelog struct {
	Histories []ChangeHistory `json:"histories"`
}

// ChangeHistory is one changelog entry.
type ChangeHistory struct {
	ID      string       `json:"id"`
	Author  *User        `json:"author,omitempty"`
	Created string       `json:"created"`
	Items   []ChangeItem `json:"items"`
}

// ChangeItem is one field change within a history entry.
type ChangeItem struct {
	Field      string `json:"field"`
	FromString string `json:"fromString,omitempty"`
	ToString   string `json:"toString,omitempty"`
}

// User is a Jira user reference.
type User struct {
	AccountID   string `json:"accountId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// DevStatusResponse is the dev-status detail for one issue: repositories
// with their pull requests.
type DevStatusResponse struct {
	IssueID string          `json:"issueId"`
	// IssueKey is stamped by the caller before the payload is stored; the
	// dev-status endpoint itself only knows the numeric issue id.
	IssueKey string           `json:"issueKey,omitempty"`
	Detail   []DevStatusDetail `json:"detail"`
}

// DevStatusDetail is one application's contribution to dev-status.
type DevStatusDetail struct {
	Repositories []Repository  `json:"repositories"`
	PullRequests []PullRequest `json:"pullRequests"`
}

// Repository is a linked source repository.
type Repository struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// PullRequest is a linked code review.
type PullRequest struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       string     `json:"status,omitempty"`
	Author       *User      `json:"author,omitempty"`
	URL          string     `json:"url,omitempty"`
	RepositoryID string     `json:"repositoryId,omitempty"`
	LastUpdate   *time.Time `json:"lastUpdate,omitempty"`
	Commits      []Commit   `json:"commits,omitempty"`
	Reviewers    []Reviewer `json:"reviewers,omitempty"`
	Comments     []Comment  `json:"comments,omitempty"`
}

// Commit is one commit on a linked pull request.
type Commit struct {
	ID              string     `json:"id"`
	Message         string     `json:"message,omitempty"`
	Author          *User      `json:"author,omitempty"`
	AuthorTimestamp *time.Time `json:"authorTimestamp,omitempty"`
}

// Reviewer is one review participant on a linked pull request.
type Reviewer struct {
	Name     string `json:"name,omitempty"`
	Approved bool   `json:"approved"`
}

// Comment is one comment on a linked pull request.
type Comment struct {
	ID      string     `json:"id"`
	Author  *User      `json:"author,omitempty"`
	Body    string     `json:"body,omitempty"`
	Created *time.Time `json:"created,omitempty"`
}

// SprintReport is the per-(board, sprint) metrics document.
type SprintReport struct {
	BoardID int          `json:"boardId"`
	Sprint  ReportSprint `json:"sprint"`
	// CompletedEstimate and CommittedEstimate are story-point sums.
	CompletedEstimate *float64 `json:"completedEstimate,omitempty"`
	CommittedEstimate *float64 `json:"committedEstimate,omitempty"`
	Contents          *ReportContents `json:"contents,omitempty"`
}

// ReportContents lists the issues of a sprint report.
type ReportContents struct {
	CompletedIssues    []ReportIssue `json:"completedIssues,omitempty"`
	IssuesNotCompleted []ReportIssue `json:"issuesNotCompletedInCurrentSprint,omitempty"`
	PuntedIssues       []ReportIssue `json:"puntedIssues,omitempty"`
}

// ReportIssue is one issue reference inside a sprint report.
type ReportIssue struct {
	Key string `json:"key"`
}

// ReportSprint is the sprint block of a sprint report.
type ReportSprint struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	Goal      string `json:"goal,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// Field is a Jira field definition from the field listing; used by the
// custom-field discovery flow.
type Field struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
}
