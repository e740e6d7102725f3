package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/providers"
)

const maxErrorBodyBytes = 2048

// Client calls the Jira REST API for one integration. Credentials are the
// already-decrypted basic-auth pair; the client never sees ciphertext.
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a Jira client bound to one integration's base URL and
// credentials.
func NewClient(baseURL, username, apiToken string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		username:   username,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// GetProjects lists all visible projects with their issue types expanded.
func (c *Client) GetProjects(ctx context.Context) ([]Project, error) {
	q := url.Values{"expand": {"issueTypes,description"}}
	var projects []Project
	if err := c.get(ctx, "/rest/api/2/project", q, &projects); err != nil {
		return nil, fmt.Errorf("failed to get projects: %w", err)
	}
	return projects, nil
}

// GetProjectStatuses lists the statuses of one project, grouped by issue type.
func (c *Client) GetProjectStatuses(ctx context.Context, projectKey string) (*ProjectStatuses, error) {
	var issueTypes []IssueTypeStatuses
	path := "/rest/api/2/project/" + url.PathEscape(projectKey) + "/statuses"
	if err := c.get(ctx, path, nil, &issueTypes); err != nil {
		return nil, fmt.Errorf("failed to get statuses for project %s: %w", projectKey, err)
	}
	return &ProjectStatuses{ProjectKey: projectKey, IssueTypes: issueTypes}, nil
}

// SearchIssues runs one page of a JQL search.
func (c *Client) SearchIssues(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}
	var resp SearchResponse
	if err := c.post(ctx, "/rest/api/2/search", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to search issues: %w", err)
	}
	return &resp, nil
}

// GetDevStatus fetches the development-status detail (linked repositories
// and pull requests) for one issue.
func (c *Client) GetDevStatus(ctx context.Context, issueID string) (*DevStatusResponse, error) {
	q := url.Values{
		"issueId":         {issueID},
		"applicationType": {"GitHub"},
		"dataType":        {"pullrequest"},
	}
	var resp DevStatusResponse
	if err := c.get(ctx, "/rest/dev-status/1.0/issue/detail", q, &resp); err != nil {
		return nil, fmt.Errorf("failed to get dev status for issue %s: %w", issueID, err)
	}
	resp.IssueID = issueID
	return &resp, nil
}

// GetSprintReport fetches the sprint report for one (board, sprint) pair.
func (c *Client) GetSprintReport(ctx context.Context, boardID, sprintID int) (*SprintReport, error) {
	q := url.Values{
		"rapidViewId": {strconv.Itoa(boardID)},
		"sprintId":    {strconv.Itoa(sprintID)},
	}
	var report SprintReport
	if err := c.get(ctx, "/rest/greenhopper/1.0/rapid/charts/sprintreport", q, &report); err != nil {
		return nil, fmt.Errorf("failed to get sprint report for board %d sprint %d: %w", boardID, sprintID, err)
	}
	report.BoardID = boardID
	return &report, nil
}

// GetBoardSprints lists sprints on a board, paging until exhausted.
func (c *Client) GetBoardSprints(ctx context.Context, boardID int) ([]ReportSprint, error) {
	var all []ReportSprint
	startAt := 0
	for {
		q := url.Values{"startAt": {strconv.Itoa(startAt)}}
		var page struct {
			Values []ReportSprint `json:"values"`
			IsLast bool           `json:"isLast"`
		}
		path := "/rest/agile/1.0/board/" + strconv.Itoa(boardID) + "/sprint"
		if err := c.get(ctx, path, q, &page); err != nil {
			return nil, fmt.Errorf("failed to list sprints for board %d: %w", boardID, err)
		}
		all = append(all, page.Values...)
		if page.IsLast || len(page.Values) == 0 {
			break
		}
		startAt += len(page.Values)
	}
	return all, nil
}

// GetFields lists all field definitions, custom fields included.
func (c *Client) GetFields(ctx context.Context) ([]Field, error) {
	var fields []Field
	if err := c.get(ctx, "/rest/api/2/field", nil, &fields); err != nil {
		return nil, fmt.Errorf("failed to get fields: %w", err)
	}
	return fields, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.apiToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	op := "jira " + method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.WrapTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn("jira request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return providers.WrapHTTPError(op, resp.StatusCode, string(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
