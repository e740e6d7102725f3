package github

import (
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

const (
	defaultBaseURL    = "https://api.github.com"
	pageSize          = 100
	maxErrorBodyBytes = 2048
)

// Client calls the GitHub REST API for one integration, authenticated with
// the integration's decrypted personal access token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a GitHub client. baseURL may be empty for github.com;
// GitHub Enterprise installs pass their API root.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// ListRepositories pages through all repositories of one organization.
func (c *Client) ListRepositories(ctx context.Context, org string) ([]Repository, error) {
	var all []Repository
	for page := 1; ; page++ {
		q := url.Values{
			"per_page": {strconv.Itoa(pageSize)},
			"page":     {strconv.Itoa(page)},
			"sort":     {"pushed"},
		}
		var repos []Repository
		path := "/orgs/" + url.PathEscape(org) + "/repos"
		if err := c.get(ctx, path, q, &repos); err != nil {
			return nil, fmt.Errorf("failed to list repositories for %s: %w", org, err)
		}
		all = append(all, repos...)
		if len(repos) < pageSize {
			return all, nil
		}
	}
}

// ListPullRequests pages through pull requests of one repository updated
// since the watermark, newest first. Paging stops at the first PR older
// than since; the listing is sorted by update time so everything after it
// is older too.
func (c *Client) ListPullRequests(ctx context.Context, owner, repo string, since time.Time) ([]PullRequest, error) {
	var all []PullRequest
	for page := 1; ; page++ {
		q := url.Values{
			"state":     {"all"},
			"sort":      {"updated"},
			"direction": {"desc"},
			"per_page":  {strconv.Itoa(pageSize)},
			"page":      {strconv.Itoa(page)},
		}
		var prs []PullRequest
		path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/pulls"
		if err := c.get(ctx, path, q, &prs); err != nil {
			return nil, fmt.Errorf("failed to list pull requests for %s/%s: %w", owner, repo, err)
		}
		for _, pr := range prs {
			if !since.IsZero() && pr.UpdatedAt.Before(since) {
				return all, nil
			}
			all = append(all, pr)
		}
		if len(prs) < pageSize {
			return all, nil
		}
	}
}

// ListPullRequestCommits lists the commits of one pull request.
func (c *Client) ListPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]Commit, error) {
	var commits []Commit
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", url.PathEscape(owner), url.PathEscape(repo), number)
	if err := c.get(ctx, path, pagedQuery(), &commits); err != nil {
		return nil, fmt.Errorf("failed to list commits for %s/%s#%d: %w", owner, repo, number, err)
	}
	return commits, nil
}

// ListPullRequestReviews lists the reviews of one pull request.
func (c *Client) ListPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]Review, error) {
	var reviews []Review
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", url.PathEscape(owner), url.PathEscape(repo), number)
	if err := c.get(ctx, path, pagedQuery(), &reviews); err != nil {
		return nil, fmt.Errorf("failed to list reviews for %s/%s#%d: %w", owner, repo, number, err)
	}
	return reviews, nil
}

// ListPullRequestComments lists the issue comments of one pull request.
func (c *Client) ListPullRequestComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	var comments []Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", url.PathEscape(owner), url.PathEscape(repo), number)
	if err := c.get(ctx, path, pagedQuery(), &comments); err != nil {
		return nil, fmt.Errorf("failed to list comments for %s/%s#%d: %w", owner, repo, number, err)
	}
	return comments, nil
}

func pagedQuery() url.Values {
	return url.Values{"per_page": {strconv.Itoa(pageSize)}}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	op := "github GET " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.WrapTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn("github request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return providers.WrapHTTPError(op, resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
