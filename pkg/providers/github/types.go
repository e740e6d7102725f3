package github

import "time"

// Repository is one repository under the integration's organization.
type Repository struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	FullName string    `json:"full_name"`
	Private  bool      `json:"private"`
	HTMLURL  string    `json:"html_url"`
	Owner    User      `json:"owner"`
	PushedAt time.Time `json:"pushed_at"`
}

// User is a GitHub account reference.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
}

// PullRequest is one pull request, list form. Commits, reviews and comments
// are fetched separately and attached before the raw record is stored.
type PullRequest struct {
	ID        int64      `json:"id"`
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	HTMLURL   string     `json:"html_url"`
	User      User       `json:"user"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`

	// RepositoryID is stamped by the caller before the payload is stored;
	// the list endpoint response does not reference its repository.
	RepositoryID int64 `json:"attached_repository_id,omitempty"`

	Commits  []Commit  `json:"attached_commits,omitempty"`
	Reviews  []Review  `json:"attached_reviews,omitempty"`
	Comments []Comment `json:"attached_comments,omitempty"`
}

// Commit is one commit on a pull request.
type Commit struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
}

// Review is one review on a pull request.
type Review struct {
	ID          int64     `json:"id"`
	User        User      `json:"user"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Comment is one issue comment on a pull request.
type Comment struct {
	ID        int64     `json:"id"`
	User      User      `json:"user"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}
