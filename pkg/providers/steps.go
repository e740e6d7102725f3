// Package providers holds the source-provider clients, their declared step
// sequences, and the shared rate-limit registry. Step sequences are ordered
// data, never inferred at runtime.
package providers

import (
	"fmt"

	"github.com/syncrail/syncrail-engine/pkg/models"
)

// Jira extraction steps, in execution order.
const (
	StepJiraProjectsAndIssueTypes = "jira_projects_and_issue_types"
	StepJiraStatusesAndRelations  = "jira_statuses_and_relationships"
	StepJiraIssuesWithChangelogs  = "jira_issues_with_changelogs"
	StepJiraDevStatus             = "jira_dev_status"
	StepJiraSprintReports         = "jira_sprint_reports"
)

// GitHub extraction steps, in execution order.
const (
	StepGitHubRepositories = "github_repositories"
	StepGitHubPullRequests = "github_pull_requests"
)

// Payload types written to raw_extraction_data and threaded through queue
// envelopes. A closed, tagged set: the transform worker dispatches on these.
const (
	PayloadJiraProject         = "jira_project"
	PayloadJiraProjectStatuses = "jira_project_statuses"
	PayloadJiraIssue           = "jira_issue"
	PayloadJiraDevStatus       = "jira_dev_status"
	PayloadJiraSprintReport    = "jira_sprint_report"
	PayloadJiraCustomFields    = "jira_custom_fields"
	PayloadGitHubRepository    = "github_repository"
	PayloadGitHubPullRequest   = "github_pull_request"
)

var stepSequences = map[models.Provider][]string{
	models.ProviderJira: {
		StepJiraProjectsAndIssueTypes,
		StepJiraStatusesAndRelations,
		StepJiraIssuesWithChangelogs,
		StepJiraDevStatus,
		StepJiraSprintReports,
	},
	models.ProviderGitHub: {
		StepGitHubRepositories,
		StepGitHubPullRequests,
	},
}

// Sequence returns the ordered step list for a provider.
func Sequence(provider models.Provider) ([]string, error) {
	seq, ok := stepSequences[provider]
	if !ok {
		return nil, fmt.Errorf("no step sequence declared for provider %q", provider)
	}
	return seq, nil
}

// FirstStep returns the first step of the provider's sequence.
func FirstStep(provider models.Provider) (string, error) {
	seq, err := Sequence(provider)
	if err != nil {
		return "", err
	}
	return seq[0], nil
}

// NextStep returns the step following the given one, or ok=false when the
// given step is terminal.
func NextStep(provider models.Provider, step string) (next string, ok bool, err error) {
	seq, err := Sequence(provider)
	if err != nil {
		return "", false, err
	}
	for i, s := range seq {
		if s == step {
			if i+1 < len(seq) {
				return seq[i+1], true, nil
			}
			return "", false, nil
		}
	}
	return "", false, fmt.Errorf("step %q is not part of the %s sequence", step, provider)
}

// IsTerminalStep reports whether the step is the last of its provider's
// sequence; its last message carries last_job_item.
func IsTerminalStep(provider models.Provider, step string) (bool, error) {
	seq, err := Sequence(provider)
	if err != nil {
		return false, err
	}
	for i, s := range seq {
		if s == step {
			return i == len(seq)-1, nil
		}
	}
	return false, fmt.Errorf("step %q is not part of the %s sequence", step, provider)
}
