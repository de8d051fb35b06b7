package github

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

// Issue represents a GitHub issue.
type Issue struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Body   string  `json:"body"`
	State  string  `json:"state"`
	Labels []Label `json:"labels"`
	User   User    `json:"user"`
	// PullRequest is set when the "issue" is a pull request.
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// Label represents a GitHub label.
type Label struct {
	Name string `json:"name"`
}

// User is a GitHub account.
type User struct {
	Login string `json:"login"`
}

// LabelNames returns the issue's label names.
func (i *Issue) LabelNames() []string {
	names := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		names = append(names, l.Name)
	}
	return names
}

// WorkItem converts the issue into a pipeline work item.
func (i *Issue) WorkItem(owner, repo string, action pipeline.Action) *pipeline.WorkItem {
	return &pipeline.WorkItem{
		Action: action,
		Owner:  owner,
		Repo:   repo,
		Number: i.Number,
		Title:  i.Title,
		Body:   i.Body,
		Labels: i.LabelNames(),
		Author: i.User.Login,
	}
}

// GetIssue fetches an issue by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	if err := ValidateIssueNumber(number); err != nil {
		return nil, err
	}
	var issue Issue
	path := fmt.Sprintf("%s/issues/%d", repoPath(owner, repo), number)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue #%d: %w", number, err)
	}
	return &issue, nil
}

var acHeaderRe = regexp.MustCompile(`(?mi)^##\s+acceptance\s+criteria`)
var checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
var nextHeaderRe = regexp.MustCompile(`(?m)^##\s+`)

// extractAcceptanceCriteria pulls the "## Acceptance Criteria" section out of
// an issue body, falling back to any checkbox list.
func extractAcceptanceCriteria(body string) string {
	if loc := acHeaderRe.FindStringIndex(body); loc != nil {
		section := body[loc[1]:]
		if next := nextHeaderRe.FindStringIndex(section); next != nil {
			section = section[:next[0]]
		}
		return strings.TrimSpace(section)
	}

	matches := checkboxRe.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return ""
	}
	criteria := make([]string, 0, len(matches))
	for _, m := range matches {
		criteria = append(criteria, "- "+m[1])
	}
	return strings.Join(criteria, "\n")
}
