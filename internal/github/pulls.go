package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

// PullRequestRequest describes a pull request to open.
type PullRequestRequest struct {
	Title     string
	Body      string
	Head      string
	Base      string
	Labels    []string
	Reviewers []string
}

// PullRequest is a created pull request.
type PullRequest struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

// Ref converts the pull request into the pipeline's reference.
func (p *PullRequest) Ref() *pipeline.PullRequestRef {
	return &pipeline.PullRequestRef{Number: p.Number, URL: p.HTMLURL}
}

// CreatePullRequest opens a pull request and then applies labels and
// reviewers. If an open pull request for the head branch already exists it is
// returned instead. Label and reviewer failures are logged, not returned: the
// pull request already exists at that point.
func (c *Client) CreatePullRequest(ctx context.Context, owner, repo string, req PullRequestRequest) (*PullRequest, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("create pull request: empty title")
	}
	if req.Head == "" || req.Base == "" {
		return nil, fmt.Errorf("create pull request: head and base are required")
	}

	var pr PullRequest
	err := c.do(ctx, http.MethodPost, repoPath(owner, repo)+"/pulls", map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
	}, &pr)
	if err != nil {
		existing, findErr := c.FindPullRequest(ctx, owner, repo, req.Head)
		if findErr != nil || existing == nil {
			return nil, fmt.Errorf("create pull request: %w", err)
		}
		c.logger.Info("pull request already open", "repository", owner+"/"+repo, "head", req.Head, "number", existing.Number)
		pr = *existing
	}

	if err := c.AddLabels(ctx, owner, repo, pr.Number, req.Labels); err != nil {
		c.logger.Warn("label pull request", "number", pr.Number, "error", err)
	}
	if err := c.RequestReviewers(ctx, owner, repo, pr.Number, req.Reviewers); err != nil {
		c.logger.Warn("request reviewers", "number", pr.Number, "error", err)
	}
	return &pr, nil
}

// RequestReviewers asks users, or "org/team" teams, to review a pull request.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	if err := ValidateIssueNumber(number); err != nil {
		return err
	}
	users, teams := []string{}, []string{}
	for _, r := range reviewers {
		if _, team, ok := strings.Cut(r, "/"); ok {
			teams = append(teams, team)
		} else {
			users = append(users, r)
		}
	}
	path := fmt.Sprintf("%s/pulls/%d/requested_reviewers", repoPath(owner, repo), number)
	err := c.do(ctx, http.MethodPost, path, map[string][]string{"reviewers": users, "team_reviewers": teams}, nil)
	if err != nil {
		return fmt.Errorf("request reviewers on #%d: %w", number, err)
	}
	return nil
}

// FindPullRequest returns the open pull request for head, or nil if none exists.
func (c *Client) FindPullRequest(ctx context.Context, owner, repo, head string) (*PullRequest, error) {
	q := url.Values{"head": {owner + ":" + head}, "state": {"open"}, "per_page": {"1"}}
	var prs []PullRequest
	if err := c.do(ctx, http.MethodGet, repoPath(owner, repo)+"/pulls?"+q.Encode(), nil, &prs); err != nil {
		return nil, fmt.Errorf("find pull request for %s: %w", head, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return &prs[0], nil
}

// BranchName is the head branch used for an item's pull request.
func BranchName(owner, repo string, number int) string {
	return fmt.Sprintf("autopr/%s/%s/%d", owner, repo, number)
}

const maxLogExcerpt = 3000

// BuildPullRequest renders the pull request for item. The body always closes
// the originating issue so GitHub links the two.
func BuildPullRequest(item *pipeline.WorkItem, cls *pipeline.Classification, executionLog, base string) PullRequestRequest {
	var b strings.Builder
	fmt.Fprintf(&b, "## Summary\n\nAutomated implementation of #%d: %s\n\nCloses #%d\n", item.Number, item.Title, item.Number)

	if cls != nil {
		b.WriteString("\n## Classification\n\n")
		fmt.Fprintf(&b, "- **Type:** %s\n", cls.IssueType)
		fmt.Fprintf(&b, "- **Completeness:** %d/5\n", cls.CompletenessScore)
		fmt.Fprintf(&b, "- **Confidence:** %.2f\n", cls.Confidence)
		if len(cls.AffectedPackages) > 0 {
			fmt.Fprintf(&b, "- **Affected Packages:** %s\n", strings.Join(cls.AffectedPackages, ", "))
		}
		if len(cls.Requirements) > 0 {
			b.WriteString("\n## Requirements\n\n")
			for _, r := range cls.Requirements {
				b.WriteString("- " + r + "\n")
			}
		}
	}

	if ac := extractAcceptanceCriteria(item.Body); ac != "" {
		b.WriteString("\n## Acceptance Criteria\n\n" + ac + "\n")
	}

	if excerpt := logExcerpt(executionLog); excerpt != "" {
		b.WriteString("\n## Execution Log\n\n<details>\n<summary>Tool output (tail)</summary>\n\n````\n")
		b.WriteString(excerpt)
		b.WriteString("\n````\n\n</details>\n")
	}

	b.WriteString("\n---\n\n*This pull request was opened automatically by autopr.*\n")

	return PullRequestRequest{
		Title: fmt.Sprintf("%s (#%d)", item.Title, item.Number),
		Body:  b.String(),
		Head:  BranchName(item.Owner, item.Repo, item.Number),
		Base:  base,
	}
}

// logExcerpt keeps the tail of the log, which is where tools report results.
func logExcerpt(log string) string {
	log = strings.TrimSpace(log)
	if len(log) <= maxLogExcerpt {
		return log
	}
	return "...\n" + log[len(log)-maxLogExcerpt:]
}
