package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

// ClarificationLabel marks issues waiting on their author.
const ClarificationLabel = "needs-clarification"

const clarificationHeader = "## 🤖 Clarification Needed\n\n" +
	"Thank you for submitting this issue! Before I can proceed with implementation, " +
	"I need some additional information. Please address the following questions:\n\n"

const clarificationFooter = "\n---\n\n" +
	"*Once you've provided the requested information, I'll re-evaluate the issue " +
	"and proceed with implementation if the details are sufficient.*\n"

// IssueWriter is the subset of the GitHub client the clarifier needs.
type IssueWriter interface {
	CreateComment(ctx context.Context, owner, repo string, number int, body string) error
	AddLabel(ctx context.Context, owner, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error
}

// Clarifier keeps the clarification comment and label in line with a classification.
type Clarifier struct {
	gh     IssueWriter
	logger *slog.Logger
}

// NewClarifier creates a Clarifier posting through gh.
func NewClarifier(gh IssueWriter, logger *slog.Logger) *Clarifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Clarifier{gh: gh, logger: logger}
}

// Update asks for clarification when the classification is incomplete and
// withdraws the request otherwise. It reports whether clarification was requested.
func (c *Clarifier) Update(ctx context.Context, owner, repo string, number int, cls *pipeline.Classification) (bool, error) {
	if cls == nil {
		return false, fmt.Errorf("update clarification: nil classification")
	}

	if !cls.NeedsClarification() {
		if err := c.gh.RemoveLabel(ctx, owner, repo, number, ClarificationLabel); err != nil {
			return false, fmt.Errorf("remove %s label: %w", ClarificationLabel, err)
		}
		return false, nil
	}

	if comment := FormatClarificationComment(cls.ClarificationQuestions); comment != "" {
		if err := c.gh.CreateComment(ctx, owner, repo, number, comment); err != nil {
			return true, fmt.Errorf("post clarification comment: %w", err)
		}
	}
	if err := c.gh.AddLabel(ctx, owner, repo, number, ClarificationLabel); err != nil {
		return true, fmt.Errorf("add %s label: %w", ClarificationLabel, err)
	}
	c.logger.Info("clarification requested",
		"issue_id", pipeline.FormatID(owner, repo, number),
		"questions", len(cls.ClarificationQuestions))
	return true, nil
}

// FormatClarificationComment renders questions as a markdown checklist. It
// returns "" when no question survives sanitising.
func FormatClarificationComment(questions []string) string {
	var items []string
	for _, q := range questions {
		if q = sanitizeQuestion(q); q != "" {
			items = append(items, "- [ ] "+q)
		}
	}
	if len(items) == 0 {
		return ""
	}
	return clarificationHeader + strings.Join(items, "\n") + "\n" + clarificationFooter
}

// sanitizeQuestion flattens a question onto one line.
func sanitizeQuestion(q string) string {
	return strings.Join(strings.Fields(q), " ")
}
