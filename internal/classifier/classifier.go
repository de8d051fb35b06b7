// Package classifier turns issue text into a structured classification using
// a language model, and keeps the clarification request on the issue in sync
// with it.
package classifier

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/tidwall/jsonc"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

//go:embed prompts/system.md
var systemPrompt string

//go:embed prompts/user.tmpl
var userPromptSrc string

var userPrompt = template.Must(template.New("user").
	Funcs(template.FuncMap{"join": strings.Join}).
	Option("missingkey=error").
	Parse(userPromptSrc))

// DefaultQuestions are asked when an incomplete item comes back without questions.
var DefaultQuestions = []string{
	"Could you provide more details about the expected behavior?",
	"What specific changes or features are you requesting?",
}

// FallbackQuestions are asked when the model could not classify the item at all.
var FallbackQuestions = []string{
	"Could you provide more details about what you're trying to accomplish?",
	"What is the expected behavior or outcome?",
}

// Classifier analyses issues with an LLM.
type Classifier struct {
	llm    LLM
	logger *slog.Logger
}

// New creates a Classifier over llm.
func New(llm LLM, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: llm, logger: logger}
}

// Classify analyses the issue. It never fails: when the model is unreachable or
// its reply cannot be understood the fallback classification is returned and a
// warning is logged.
func (c *Classifier) Classify(ctx context.Context, title, body string, labels []string) pipeline.Classification {
	prompt, err := renderUserPrompt(title, body, labels)
	if err != nil {
		return c.degraded(title, "render prompt", err)
	}

	reply, err := c.llm.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		return c.degraded(title, "llm request", err)
	}

	cls, err := Parse(reply)
	if err != nil {
		c.logger.Debug("unparseable classifier reply", "reply", truncate(reply, 500))
		return c.degraded(title, "parse reply", err)
	}

	c.logger.Info("issue classified",
		"title", title,
		"issue_type", cls.IssueType,
		"completeness_score", cls.CompletenessScore,
		"confidence", cls.Confidence,
	)
	return cls
}

func (c *Classifier) degraded(title, step string, err error) pipeline.Classification {
	c.logger.Warn("ClassificationDegraded: using fallback classification",
		"title", title, "step", step, "error", err)
	return Fallback()
}

// Fallback is the classification used when the model gives no usable answer.
func Fallback() pipeline.Classification {
	return pipeline.Classification{
		IssueType:              pipeline.IssueUnknown,
		Requirements:           []string{},
		AffectedPackages:       []string{},
		CompletenessScore:      1,
		ClarificationQuestions: append([]string(nil), FallbackQuestions...),
		Confidence:             0,
		Reasoning:              "classification unavailable",
	}
}

func renderUserPrompt(title, body string, labels []string) (string, error) {
	var buf bytes.Buffer
	err := userPrompt.Execute(&buf, struct {
		Title  string
		Body   string
		Labels []string
	}{title, strings.TrimSpace(body), labels})
	if err != nil {
		return "", fmt.Errorf("execute user prompt: %w", err)
	}
	return buf.String(), nil
}

// Parse extracts a classification from a model reply. Markdown fences and any
// text around the first JSON object are ignored, and comments or trailing
// commas inside it are tolerated. Field values are normalised so the result
// always satisfies the classification invariants.
func Parse(reply string) (pipeline.Classification, error) {
	obj, err := extractObject(stripFences(reply))
	if err != nil {
		return pipeline.Classification{}, err
	}

	var data map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(obj)), &data); err != nil {
		return pipeline.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	return normalize(data), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = s[len("```json"):]
	} else if strings.HasPrefix(s, "```") {
		s = s[3:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced {...} in s, skipping braces inside strings.
func extractObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", errors.New("no JSON object in reply")
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", errors.New("unterminated JSON object in reply")
}

func normalize(data map[string]any) pipeline.Classification {
	cls := pipeline.Classification{
		IssueType:              parseIssueType(data["issue_type"]),
		Requirements:           stringList(data["requirements"]),
		AffectedPackages:       stringList(data["affected_packages"]),
		CompletenessScore:      min(max(toInt(data["completeness_score"], 1), 1), 5),
		ClarificationQuestions: stringList(data["clarification_questions"]),
		Confidence:             min(max(toFloat(data["confidence"]), 0), 1),
	}
	if s, ok := data["reasoning"].(string); ok {
		cls.Reasoning = strings.TrimSpace(s)
	}

	if cls.NeedsClarification() {
		if len(cls.ClarificationQuestions) == 0 {
			cls.ClarificationQuestions = append([]string(nil), DefaultQuestions...)
		}
	} else {
		cls.ClarificationQuestions = []string{}
	}
	return cls
}

func parseIssueType(v any) pipeline.IssueType {
	s, _ := v.(string)
	switch t := pipeline.IssueType(strings.ToLower(strings.TrimSpace(s))); t {
	case pipeline.IssueFeature, pipeline.IssueBug, pipeline.IssueDocumentation, pipeline.IssueInfrastructure:
		return t
	}
	return pipeline.IssueUnknown
}

func stringList(v any) []string {
	out := []string{}
	items, ok := v.([]any)
	if !ok {
		return out
	}
	for _, item := range items {
		var s string
		switch x := item.(type) {
		case string:
			s = x
		case float64, bool:
			s = fmt.Sprint(x)
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toInt(v any, def int) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return int(f)
		}
	}
	return def
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return 0
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
