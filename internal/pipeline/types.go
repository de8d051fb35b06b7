package pipeline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Stage is a step of the issue pipeline.
type Stage string

const (
	StagePending        Stage = "pending"
	StageIntake         Stage = "intake"
	StageClarification  Stage = "clarification"
	StageProvisioning   Stage = "provisioning"
	StageImplementation Stage = "implementation"
	StagePRCreation     Stage = "pr_creation"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StagePending,
	StageIntake,
	StageClarification,
	StageProvisioning,
	StageImplementation,
	StagePRCreation,
	StageCompleted,
	StageFailed,
}

// ParseStage returns the Stage named s.
func ParseStage(s string) (Stage, error) {
	for _, st := range Stages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Terminal reports whether no automatic transition leaves the stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// IssueType is the category assigned by the classifier.
type IssueType string

const (
	IssueFeature        IssueType = "feature"
	IssueBug            IssueType = "bug"
	IssueDocumentation  IssueType = "documentation"
	IssueInfrastructure IssueType = "infrastructure"
	IssueUnknown        IssueType = "unknown"
)

// Classification is the structured result of analysing a work item.
type Classification struct {
	IssueType              IssueType `json:"issue_type"`
	Requirements           []string  `json:"requirements"`
	AffectedPackages       []string  `json:"affected_packages"`
	CompletenessScore      int       `json:"completeness_score"`
	ClarificationQuestions []string  `json:"clarification_questions"`
	Confidence             float64   `json:"confidence"`
	Reasoning              string    `json:"reasoning,omitempty"`
}

// NeedsClarification reports whether the item is too incomplete to implement.
func (c *Classification) NeedsClarification() bool {
	return c.CompletenessScore < 3
}

// PullRequestRef identifies the change proposal produced for a work item.
type PullRequestRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Transition is one append-only entry in a work item's stage history.
type Transition struct {
	From      Stage          `json:"from_stage"`
	To        Stage          `json:"to_stage"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// State is the persisted pipeline state for a single work item.
type State struct {
	ID             string          `json:"issue_id"`
	Repository     string          `json:"repository"`
	Stage          Stage           `json:"current_stage"`
	Classification *Classification `json:"classification,omitempty"`
	WorkspacePath  string          `json:"workspace_path,omitempty"`
	PullRequest    *PullRequestRef `json:"pull_request,omitempty"`
	Error          string          `json:"error,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	History        []Transition    `json:"state_history"`
}

// LastTransition returns the most recent history entry, or nil.
func (s *State) LastTransition() *Transition {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s *State) Clone() *State {
	cp := *s
	if s.Classification != nil {
		c := *s.Classification
		c.Requirements = append([]string(nil), s.Classification.Requirements...)
		c.AffectedPackages = append([]string(nil), s.Classification.AffectedPackages...)
		c.ClarificationQuestions = append([]string(nil), s.Classification.ClarificationQuestions...)
		cp.Classification = &c
	}
	if s.PullRequest != nil {
		pr := *s.PullRequest
		cp.PullRequest = &pr
	}
	cp.History = make([]Transition, len(s.History))
	for i, t := range s.History {
		cp.History[i] = t
		if t.Details != nil {
			d := make(map[string]any, len(t.Details))
			for k, v := range t.Details {
				d[k] = v
			}
			cp.History[i].Details = d
		}
	}
	return &cp
}

// Action is the kind of inbound work-item event.
type Action string

const (
	ActionOpened  Action = "opened"
	ActionEdited  Action = "edited"
	ActionLabeled Action = "labeled"
)

// WorkItem is the canonical representation of an inbound issue event.
type WorkItem struct {
	Action Action   `json:"action"`
	Owner  string   `json:"owner"`
	Repo   string   `json:"repo"`
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	Author string   `json:"author"`
}

// ID returns the work item identity "{owner}/{repo}#{number}".
func (w *WorkItem) ID() string {
	return FormatID(w.Owner, w.Repo, w.Number)
}

// Repository returns "{owner}/{repo}".
func (w *WorkItem) Repository() string {
	return w.Owner + "/" + w.Repo
}

// HasLabel reports whether the item carries the named label.
func (w *WorkItem) HasLabel(name string) bool {
	for _, l := range w.Labels {
		if l == name {
			return true
		}
	}
	return false
}

// FormatID builds a work item identity.
func FormatID(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// ParseID splits "{owner}/{repo}#{number}" into its parts.
func ParseID(id string) (owner, repo string, number int, err error) {
	hash := strings.LastIndex(id, "#")
	if hash < 0 {
		return "", "", 0, fmt.Errorf("invalid issue id %q: missing '#'", id)
	}
	slug, num := id[:hash], id[hash+1:]
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", 0, fmt.Errorf("invalid issue id %q: want owner/repo#number", id)
	}
	number, err = strconv.Atoi(num)
	if err != nil || number <= 0 {
		return "", "", 0, fmt.Errorf("invalid issue id %q: bad number", id)
	}
	return owner, repo, number, nil
}
