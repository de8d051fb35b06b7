// Package intake validates inbound issue events and normalizes them into
// pipeline work items.
package intake

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

// DeliveryWindow is how long delivery IDs are remembered for replay detection.
const DeliveryWindow = time.Hour

var (
	// ErrInvalidPayload marks a payload that cannot become a work item.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnsupportedAction marks a well-formed event the pipeline does not handle.
	ErrUnsupportedAction = errors.New("unsupported action")
)

// FieldError names the payload field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid payload: %s %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidPayload }

func invalid(field, reason string) error {
	return &FieldError{Field: field, Reason: reason}
}

var supportedActions = map[pipeline.Action]bool{
	pipeline.ActionOpened:  true,
	pipeline.ActionEdited:  true,
	pipeline.ActionLabeled: true,
}

// Handler parses issue events and remembers recent delivery IDs.
type Handler struct {
	secret []byte
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// NewHandler creates a Handler. An empty secret disables signature checks.
func NewHandler(secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:     []byte(secret),
		logger:     logger,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
}

// SignatureRequired reports whether requests must carry a valid signature.
func (h *Handler) SignatureRequired() bool {
	return len(h.secret) > 0
}

// Verify checks an X-Hub-Signature-256 header against body. It always
// succeeds when no secret is configured.
func (h *Handler) Verify(body []byte, signature string) error {
	if !h.SignatureRequired() {
		return nil
	}
	return VerifySignature(h.secret, body, signature)
}

// Duplicate records deliveryID and reports whether it was already seen
// within DeliveryWindow. Empty IDs are never duplicates.
func (h *Handler) Duplicate(deliveryID string) bool {
	if deliveryID == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, at := range h.deliveries {
		if now.Sub(at) > DeliveryWindow {
			delete(h.deliveries, id)
		}
	}
	if _, ok := h.deliveries[deliveryID]; ok {
		return true
	}
	h.deliveries[deliveryID] = now
	return false
}

// Forget drops deliveryID so a redelivery is accepted again.
func (h *Handler) Forget(deliveryID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.deliveries, deliveryID)
}

type userPayload struct {
	Login string `json:"login"`
}

// labelPayload accepts a label object ({"name": "bug"}) or a bare string.
type labelPayload struct {
	Name string
}

func (l *labelPayload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		l.Name = s
		return nil
	}
	var obj struct {
		Name any `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		if name, ok := obj.Name.(string); ok {
			l.Name = name
		}
	}
	// Anything else is skipped rather than rejecting the whole event.
	return nil
}

type issuesPayload struct {
	Action string `json:"action"`
	Issue  *struct {
		Number json.RawMessage `json:"number"`
		Title  any             `json:"title"`
		Body   any             `json:"body"`
		Labels json.RawMessage `json:"labels"`
		User   *userPayload    `json:"user"`
	} `json:"issue"`
	Repository *struct {
		Name  any          `json:"name"`
		Owner *userPayload `json:"owner"`
	} `json:"repository"`
}

// Parse turns a GitHub "issues" webhook payload into a work item. Errors wrap
// ErrInvalidPayload or ErrUnsupportedAction.
func (h *Handler) Parse(payload []byte) (*pipeline.WorkItem, error) {
	var p issuesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Action == "" {
		return nil, invalid("action", "is missing")
	}
	action := pipeline.Action(p.Action)
	if !supportedActions[action] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAction, p.Action)
	}
	if p.Issue == nil {
		return nil, invalid("issue", "is missing")
	}
	if p.Repository == nil {
		return nil, invalid("repository", "is missing")
	}

	number, err := parseNumber(p.Issue.Number)
	if err != nil {
		return nil, err
	}

	title, ok := p.Issue.Title.(string)
	if !ok || strings.TrimSpace(title) == "" {
		return nil, invalid("issue.title", "must be a non-empty string")
	}

	body, ok := p.Issue.Body.(string)
	if !ok && p.Issue.Body != nil {
		h.logger.Warn("issue body is not a string, treating as empty", "type", fmt.Sprintf("%T", p.Issue.Body))
	}

	if p.Issue.User == nil || strings.TrimSpace(p.Issue.User.Login) == "" {
		return nil, invalid("issue.user.login", "must be a non-empty string")
	}

	repoName, ok := p.Repository.Name.(string)
	if !ok || strings.TrimSpace(repoName) == "" {
		return nil, invalid("repository.name", "must be a non-empty string")
	}
	if p.Repository.Owner == nil || strings.TrimSpace(p.Repository.Owner.Login) == "" {
		return nil, invalid("repository.owner.login", "must be a non-empty string")
	}

	item := &pipeline.WorkItem{
		Action: action,
		Owner:  strings.TrimSpace(p.Repository.Owner.Login),
		Repo:   strings.TrimSpace(repoName),
		Number: number,
		Title:  strings.TrimSpace(title),
		Body:   body,
		Labels: parseLabels(p.Issue.Labels),
		Author: strings.TrimSpace(p.Issue.User.Login),
	}
	h.logger.Info("parsed issue event", "action", item.Action, "issue_id", item.ID())
	return item, nil
}

// Validate applies the webhook rules to an already normalized work item and
// trims its fields in place.
func Validate(item *pipeline.WorkItem) error {
	if item == nil {
		return fmt.Errorf("%w: empty work item", ErrInvalidPayload)
	}
	if !supportedActions[item.Action] {
		return fmt.Errorf("%w: %q", ErrUnsupportedAction, item.Action)
	}
	if item.Number <= 0 {
		return invalid("number", "must be a positive integer")
	}
	item.Title = strings.TrimSpace(item.Title)
	item.Owner = strings.TrimSpace(item.Owner)
	item.Repo = strings.TrimSpace(item.Repo)
	item.Author = strings.TrimSpace(item.Author)
	switch {
	case item.Title == "":
		return invalid("title", "must not be blank")
	case item.Owner == "":
		return invalid("owner", "must not be blank")
	case item.Repo == "" || strings.Contains(item.Repo, "/"):
		return invalid("repo", "must be a bare repository name")
	case item.Author == "":
		return invalid("author", "must not be blank")
	}
	labels := item.Labels[:0]
	for _, l := range item.Labels {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	item.Labels = labels
	if item.Labels == nil {
		item.Labels = []string{}
	}
	return nil
}

func parseNumber(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, invalid("issue.number", "is missing")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, invalid("issue.number", "is malformed")
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, invalid("issue.number", "must be an integer")
	}
	i, err := n.Int64()
	if err != nil {
		return 0, invalid("issue.number", "must be an integer")
	}
	if i <= 0 {
		return 0, invalid("issue.number", "must be positive")
	}
	return int(i), nil
}

func parseLabels(raw json.RawMessage) []string {
	labels := []string{}
	if len(raw) == 0 {
		return labels
	}
	var entries []labelPayload
	if err := json.Unmarshal(raw, &entries); err != nil {
		return labels
	}
	for _, l := range entries {
		if name := strings.TrimSpace(l.Name); name != "" {
			labels = append(labels, name)
		}
	}
	return labels
}
