package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// UpdateFunc mutates a loaded state inside a store's atomic unit. A non-nil
// Transition is appended to the history in the same unit. Returning an error
// aborts the update with nothing written.
type UpdateFunc func(st *State) (*Transition, error)

// Store is the durable ledger of pipeline states and their transition history.
type Store interface {
	// Insert persists a new state. It reports created=false, and writes
	// nothing, when a state with the same ID already exists.
	Insert(ctx context.Context, st *State) (created bool, err error)
	Get(ctx context.Context, id string) (*State, error)
	ListByStage(ctx context.Context, stage Stage) ([]State, error)
	// ListActive returns every state whose stage is not terminal.
	ListActive(ctx context.Context) ([]State, error)
	// Update runs fn against a copy of the stored state, then applies it
	// when the stored version equals expectedVersion and bumps the version by
	// exactly one. An error from fn wins over a version conflict. The
	// returned transition details are normalized with NormalizeDetails.
	Update(ctx context.Context, id string, expectedVersion int, fn UpdateFunc) (*State, error)
}

// Machine enforces the stage graph on top of a Store.
type Machine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a state machine backed by store.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Create starts tracking a work item in the pending stage. Creating an item
// that already exists returns the stored state unchanged.
func (m *Machine) Create(ctx context.Context, id, repository string) (*State, error) {
	if id == "" {
		return nil, fmt.Errorf("create state: empty issue id")
	}
	now := m.now()
	st := &State{
		ID:         id,
		Repository: repository,
		Stage:      StagePending,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		History:    []Transition{},
	}
	created, err := m.store.Insert(ctx, st)
	if err != nil {
		return nil, fmt.Errorf("create state %s: %w", id, err)
	}
	if !created {
		m.logger.Debug("pipeline state already exists", "issue_id", id)
		return m.store.Get(ctx, id)
	}
	m.logger.Info("pipeline state created", "issue_id", id, "repository", repository)
	return st, nil
}

// Transition moves a work item to stage to. (current, to) must be in the
// transition table, checked first, and the stored version must equal
// expectedVersion; otherwise nothing is written.
func (m *Machine) Transition(ctx context.Context, id string, to Stage, expectedVersion int, details map[string]any) (*State, error) {
	errText := detailError(details)
	if to == StageFailed && errText == "" {
		return nil, ErrMissingError
	}

	st, err := m.store.Update(ctx, id, expectedVersion, func(st *State) (*Transition, error) {
		if !ValidTransition(st.Stage, to) {
			return nil, &TransitionError{From: st.Stage, To: to}
		}
		normalized, err := NormalizeDetails(details)
		if err != nil {
			return nil, err
		}
		ts := m.stamp(st)
		tr := &Transition{From: st.Stage, To: to, Timestamp: ts, Details: normalized}
		if to == StageFailed {
			if tr.Details == nil {
				tr.Details = map[string]any{}
			}
			tr.Details["error"] = errText
		}
		st.Stage = to
		st.UpdatedAt = ts
		if to == StageFailed {
			st.Error = errText
		} else {
			st.Error = ""
		}
		return tr, nil
	})
	if err != nil {
		return nil, err
	}

	last := st.LastTransition()
	m.logger.Info("stage transition",
		"issue_id", id,
		"from_stage", last.From,
		"to_stage", last.To,
		"version", st.Version,
	)
	return st, nil
}

// SetClassification records the classifier result.
func (m *Machine) SetClassification(ctx context.Context, id string, expectedVersion int, c *Classification) (*State, error) {
	return m.store.Update(ctx, id, expectedVersion, func(st *State) (*Transition, error) {
		st.Classification = c
		st.UpdatedAt = m.stamp(st)
		return nil, nil
	})
}

// SetWorkspace records the provisioned workspace location.
func (m *Machine) SetWorkspace(ctx context.Context, id string, expectedVersion int, path string) (*State, error) {
	return m.store.Update(ctx, id, expectedVersion, func(st *State) (*Transition, error) {
		st.WorkspacePath = path
		st.UpdatedAt = m.stamp(st)
		return nil, nil
	})
}

// SetPullRequest records the change proposal produced for the item.
func (m *Machine) SetPullRequest(ctx context.Context, id string, expectedVersion int, pr PullRequestRef) (*State, error) {
	return m.store.Update(ctx, id, expectedVersion, func(st *State) (*Transition, error) {
		st.PullRequest = &pr
		st.UpdatedAt = m.stamp(st)
		return nil, nil
	})
}

// Get returns the state for id or ErrNotFound.
func (m *Machine) Get(ctx context.Context, id string) (*State, error) {
	return m.store.Get(ctx, id)
}

// ListByStage returns every state currently in stage.
func (m *Machine) ListByStage(ctx context.Context, stage Stage) ([]State, error) {
	return m.store.ListByStage(ctx, stage)
}

// ListActive returns every state not in a terminal stage.
func (m *Machine) ListActive(ctx context.Context) ([]State, error) {
	return m.store.ListActive(ctx)
}

// stamp returns the current time, never earlier than the state's last
// update or transition.
func (m *Machine) stamp(st *State) time.Time {
	now := m.now()
	floor := st.UpdatedAt
	if last := st.LastTransition(); last != nil && last.Timestamp.After(floor) {
		floor = last.Timestamp
	}
	if now.Before(floor) {
		return floor
	}
	return now
}

// NormalizeDetails returns a copy of details in the shape it has after a JSON
// round trip, so numbers come back as float64 and structs as maps. Stores
// apply it before returning a written transition so the result matches a
// later Get.
func NormalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode transition details: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode transition details: %w", err)
	}
	return out, nil
}

func detailError(details map[string]any) string {
	if details == nil {
		return ""
	}
	switch v := details["error"].(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
