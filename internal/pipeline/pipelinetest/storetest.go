// Package pipelinetest holds behaviour tests shared by every pipeline.Store
// implementation.
package pipelinetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

// NewState returns a fresh pending state for id.
func NewState(id string, created time.Time) *pipeline.State {
	return &pipeline.State{
		ID:         id,
		Repository: "org/repo",
		Stage:      pipeline.StagePending,
		Version:    1,
		CreatedAt:  created,
		UpdatedAt:  created,
		History:    []pipeline.Transition{},
	}
}

func moveTo(to pipeline.Stage, at time.Time, details map[string]any) pipeline.UpdateFunc {
	return func(st *pipeline.State) (*pipeline.Transition, error) {
		tr := &pipeline.Transition{From: st.Stage, To: to, Timestamp: at, Details: details}
		st.Stage = to
		st.UpdatedAt = at
		return tr, nil
	}
}

// RunStoreTests exercises the Store contract against stores built by newStore.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) pipeline.Store) {
	t.Helper()
	base := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)

	t.Run("InsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Insert(ctx, NewState("org/repo#1", base))
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if !created {
			t.Fatal("first Insert reported created=false")
		}

		dup := NewState("org/repo#1", base.Add(time.Hour))
		dup.Repository = "other/repo"
		created, err = s.Insert(ctx, dup)
		if err != nil {
			t.Fatalf("second Insert: %v", err)
		}
		if created {
			t.Fatal("second Insert reported created=true")
		}

		got, err := s.Get(ctx, "org/repo#1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Repository != "org/repo" {
			t.Errorf("Repository = %q, want original %q", got.Repository, "org/repo")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "org/repo#404")
		if !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("Get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("UpdateBumpsVersionAndAppendsHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#2", base))

		st, err := s.Update(ctx, "org/repo#2", 1, moveTo(pipeline.StageIntake, base.Add(time.Second), map[string]any{"note": "go"}))
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if st.Version != 2 {
			t.Errorf("Version = %d, want 2", st.Version)
		}
		if len(st.History) != 1 {
			t.Fatalf("len(History) = %d, want 1", len(st.History))
		}

		got, err := s.Get(ctx, "org/repo#2")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Stage != pipeline.StageIntake {
			t.Errorf("Stage = %q, want intake", got.Stage)
		}
		if got.Version != 2 {
			t.Errorf("stored Version = %d, want 2", got.Version)
		}
		if len(got.History) != 1 || got.History[0].Details["note"] != "go" {
			t.Errorf("History = %+v, want one entry with note=go", got.History)
		}
	})

	t.Run("UpdateWithoutTransitionKeepsHistory", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#3", base))

		st, err := s.Update(ctx, "org/repo#3", 1, func(st *pipeline.State) (*pipeline.Transition, error) {
			st.WorkspacePath = "/ws/org_repo_3"
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if st.Version != 2 || len(st.History) != 0 {
			t.Errorf("Version=%d len(History)=%d, want 2 and 0", st.Version, len(st.History))
		}
	})

	t.Run("UpdateVersionConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#4", base))

		_, err := s.Update(ctx, "org/repo#4", 7, moveTo(pipeline.StageIntake, base, nil))
		if !errors.Is(err, pipeline.ErrVersionConflict) {
			t.Fatalf("Update error = %v, want ErrVersionConflict", err)
		}
		assertUnchanged(t, s, "org/repo#4", 1, pipeline.StagePending, 0)
	})

	t.Run("UpdateFuncErrorWritesNothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#5", base))

		boom := errors.New("boom")
		_, err := s.Update(ctx, "org/repo#5", 1, func(st *pipeline.State) (*pipeline.Transition, error) {
			st.Stage = pipeline.StageCompleted
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update error = %v, want boom", err)
		}
		assertUnchanged(t, s, "org/repo#5", 1, pipeline.StagePending, 0)
	})

	t.Run("UpdateFuncErrorBeatsVersionConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#7", base))

		boom := errors.New("boom")
		_, err := s.Update(ctx, "org/repo#7", 5, func(st *pipeline.State) (*pipeline.Transition, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Update error = %v, want boom", err)
		}
		if errors.Is(err, pipeline.ErrVersionConflict) {
			t.Error("fn error reported as a version conflict")
		}
		assertUnchanged(t, s, "org/repo#7", 1, pipeline.StagePending, 0)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), "org/repo#999", 1, moveTo(pipeline.StageIntake, base, nil))
		if !errors.Is(err, pipeline.ErrNotFound) {
			t.Fatalf("Update error = %v, want ErrNotFound", err)
		}
	})

	t.Run("ListByStageAndActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 1; i <= 4; i++ {
			mustInsert(t, s, NewState(fmt.Sprintf("org/repo#%d", i), base.Add(time.Duration(i)*time.Minute)))
		}
		if _, err := s.Update(ctx, "org/repo#2", 1, moveTo(pipeline.StageIntake, base.Add(time.Hour), nil)); err != nil {
			t.Fatalf("Update #2: %v", err)
		}
		if _, err := s.Update(ctx, "org/repo#3", 1, moveTo(pipeline.StageFailed, base.Add(time.Hour), map[string]any{"error": "x"})); err != nil {
			t.Fatalf("Update #3: %v", err)
		}

		pending, err := s.ListByStage(ctx, pipeline.StagePending)
		if err != nil {
			t.Fatalf("ListByStage: %v", err)
		}
		if ids := idsOf(pending); !reflect.DeepEqual(ids, []string{"org/repo#1", "org/repo#4"}) {
			t.Errorf("pending ids = %v, want [org/repo#1 org/repo#4]", ids)
		}

		active, err := s.ListActive(ctx)
		if err != nil {
			t.Fatalf("ListActive: %v", err)
		}
		if ids := idsOf(active); !reflect.DeepEqual(ids, []string{"org/repo#1", "org/repo#2", "org/repo#4"}) {
			t.Errorf("active ids = %v, want [org/repo#1 org/repo#2 org/repo#4]", ids)
		}

		none, err := s.ListByStage(ctx, pipeline.StageCompleted)
		if err != nil {
			t.Fatalf("ListByStage completed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("completed = %v, want none", idsOf(none))
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#6", base))

		at := base.Add(2 * time.Second)
		want, err := s.Update(ctx, "org/repo#6", 1, func(st *pipeline.State) (*pipeline.Transition, error) {
			st.Stage = pipeline.StageIntake
			st.UpdatedAt = at
			st.WorkspacePath = "/ws/org_repo_6"
			st.PullRequest = &pipeline.PullRequestRef{Number: 12, URL: "https://example.test/pr/12"}
			st.Classification = &pipeline.Classification{
				IssueType:              pipeline.IssueBug,
				Requirements:           []string{"fix crash"},
				AffectedPackages:       []string{"core"},
				CompletenessScore:      4,
				ClarificationQuestions: []string{},
				Confidence:             0.75,
				Reasoning:              "clear",
			}
			return &pipeline.Transition{From: pipeline.StagePending, To: pipeline.StageIntake, Timestamp: at, Details: map[string]any{"source": "webhook", "completeness_score": 2}}, nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}

		got, err := s.Get(ctx, "org/repo#6")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		assertStatesEqual(t, got, want)
	})

	t.Run("ConcurrentUpdateSameVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		mustInsert(t, s, NewState("org/repo#42", base))

		const workers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			conflicts int
			others    []error
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "org/repo#42", 1, moveTo(pipeline.StageIntake, base.Add(time.Second), nil))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case errors.Is(err, pipeline.ErrVersionConflict):
					conflicts++
				default:
					others = append(others, err)
				}
			}()
		}
		wg.Wait()

		if len(others) > 0 {
			t.Fatalf("unexpected errors: %v", others)
		}
		if successes != 1 || conflicts != workers-1 {
			t.Errorf("successes=%d conflicts=%d, want 1 and %d", successes, conflicts, workers-1)
		}
		assertUnchanged(t, s, "org/repo#42", 2, pipeline.StageIntake, 1)
	})
}

func mustInsert(t *testing.T, s pipeline.Store, st *pipeline.State) {
	t.Helper()
	if _, err := s.Insert(context.Background(), st); err != nil {
		t.Fatalf("Insert %s: %v", st.ID, err)
	}
}

func assertUnchanged(t *testing.T, s pipeline.Store, id string, version int, stage pipeline.Stage, history int) {
	t.Helper()
	got, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s: %v", id, err)
	}
	if got.Version != version || got.Stage != stage || len(got.History) != history {
		t.Errorf("state = (v%d, %s, %d transitions), want (v%d, %s, %d transitions)",
			got.Version, got.Stage, len(got.History), version, stage, history)
	}
}

func idsOf(states []pipeline.State) []string {
	ids := make([]string, 0, len(states))
	for _, st := range states {
		ids = append(ids, st.ID)
	}
	return ids
}

func assertStatesEqual(t *testing.T, got, want *pipeline.State) {
	t.Helper()
	if got.ID != want.ID || got.Repository != want.Repository || got.Stage != want.Stage {
		t.Errorf("identity = (%s, %s, %s), want (%s, %s, %s)", got.ID, got.Repository, got.Stage, want.ID, want.Repository, want.Stage)
	}
	if got.Version != want.Version {
		t.Errorf("Version = %d, want %d", got.Version, want.Version)
	}
	if got.WorkspacePath != want.WorkspacePath || got.Error != want.Error {
		t.Errorf("WorkspacePath/Error = %q/%q, want %q/%q", got.WorkspacePath, got.Error, want.WorkspacePath, want.Error)
	}
	if !reflect.DeepEqual(got.PullRequest, want.PullRequest) {
		t.Errorf("PullRequest = %+v, want %+v", got.PullRequest, want.PullRequest)
	}
	if !reflect.DeepEqual(got.Classification, want.Classification) {
		t.Errorf("Classification = %+v, want %+v", got.Classification, want.Classification)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) || !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("timestamps = %v/%v, want %v/%v", got.CreatedAt, got.UpdatedAt, want.CreatedAt, want.UpdatedAt)
	}
	if len(got.History) != len(want.History) {
		t.Fatalf("len(History) = %d, want %d", len(got.History), len(want.History))
	}
	for i := range want.History {
		g, w := got.History[i], want.History[i]
		if g.From != w.From || g.To != w.To || !g.Timestamp.Equal(w.Timestamp) || !reflect.DeepEqual(g.Details, w.Details) {
			t.Errorf("History[%d] = %+v, want %+v", i, g, w)
		}
	}
}
