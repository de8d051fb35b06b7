package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachine(NewFileStore(t.TempDir()), nil)
}

// pathTo lists the transitions that take a fresh item from pending to stage.
var pathTo = map[Stage][]Stage{
	StagePending:        nil,
	StageIntake:         {StageIntake},
	StageClarification:  {StageIntake, StageClarification},
	StageProvisioning:   {StageIntake, StageProvisioning},
	StageImplementation: {StageIntake, StageProvisioning, StageImplementation},
	StagePRCreation:     {StageIntake, StageProvisioning, StageImplementation, StagePRCreation},
	StageCompleted:      {StageIntake, StageProvisioning, StageImplementation, StagePRCreation, StageCompleted},
	StageFailed:         {StageFailed},
}

func driveTo(t *testing.T, m *Machine, id string, stage Stage) *State {
	t.Helper()
	ctx := context.Background()
	st, err := m.Create(ctx, id, "org/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, next := range pathTo[stage] {
		var details map[string]any
		if next == StageFailed {
			details = map[string]any{"error": "setup failure"}
		}
		st, err = m.Transition(ctx, id, next, st.Version, details)
		if err != nil {
			t.Fatalf("Transition to %s: %v", next, err)
		}
	}
	return st
}

func TestCreate_Idempotent(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	first, err := m.Create(ctx, "org/repo#42", "org/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if first.Stage != StagePending || first.Version != 1 {
		t.Errorf("new state = (%s, v%d), want (pending, v1)", first.Stage, first.Version)
	}

	moved, err := m.Transition(ctx, "org/repo#42", StageIntake, 1, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}

	again, err := m.Create(ctx, "org/repo#42", "org/repo")
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if again.Stage != StageIntake || again.Version != moved.Version {
		t.Errorf("re-create returned (%s, v%d), want existing (intake, v%d)", again.Stage, again.Version, moved.Version)
	}
}

func TestTransition_RejectsEveryIllegalPair(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()

	for _, from := range Stages {
		for _, to := range Stages {
			if ValidTransition(from, to) {
				continue
			}
			id := "org/repo#" + string(from) + "-" + string(to)
			before := driveTo(t, m, id, from)

			details := map[string]any{"error": "boom"}
			_, err := m.Transition(ctx, id, to, before.Version, details)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: error = %v, want ErrInvalidTransition", from, to, err)
			}

			after, err := m.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if after.Stage != before.Stage || after.Version != before.Version || len(after.History) != len(before.History) {
				t.Errorf("%s -> %s: state changed to (%s, v%d, %d transitions)", from, to, after.Stage, after.Version, len(after.History))
			}
		}
	}
}

func TestTransition_InvalidErrorNamesStages(t *testing.T) {
	m := newTestMachine(t)
	st := driveTo(t, m, "org/repo#1", StagePending)

	_, err := m.Transition(context.Background(), "org/repo#1", StageCompleted, st.Version, nil)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *TransitionError", err)
	}
	if te.From != StagePending || te.To != StageCompleted {
		t.Errorf("TransitionError = %s -> %s, want pending -> completed", te.From, te.To)
	}
}

func TestTransition_VersionAndHistory(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#2", StagePending)

	for _, next := range pathTo[StageCompleted] {
		prev := st
		var err error
		st, err = m.Transition(ctx, "org/repo#2", next, prev.Version, map[string]any{"step": string(next)})
		if err != nil {
			t.Fatalf("Transition to %s: %v", next, err)
		}
		if st.Version != prev.Version+1 {
			t.Errorf("%s: version = %d, want %d", next, st.Version, prev.Version+1)
		}
		if len(st.History) != len(prev.History)+1 {
			t.Fatalf("%s: history length = %d, want %d", next, len(st.History), len(prev.History)+1)
		}
		last := st.LastTransition()
		if last.From != prev.Stage || last.To != next {
			t.Errorf("last transition = %s -> %s, want %s -> %s", last.From, last.To, prev.Stage, next)
		}
		if p := prev.LastTransition(); p != nil && last.Timestamp.Before(p.Timestamp) {
			t.Errorf("%s: timestamp %v before previous %v", next, last.Timestamp, p.Timestamp)
		}
		if st.UpdatedAt.Before(prev.UpdatedAt) {
			t.Errorf("%s: updated_at went backwards", next)
		}
	}
	if st.Stage != StageCompleted {
		t.Errorf("final stage = %s, want completed", st.Stage)
	}
}

func TestTransition_ClockSkewNeverMovesBackwards(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#3", StageIntake)

	past := st.UpdatedAt.Add(-time.Hour)
	m.now = func() time.Time { return past }

	next, err := m.Transition(ctx, "org/repo#3", StageProvisioning, st.Version, nil)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if next.LastTransition().Timestamp.Before(st.LastTransition().Timestamp) {
		t.Error("transition timestamp earlier than previous transition")
	}
	if next.UpdatedAt.Before(st.UpdatedAt) {
		t.Error("updated_at earlier than before")
	}
}

func TestTransition_FailedRequiresError(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#4", StageIntake)

	for _, details := range []map[string]any{nil, {}, {"error": ""}, {"error": "   "}} {
		_, err := m.Transition(ctx, "org/repo#4", StageFailed, st.Version, details)
		if !errors.Is(err, ErrMissingError) {
			t.Errorf("details %v: error = %v, want ErrMissingError", details, err)
		}
	}

	failed, err := m.Transition(ctx, "org/repo#4", StageFailed, st.Version, map[string]any{"error": errors.New("classification: llm down")})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if failed.Error != "classification: llm down" {
		t.Errorf("Error = %q, want %q", failed.Error, "classification: llm down")
	}
	if got := failed.LastTransition().Details["error"]; got != "classification: llm down" {
		t.Errorf("transition details error = %v", got)
	}
}

func TestTransition_ManualRecoveryClearsError(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#5", StageFailed)
	if st.Error == "" {
		t.Fatal("failed state has empty error")
	}

	st, err := m.Transition(ctx, "org/repo#5", StagePending, st.Version, map[string]any{"reason": "manual retry"})
	if err != nil {
		t.Fatalf("Transition failed -> pending: %v", err)
	}
	if st.Error != "" {
		t.Errorf("Error = %q after recovery, want empty", st.Error)
	}
}

func TestTransition_VersionConflict(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#6", StageIntake)

	_, err := m.Transition(ctx, "org/repo#6", StageProvisioning, st.Version-1, nil)
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConflictError", err)
	}
	if ce.Expected != st.Version-1 || ce.Actual != st.Version {
		t.Errorf("ConflictError = %+v", ce)
	}
	if !errors.Is(err, ErrVersionConflict) {
		t.Error("ConflictError does not match ErrVersionConflict")
	}
}

func TestTransition_IllegalPairWithStaleVersion(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#16", StageCompleted)

	_, err := m.Transition(ctx, "org/repo#16", StageIntake, st.Version-1, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
	if errors.Is(err, ErrVersionConflict) {
		t.Error("illegal pair reported as a version conflict")
	}

	got, err := m.Get(ctx, "org/repo#16")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Stage != StageCompleted || got.Version != st.Version || len(got.History) != len(st.History) {
		t.Errorf("state changed: stage=%s version=%d history=%d", got.Stage, got.Version, len(got.History))
	}
}

func TestTransition_ConcurrentSameExpectedVersion(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#42", StageProvisioning)
	if st.Version != 3 {
		t.Fatalf("setup version = %d, want 3", st.Version)
	}

	type outcome struct {
		st  *State
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Transition(ctx, "org/repo#42", StageImplementation, 3, nil)
			results <- outcome{s, err}
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for r := range results {
		switch {
		case r.err == nil:
			ok++
			if r.st.Version != 4 {
				t.Errorf("winner version = %d, want 4", r.st.Version)
			}
		case errors.Is(r.err, ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", r.err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Errorf("ok=%d conflicts=%d, want 1 and 1", ok, conflicts)
	}
}

func TestTransition_DetailsMatchStoredForm(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st, err := m.Create(ctx, "org/repo#17", "org/repo")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	details := map[string]any{"completeness_score": 2, "labels": []string{"bug"}}
	st, err = m.Transition(ctx, "org/repo#17", StageIntake, st.Version, details)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got, err := m.Get(ctx, "org/repo#17")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	returned := st.LastTransition().Details
	if !reflect.DeepEqual(returned, got.LastTransition().Details) {
		t.Errorf("returned details %#v, stored %#v", returned, got.LastTransition().Details)
	}
	if score, ok := returned["completeness_score"].(float64); !ok || score != 2 {
		t.Errorf("completeness_score = %#v, want float64(2)", returned["completeness_score"])
	}
	if _, ok := details["completeness_score"].(int); !ok {
		t.Error("caller's details map was modified")
	}
}

func TestSetters_BumpVersionWithoutHistory(t *testing.T) {
	m := newTestMachine(t)
	ctx := context.Background()
	st := driveTo(t, m, "org/repo#7", StageIntake)

	st, err := m.SetClassification(ctx, "org/repo#7", st.Version, &Classification{IssueType: IssueFeature, CompletenessScore: 4})
	if err != nil {
		t.Fatalf("SetClassification: %v", err)
	}
	st, err = m.SetWorkspace(ctx, "org/repo#7", st.Version, "/ws/org_repo_7")
	if err != nil {
		t.Fatalf("SetWorkspace: %v", err)
	}
	st, err = m.SetPullRequest(ctx, "org/repo#7", st.Version, PullRequestRef{Number: 9, URL: "u"})
	if err != nil {
		t.Fatalf("SetPullRequest: %v", err)
	}

	if st.Version != 5 {
		t.Errorf("Version = %d, want 5", st.Version)
	}
	if len(st.History) != 1 {
		t.Errorf("len(History) = %d, want 1", len(st.History))
	}
	if st.Classification.IssueType != IssueFeature || st.WorkspacePath != "/ws/org_repo_7" || st.PullRequest.Number != 9 {
		t.Errorf("fields not recorded: %+v", st)
	}

	if _, err := m.SetWorkspace(ctx, "org/repo#7", 2, "/other"); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale SetWorkspace error = %v, want ErrVersionConflict", err)
	}
}

func TestTransition_NotFound(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.Transition(context.Background(), "org/repo#404", StageIntake, 1, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if !strings.Contains(err.Error(), "org/repo#404") {
		t.Errorf("error %q does not name the item", err)
	}
}

func TestAllowedTransitions(t *testing.T) {
	if got := AllowedTransitions(StageCompleted); len(got) != 0 {
		t.Errorf("completed allows %v, want none", got)
	}
	if got := AllowedTransitions(StageFailed); len(got) != 1 || got[0] != StagePending {
		t.Errorf("failed allows %v, want [pending]", got)
	}
	for _, s := range Stages {
		if s != StageCompleted && s != StageFailed && s != StagePending && !ValidTransition(s, StageFailed) {
			t.Errorf("%s cannot fail", s)
		}
	}
}
