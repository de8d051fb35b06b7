package pipeline

import "testing"

func TestParseID(t *testing.T) {
	tests := []struct {
		id     string
		owner  string
		repo   string
		number int
		ok     bool
	}{
		{"org/repo#42", "org", "repo", 42, true},
		{"my-org/my.repo#1", "my-org", "my.repo", 1, true},
		{"org/repo", "", "", 0, false},
		{"org#42", "", "", 0, false},
		{"org/repo#0", "", "", 0, false},
		{"org/repo#abc", "", "", 0, false},
		{"org/sub/repo#3", "", "", 0, false},
		{"/repo#3", "", "", 0, false},
	}
	for _, tt := range tests {
		owner, repo, number, err := ParseID(tt.id)
		if (err == nil) != tt.ok {
			t.Errorf("ParseID(%q) error = %v, want ok=%v", tt.id, err, tt.ok)
			continue
		}
		if tt.ok && (owner != tt.owner || repo != tt.repo || number != tt.number) {
			t.Errorf("ParseID(%q) = (%q, %q, %d), want (%q, %q, %d)", tt.id, owner, repo, number, tt.owner, tt.repo, tt.number)
		}
	}
}

func TestWorkItemID(t *testing.T) {
	w := WorkItem{Owner: "org", Repo: "repo", Number: 42, Labels: []string{"bug"}}
	if w.ID() != "org/repo#42" {
		t.Errorf("ID() = %q", w.ID())
	}
	if w.Repository() != "org/repo" {
		t.Errorf("Repository() = %q", w.Repository())
	}
	if !w.HasLabel("bug") || w.HasLabel("feature") {
		t.Error("HasLabel mismatch")
	}
}

func TestParseStage(t *testing.T) {
	for _, s := range Stages {
		got, err := ParseStage(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStage(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStage("done"); err == nil {
		t.Error("ParseStage(done) should fail")
	}
}

func TestNeedsClarification(t *testing.T) {
	for score, want := range map[int]bool{1: true, 2: true, 3: false, 5: false} {
		c := Classification{CompletenessScore: score}
		if c.NeedsClarification() != want {
			t.Errorf("score %d: NeedsClarification = %v, want %v", score, !want, want)
		}
	}
}

func TestClone_DoesNotAlias(t *testing.T) {
	st := &State{
		ID:             "org/repo#1",
		Classification: &Classification{Requirements: []string{"a"}},
		History:        []Transition{{From: StagePending, To: StageIntake, Details: map[string]any{"k": "v"}}},
	}
	cp := st.Clone()
	cp.Classification.Requirements[0] = "b"
	cp.History[0].Details["k"] = "changed"

	if st.Classification.Requirements[0] != "a" {
		t.Error("Clone aliased requirements")
	}
	if st.History[0].Details["k"] != "v" {
		t.Error("Clone aliased transition details")
	}
}
