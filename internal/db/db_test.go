package db

import (
	"context"
	"testing"
	"time"

	"github.com/lucasnoah/autopr/internal/pipeline"
	"github.com/lucasnoah/autopr/internal/pipeline/pipelinetest"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrate(t *testing.T) {
	d, err := Open(SQLite, ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tables := []string{"schema_version", "pipeline_states", "state_transitions"}
	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if _, err := d.Insert(ctx, pipelinetest.NewState("org/repo#1", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := d.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}

	states, err := d.ListActive(ctx)
	if err != nil {
		t.Fatalf("list after reset: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("expected no states after reset, got %d", len(states))
	}
}

func TestStore(t *testing.T) {
	pipelinetest.RunStoreTests(t, func(t *testing.T) pipeline.Store {
		return testDB(t)
	})
}

func TestMachineOnSQLite(t *testing.T) {
	d := testDB(t)
	m := pipeline.NewMachine(d, nil)
	ctx := context.Background()

	st, err := m.Create(ctx, "org/repo#42", "org/repo")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, next := range []pipeline.Stage{pipeline.StageIntake, pipeline.StageProvisioning} {
		if st, err = m.Transition(ctx, st.ID, next, st.Version, nil); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if st.Version != 3 {
		t.Fatalf("version = %d, want 3", st.Version)
	}

	st, err = m.Transition(ctx, st.ID, pipeline.StageFailed, 3, map[string]any{"error": "provisioning: clone failed"})
	if err != nil {
		t.Fatalf("transition to failed: %v", err)
	}

	got, err := d.Get(ctx, "org/repo#42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Error != "provisioning: clone failed" {
		t.Errorf("error = %q", got.Error)
	}
	if len(got.History) != 3 {
		t.Fatalf("history length = %d, want 3", len(got.History))
	}
	if got.History[2].Details["error"] != "provisioning: clone failed" {
		t.Errorf("failed transition details = %v", got.History[2].Details)
	}
	if got.History[0].Details != nil {
		t.Errorf("empty details stored as %v, want nil", got.History[0].Details)
	}
}

func TestListOrdersByCreatedAt(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	// Inserted out of order; the fractional second must not break text ordering.
	mustInsert(t, d, pipelinetest.NewState("org/repo#2", base.Add(500*time.Millisecond)))
	mustInsert(t, d, pipelinetest.NewState("org/repo#1", base.Add(123*time.Microsecond)))
	mustInsert(t, d, pipelinetest.NewState("org/repo#3", base.Add(2*time.Second)))

	states, err := d.ListByStage(ctx, pipeline.StagePending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"org/repo#1", "org/repo#2", "org/repo#3"}
	if len(states) != len(want) {
		t.Fatalf("got %d states, want %d", len(states), len(want))
	}
	for i, id := range want {
		if states[i].ID != id {
			t.Errorf("states[%d] = %s, want %s", i, states[i].ID, id)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: Postgres}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}

	lite := &DB{dialect: SQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	tests := []struct {
		name string
		in   any
	}{
		{"time", want.In(time.FixedZone("X", 3600))},
		{"string", "2025-03-01T12:00:00.123456Z"},
		{"bytes", []byte("2025-03-01T12:00:00.123456Z")},
	}
	for _, tt := range tests {
		var got dbTime
		if err := got.Scan(tt.in); err != nil {
			t.Fatalf("%s: scan: %v", tt.name, err)
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("%s: got %v, want %v", tt.name, got.Time, want)
		}
	}

	var bad dbTime
	if err := bad.Scan("yesterday"); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestOpenUnknownDialect(t *testing.T) {
	if _, err := Open(Dialect("oracle"), "x"); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func mustInsert(t *testing.T, d *DB, st *pipeline.State) {
	t.Helper()
	if _, err := d.Insert(context.Background(), st); err != nil {
		t.Fatalf("insert %s: %v", st.ID, err)
	}
}
