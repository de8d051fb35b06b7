package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/autopr/internal/config"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// sample returns the value of the series in family name whose labels match.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func TestConstructors(t *testing.T) {
	tr := Transition("o/r#1", "o/r", pipeline.StagePending, pipeline.StageIntake, map[string]any{"k": "v"})
	assert.Equal(t, TypeStateTransition, tr.Type)
	assert.Equal(t, pipeline.StagePending, tr.From)
	assert.Equal(t, pipeline.StageIntake, tr.To)
	assert.NotEmpty(t, tr.ID)
	assert.False(t, tr.Timestamp.IsZero())

	other := Transition("o/r#1", "o/r", pipeline.StagePending, pipeline.StageIntake, nil)
	assert.NotEqual(t, tr.ID, other.ID)

	f := Failure("o/r#1", "o/r", pipeline.StageProvisioning, errors.New("clone failed"))
	assert.Equal(t, TypeError, f.Type)
	assert.Equal(t, "clone failed", f.Details["error"])

	c := Completion("o/r#1", "o/r", &pipeline.PullRequestRef{Number: 7, URL: "https://x/7"}, 90*time.Second)
	assert.Equal(t, 90.0, c.Details["duration_seconds"])
	assert.Equal(t, 7, c.Details["pr_number"])

	to := Timeout("o/r#1", "o/r", time.Minute)
	assert.Equal(t, TypeTimeout, to.Type)
	assert.Equal(t, 60.0, to.Details["timeout_seconds"])
}

func TestMetricsEmitter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	e := NewMetricsEmitter(m)
	ctx := context.Background()

	for _, s := range pipeline.Stages {
		assert.Equal(t, 0.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": string(s)}), s)
	}

	require.NoError(t, e.Emit(ctx, Transition("o/r#1", "o/r", "", pipeline.StagePending, nil)))
	require.NoError(t, e.Emit(ctx, Transition("o/r#1", "o/r", pipeline.StagePending, pipeline.StageIntake, nil)))
	require.NoError(t, e.Emit(ctx, Transition("o/r#2", "o/r", pipeline.StagePending, pipeline.StageIntake, nil)))

	assert.Equal(t, 0.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "pending"}))
	assert.Equal(t, 2.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "intake"}))

	require.NoError(t, e.Emit(ctx, Transition("o/r#1", "o/r", pipeline.StageIntake, pipeline.StageFailed, map[string]any{"error": "x"})))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_issues_failed_total", map[string]string{"repository": "o/r", "stage": "intake"}))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_issues_processed_total", map[string]string{"repository": "o/r", "result": "failure"}))

	require.NoError(t, e.Emit(ctx, Completion("o/r#2", "o/r", nil, 42*time.Second)))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_issues_processed_total", map[string]string{"repository": "o/r", "result": "success"}))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_processing_duration_seconds", map[string]string{"repository": "o/r"}))
}

func TestMetricsSync(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Sync([]pipeline.State{
		{ID: "o/r#1", Stage: pipeline.StageImplementation},
		{ID: "o/r#2", Stage: pipeline.StageImplementation},
		{ID: "o/r#3", Stage: pipeline.StageClarification},
	})
	assert.Equal(t, 2.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "implementation"}))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "clarification"}))

	// Leaving a stage the gauge never saw does not go negative.
	m.move(pipeline.StagePending, pipeline.StageIntake)
	assert.Equal(t, 0.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "pending"}))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "intake"}))
}

func TestLogEmitterLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := NewLogEmitter(logger)
	ctx := context.Background()

	cases := []struct {
		ev    Event
		level string
	}{
		{Transition("o/r#1", "o/r", pipeline.StagePending, pipeline.StageIntake, nil), "INFO"},
		{Failure("o/r#1", "o/r", pipeline.StageIntake, errors.New("boom")), "ERROR"},
		{Timeout("o/r#1", "o/r", time.Second), "WARN"},
	}
	for _, tc := range cases {
		buf.Reset()
		require.NoError(t, e.Emit(ctx, tc.ev))
		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, tc.level, rec["level"])
		assert.Equal(t, string(tc.ev.Type), rec["event_type"])
		assert.Equal(t, "o/r#1", rec["issue_id"])
	}
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSEmitter(t *testing.T) {
	pub := &fakePublisher{}
	e := NewNATSEmitter(pub, "autopr.test")

	ev := Transition("o/r#1", "o/r", pipeline.StagePending, pipeline.StageIntake, nil)
	require.NoError(t, e.Emit(context.Background(), ev))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "autopr.test.state_transition", pub.subjects[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, pipeline.StageIntake, got.To)

	assert.Equal(t, "autopr.events.error", NewNATSEmitter(pub, "").Subject(TypeError))
}

type failingEmitter struct{ calls int }

func (f *failingEmitter) Emit(context.Context, Event) error { f.calls++; return errors.New("sink down") }
func (f *failingEmitter) Close() error                      { return errors.New("close failed") }

func TestMultiEmitterIsolatesFailures(t *testing.T) {
	bad := &failingEmitter{}
	pub := &fakePublisher{}
	m := NewMulti(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), bad, NewNATSEmitter(pub, "p"))

	err := m.Emit(context.Background(), Failure("o/r#1", "o/r", pipeline.StageIntake, errors.New("x")))
	assert.NoError(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Len(t, pub.subjects, 1)
	assert.Error(t, m.Close())
}

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	em, metrics, err := New(config.EventsConfig{Sinks: []string{"log", "metrics"}}, reg, nil)
	require.NoError(t, err)
	require.NotNil(t, metrics)
	require.IsType(t, &MultiEmitter{}, em)

	require.NoError(t, em.Emit(context.Background(), Transition("o/r#1", "o/r", "", pipeline.StagePending, nil)))
	assert.Equal(t, 1.0, sample(t, reg, "autopr_issues_by_stage", map[string]string{"stage": "pending"}))

	em, _, err = New(config.EventsConfig{}, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	assert.IsType(t, NopEmitter{}, em)

	_, _, err = New(config.EventsConfig{Sinks: []string{"kafka"}}, prometheus.NewRegistry(), nil)
	assert.ErrorContains(t, err, "unknown event sink")
}
