package events

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucasnoah/autopr/internal/pipeline"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	byStage   *prometheus.GaugeVec

	mu     sync.Mutex
	counts map[pipeline.Stage]int
}

// NewMetrics registers the collectors with reg. Every stage gauge starts at zero.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autopr_issues_processed_total",
			Help: "Issues that reached a terminal stage, by repository and result.",
		}, []string{"repository", "result"}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autopr_issues_failed_total",
			Help: "Issues that failed, by repository and the stage they failed in.",
		}, []string{"repository", "stage"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopr_processing_duration_seconds",
			Help:    "Time from intake to pull request for completed issues.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"repository"}),
		byStage: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "autopr_issues_by_stage",
			Help: "Issues currently in each pipeline stage.",
		}, []string{"stage"}),
		counts: make(map[pipeline.Stage]int),
	}
	for _, s := range pipeline.Stages {
		m.byStage.WithLabelValues(string(s)).Set(0)
	}
	return m
}

// Sync resets the stage gauge from persisted states.
func (m *Metrics) Sync(states []pipeline.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[pipeline.Stage]int)
	for _, s := range states {
		m.counts[s.Stage]++
	}
	for _, s := range pipeline.Stages {
		m.byStage.WithLabelValues(string(s)).Set(float64(m.counts[s]))
	}
}

// move shifts one item between stages. An empty from means a new item.
func (m *Metrics) move(from, to pipeline.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if from != "" && m.counts[from] > 0 {
		m.counts[from]--
		m.byStage.WithLabelValues(string(from)).Set(float64(m.counts[from]))
	}
	if to != "" {
		m.counts[to]++
		m.byStage.WithLabelValues(string(to)).Set(float64(m.counts[to]))
	}
}

// MetricsEmitter updates Metrics from events.
type MetricsEmitter struct {
	m *Metrics
}

func NewMetricsEmitter(m *Metrics) *MetricsEmitter {
	return &MetricsEmitter{m: m}
}

func (e *MetricsEmitter) Emit(_ context.Context, ev Event) error {
	switch ev.Type {
	case TypeStateTransition:
		e.m.move(ev.From, ev.To)
		if ev.To == pipeline.StageFailed {
			e.m.failed.WithLabelValues(ev.Repository, string(ev.From)).Inc()
			e.m.processed.WithLabelValues(ev.Repository, "failure").Inc()
		}
	case TypeCompletion:
		e.m.processed.WithLabelValues(ev.Repository, "success").Inc()
		if secs, ok := ev.Details["duration_seconds"].(float64); ok {
			e.m.duration.WithLabelValues(ev.Repository).Observe(secs)
		}
	}
	return nil
}

func (e *MetricsEmitter) Close() error { return nil }
