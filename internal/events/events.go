// Package events publishes pipeline lifecycle events to logs, Prometheus
// metrics and NATS.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucasnoah/autopr/internal/config"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// Type is the kind of event.
type Type string

const (
	TypeStateTransition Type = "state_transition"
	TypeError           Type = "error"
	TypeCompletion      Type = "completion"
	TypeTimeout         Type = "timeout"
)

// Event is one observable occurrence in an item's lifecycle.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	IssueID    string         `json:"issue_id"`
	Repository string         `json:"repository"`
	From       pipeline.Stage `json:"from_stage,omitempty"`
	To         pipeline.Stage `json:"to_stage,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details,omitempty"`
}

func newEvent(t Type, issueID, repository string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		IssueID:    issueID,
		Repository: repository,
		Timestamp:  time.Now().UTC(),
	}
}

// Transition records a stage change.
func Transition(issueID, repository string, from, to pipeline.Stage, details map[string]any) Event {
	e := newEvent(TypeStateTransition, issueID, repository)
	e.From, e.To, e.Details = from, to, details
	return e
}

// Failure records an error raised while the item was in stage.
func Failure(issueID, repository string, stage pipeline.Stage, err error) Event {
	e := newEvent(TypeError, issueID, repository)
	e.From = stage
	e.Details = map[string]any{"error": err.Error()}
	return e
}

// Completion records a finished item and its total processing time.
func Completion(issueID, repository string, pr *pipeline.PullRequestRef, elapsed time.Duration) Event {
	e := newEvent(TypeCompletion, issueID, repository)
	e.Details = map[string]any{"duration_seconds": elapsed.Seconds()}
	if pr != nil {
		e.Details["pr_number"] = pr.Number
		e.Details["pr_url"] = pr.URL
	}
	return e
}

// Timeout records an execution that hit its time limit.
func Timeout(issueID, repository string, limit time.Duration) Event {
	e := newEvent(TypeTimeout, issueID, repository)
	e.From = pipeline.StageImplementation
	e.Details = map[string]any{"timeout_seconds": limit.Seconds()}
	return e
}

// Emitter delivers events to a sink.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
	Close() error
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) error { return nil }
func (NopEmitter) Close() error                     { return nil }

// MultiEmitter fans events out to several sinks. A failing sink is logged and
// never affects the others or the caller.
type MultiEmitter struct {
	sinks  []Emitter
	logger *slog.Logger
}

// NewMulti combines sinks.
func NewMulti(logger *slog.Logger, sinks ...Emitter) *MultiEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiEmitter{sinks: sinks, logger: logger}
}

func (m *MultiEmitter) Emit(ctx context.Context, e Event) error {
	for _, s := range m.sinks {
		if err := s.Emit(ctx, e); err != nil {
			m.logger.Warn("event sink failed", "sink", fmt.Sprintf("%T", s), "event_type", e.Type, "issue_id", e.IssueID, "error", err)
		}
	}
	return nil
}

func (m *MultiEmitter) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the emitter chain named by cfg.Sinks. The returned Metrics are
// registered with reg whether or not the metrics sink is enabled, so the
// metrics endpoint always has a consistent shape.
func New(cfg config.EventsConfig, reg prometheus.Registerer, logger *slog.Logger) (Emitter, *Metrics, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := NewMetrics(reg)

	var sinks []Emitter
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, NewLogEmitter(logger))
		case "metrics":
			sinks = append(sinks, NewMetricsEmitter(metrics))
		case "nats":
			n, err := DialNATS(cfg.NATSURL, cfg.SubjectPrefix, logger)
			if err != nil {
				for _, s := range sinks {
					s.Close()
				}
				return nil, nil, err
			}
			sinks = append(sinks, n)
		default:
			return nil, nil, fmt.Errorf("unknown event sink %q", name)
		}
	}
	if len(sinks) == 0 {
		return NopEmitter{}, metrics, nil
	}
	return NewMulti(logger, sinks...), metrics, nil
}
