package events

import (
	"context"
	"log/slog"
)

// LogEmitter writes events as structured log records.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(ctx context.Context, e Event) error {
	level := slog.LevelInfo
	switch e.Type {
	case TypeError:
		level = slog.LevelError
	case TypeTimeout:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("event_id", e.ID),
		slog.String("event_type", string(e.Type)),
		slog.String("issue_id", e.IssueID),
		slog.String("repository", e.Repository),
	}
	if e.From != "" {
		attrs = append(attrs, slog.String("from_stage", string(e.From)))
	}
	if e.To != "" {
		attrs = append(attrs, slog.String("to_stage", string(e.To)))
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	l.logger.LogAttrs(ctx, level, "pipeline event", attrs...)
	return nil
}

func (l *LogEmitter) Close() error { return nil }
