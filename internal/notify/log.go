package notify

import (
	"cdpipeline/internal/pipeline"
	"context"
	"log/slog"
)

// Log writes run messages to a structured logger. It never fails.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log publisher. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

// Publish logs msg at Info on success and Warn otherwise.
func (l *Log) Publish(ctx context.Context, topicID string, msg *pipeline.Message) error {
	level := slog.LevelInfo
	if msg.State != pipeline.RunSucceeded {
		level = slog.LevelWarn
	}
	attrs := []any{
		"topic", topicID,
		"runId", msg.RunID,
		"pipeline", msg.Pipeline,
		"revision", msg.Revision,
		"state", string(msg.State),
	}
	if msg.Error != "" {
		attrs = append(attrs, "failedStage", msg.FailedStage, "failedAction", msg.FailedAction, "error", msg.Error, "errorKind", msg.ErrorKind)
	}
	if len(msg.Orphans) > 0 {
		attrs = append(attrs, "orphans", len(msg.Orphans))
	}
	l.logger.Log(ctx, level, "Pipeline run notification", attrs...)
	return nil
}

var _ pipeline.Publisher = (*Log)(nil)
