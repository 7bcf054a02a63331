package sinks

import (
	"context"
	"log/slog"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
)

// LogSink writes every event as one structured log line.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) OnMessage(ctx context.Context, event audit.MessageEvent) error {
	s.logger.InfoContext(ctx, "chat message",
		"message_id", event.MessageID,
		"room_id", event.RoomID,
		"room", event.RoomName,
		"ts", event.Timestamp.Format(time.RFC3339Nano),
		"username", event.Username,
		"edited", event.Edited,
		"text", event.Text,
	)
	return nil
}

func (s *LogSink) OnFile(ctx context.Context, event audit.FileEvent) error {
	s.logger.InfoContext(ctx, "chat file",
		"message_id", event.MessageID,
		"room_id", event.RoomID,
		"room", event.RoomName,
		"ts", event.Timestamp.Format(time.RFC3339Nano),
		"username", event.Username,
		"title", event.Title,
		"file_id", event.FileID,
		"media_type", event.MediaType,
	)
	return nil
}
