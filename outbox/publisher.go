package outbox

import (
	"context"
	"log/slog"
)

// LogPublisher writes each message to a structured logger. It is the default
// sink when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, msg Message) error {
	p.logger.InfoContext(ctx, "event published",
		slog.String("message_id", msg.ID),
		slog.String("topic", msg.Topic),
		slog.String("payload", string(msg.Payload)))
	return nil
}
