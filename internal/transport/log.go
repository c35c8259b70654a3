package transport

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport accepts every message and only logs it. Used in development.
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + uuid.NewString()
	t.logger.Info("email sent",
		zap.String("message_id", id),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return id, nil
}
