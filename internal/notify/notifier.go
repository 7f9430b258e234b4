package notify

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogNotifier records notification intents in the structured log. The
// platform's notification module consumes these downstream; swapping in
// its client keeps the same interface.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) CreateNotification(userID uuid.UUID, kind string, payload map[string]interface{}, priority string) error {
	n.log.Info("notification",
		zap.String("user_id", userID.String()),
		zap.String("kind", kind),
		zap.String("priority", priority),
		zap.Any("payload", payload))
	return nil
}
