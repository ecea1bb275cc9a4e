// Package alert surfaces permanent delivery failures to an external
// alerting collaborator. The engine only depends on the Notifier interface;
// the default implementation emits a critical-severity structured log that
// the observability pipeline picks up.
package alert

import (
	"context"

	"go.uber.org/zap"

	"github.com/hooksmith/webhook-engine/internal/models"
)

// Notifier receives permanent delivery failures. Implementations must not
// block the delivery worker.
type Notifier interface {
	DeliveryFailed(ctx context.Context, sub *models.Subscription, d *models.Delivery, reason string)
}

// LogNotifier reports failures through the structured log at error level
// with a critical severity marker.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) DeliveryFailed(_ context.Context, sub *models.Subscription, d *models.Delivery, reason string) {
	fields := []zap.Field{
		zap.String("severity", "critical"),
		zap.String("delivery_id", d.ID.String()),
		zap.String("event_name", d.EventName),
		zap.Int("attempts", d.Attempts),
		zap.String("reason", reason),
	}
	if sub != nil {
		fields = append(fields,
			zap.String("subscription_id", sub.ID.String()),
			zap.String("url", sub.URL),
		)
	}
	n.logger.Error("Webhook delivery permanently failed", fields...)
}
