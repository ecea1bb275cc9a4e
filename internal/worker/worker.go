// Package worker consumes scheduled delivery tasks and performs the signed
// HTTP calls, driving each delivery record through its state machine:
// pending → processing → success, or failed with bounded retries.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/alert"
	"github.com/hooksmith/webhook-engine/internal/config"
	"github.com/hooksmith/webhook-engine/internal/models"
	"github.com/hooksmith/webhook-engine/internal/queue"
	"github.com/hooksmith/webhook-engine/internal/rabbitmq"
)

// Worker consumes the delivery queue and hands each task to the processor.
type Worker struct {
	consumer  *queue.Consumer
	processor *Processor
	logger    *zap.Logger
}

// NewWorker creates a worker consuming from qcfg.DeliveryQueue.
func NewWorker(qcfg *config.QueueConfig, ecfg *config.EngineConfig, conn *rabbitmq.Connection, db *gorm.DB, notifier alert.Notifier, logger *zap.Logger) *Worker {
	w := &Worker{
		processor: NewProcessor(db, ecfg, notifier, logger),
		logger:    logger,
	}
	w.consumer = queue.NewConsumer(conn, qcfg.DeliveryQueue, "webhook-worker", qcfg.PrefetchCount, w, logger)
	return w
}

// Start begins consuming delivery tasks.
func (w *Worker) Start() error {
	return w.consumer.Start()
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.consumer.Stop()
}

// HandleMessage implements queue.MessageHandler for the delivery queue.
// Malformed tasks are dropped; they carry no recoverable state.
func (w *Worker) HandleMessage(ctx context.Context, body []byte) error {
	var msg models.DeliveryMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Error("Failed to unmarshal delivery message, dropping",
			zap.ByteString("body", body),
			zap.Error(err),
		)
		return fmt.Errorf("failed to unmarshal delivery message: %w", err)
	}

	deliveryID, err := uuid.Parse(msg.DeliveryID)
	if err != nil {
		w.logger.Error("Invalid delivery id in task, dropping",
			zap.String("delivery_id", msg.DeliveryID),
			zap.Error(err),
		)
		return nil
	}

	return w.processor.Process(ctx, deliveryID)
}
