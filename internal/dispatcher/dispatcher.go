// Package dispatcher turns domain events into scheduled webhook deliveries.
//
// It consumes source events off the source queue, resolves each to a
// webhook event name, snapshots the payload and creates one pending
// delivery record per matching active subscription, then enqueues one
// delivery task per record. It never performs outbound HTTP and never
// blocks the event emitter.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/config"
	"github.com/hooksmith/webhook-engine/internal/models"
	"github.com/hooksmith/webhook-engine/internal/queue"
	"github.com/hooksmith/webhook-engine/internal/rabbitmq"
)

// requeueAfter is how far a freshly enqueued delivery's next_attempt_at is
// pushed into the future. If the queue message is lost, the scheduler
// re-enqueues the row once this window passes.
const requeueAfter = 5 * time.Minute

// Publisher publishes delivery tasks. Satisfied by rabbitmq.Connection.
type Publisher interface {
	PublishMessage(exchange, routingKey string, mandatory, immediate bool, body []byte) error
}

// Dispatcher consumes source events and fans them out to subscriptions.
type Dispatcher struct {
	cfg      *config.QueueConfig
	pub      Publisher
	db       *gorm.DB
	logger   *zap.Logger
	consumer *queue.Consumer
}

// NewDispatcher creates a dispatcher consuming from cfg.SourceQueue.
func NewDispatcher(cfg *config.QueueConfig, conn *rabbitmq.Connection, db *gorm.DB, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:    cfg,
		pub:    conn,
		db:     db,
		logger: logger,
	}
	d.consumer = queue.NewConsumer(conn, cfg.SourceQueue, "webhook-dispatcher", cfg.PrefetchCount, d, logger)
	return d
}

// Start validates the queue configuration and begins consuming.
func (d *Dispatcher) Start() error {
	if d.cfg.SourceQueue == "" {
		return fmt.Errorf("source queue is required")
	}
	if d.cfg.DeliveryExchange == "" {
		return fmt.Errorf("delivery exchange is required")
	}
	if d.cfg.DeliveryRoutingKey == "" {
		return fmt.Errorf("delivery routing key is required")
	}
	return d.consumer.Start()
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.consumer.Stop()
}

// HandleMessage implements queue.MessageHandler for the source queue.
func (d *Dispatcher) HandleMessage(ctx context.Context, body []byte) error {
	var evt models.SourceEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		d.logger.Error("Failed to unmarshal source event",
			zap.Error(err),
			zap.ByteString("body", body),
		)
		return fmt.Errorf("failed to unmarshal source event: %w", err)
	}
	return d.Dispatch(ctx, &evt)
}

// Dispatch fans one domain event out to all matching active subscriptions.
// Unmapped event types and events with no listeners are a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *models.SourceEvent) error {
	eventName, ok := ResolveEventName(evt.EventType)
	if !ok {
		d.logger.Debug("Ignoring unmapped domain event",
			zap.String("event_type", string(evt.EventType)),
		)
		return nil
	}

	subs, err := matchingSubscriptions(d.db.WithContext(ctx), eventName)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions for event %s: %w", eventName, err)
	}
	if len(subs) == 0 {
		d.logger.Debug("No active subscriptions for event",
			zap.String("event", eventName),
		)
		return nil
	}

	payload, err := json.Marshal(BuildPayload(evt, eventName))
	if err != nil {
		return fmt.Errorf("failed to marshal payload for event %s: %w", eventName, err)
	}

	deliveries, err := createDeliveries(d.db.WithContext(ctx), subs, eventName, payload)
	if err != nil {
		return fmt.Errorf("failed to create deliveries for event %s: %w", eventName, err)
	}

	d.logger.Info("Dispatched event",
		zap.String("event", eventName),
		zap.Int("delivery_count", len(deliveries)),
	)

	for _, delivery := range deliveries {
		if err := d.enqueue(ctx, delivery.ID.String()); err != nil {
			// The row stays due; the scheduler re-enqueues it.
			d.logger.Error("Failed to enqueue delivery, leaving for scheduler",
				zap.String("delivery_id", delivery.ID.String()),
				zap.Error(err),
			)
			if resetErr := resetNextAttempt(d.db.WithContext(ctx), delivery.ID); resetErr != nil {
				d.logger.Error("Failed to reset delivery schedule",
					zap.String("delivery_id", delivery.ID.String()),
					zap.Error(resetErr),
				)
			}
		}
	}

	return nil
}

// enqueue publishes one delivery task to the delivery queue.
func (d *Dispatcher) enqueue(_ context.Context, deliveryID string) error {
	body, err := json.Marshal(models.DeliveryMessage{DeliveryID: deliveryID})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}
	return d.pub.PublishMessage(d.cfg.DeliveryExchange, d.cfg.DeliveryRoutingKey, false, false, body)
}
