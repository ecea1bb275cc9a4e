// Package queue provides the shared RabbitMQ consumer loop used by the
// dispatcher and the delivery worker.
package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hooksmith/webhook-engine/internal/rabbitmq"
)

// MessageHandler processes one message body. Returning nil acks the
// message; returning an error rejects it without requeue (the database is
// the source of truth, dropped tasks are rescued by the scheduler).
type MessageHandler interface {
	HandleMessage(ctx context.Context, body []byte) error
}

// Consumer drives a single queue consumer: registers it, dispatches
// messages to the handler, and re-registers after a channel loss.
type Consumer struct {
	conn     *rabbitmq.Connection
	queue    string
	tag      string
	prefetch int
	handler  MessageHandler
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewConsumer creates a consumer for the given queue. tagPrefix is combined
// with the start time to produce a unique consumer tag.
func NewConsumer(conn *rabbitmq.Connection, queueName, tagPrefix string, prefetch int, handler MessageHandler, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		conn:     conn,
		queue:    queueName,
		tag:      fmt.Sprintf("%s-%d", tagPrefix, time.Now().Unix()),
		prefetch: prefetch,
		handler:  handler,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start sets QoS and begins consuming. The queue must already exist.
func (c *Consumer) Start() error {
	if c.queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if err := c.consume(); err != nil {
		return err
	}
	c.started = true
	c.logger.Info("Consumer started",
		zap.String("queue", c.queue),
		zap.String("consumer_tag", c.tag),
	)
	return nil
}

func (c *Consumer) consume() error {
	if err := c.conn.SetQoS(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.conn.ConsumeMessages(c.queue, c.tag, false, false, false, false)
	if err != nil {
		return fmt.Errorf("failed to start consuming from queue %s: %w", c.queue, err)
	}

	go c.run(messages)
	return nil
}

// Stop cancels the consumer and the processing loop.
func (c *Consumer) Stop() {
	c.cancel()
	if ch := c.conn.GetChannel(); ch != nil {
		if err := ch.Cancel(c.tag, false); err != nil {
			c.logger.Error("Failed to cancel consumer",
				zap.String("consumer_tag", c.tag),
				zap.Error(err),
			)
		}
	}
	c.logger.Info("Consumer stopped", zap.String("queue", c.queue))
}

func (c *Consumer) run(messages <-chan amqp.Delivery) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				c.reregister()
				return
			}
			c.process(msg)
		}
	}
}

// reregister waits for the connection to recover after a channel loss and
// registers a fresh consumer.
func (c *Consumer) reregister() {
	c.logger.Warn("Message channel closed, re-registering consumer",
		zap.String("queue", c.queue),
	)

	for c.started {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		time.Sleep(2 * time.Second)
		if !c.conn.IsHealthy() {
			continue
		}

		if err := c.consume(); err != nil {
			c.logger.Error("Failed to re-register consumer, will retry",
				zap.String("queue", c.queue),
				zap.Error(err),
			)
			time.Sleep(5 * time.Second)
			continue
		}

		c.logger.Info("Consumer re-registered", zap.String("queue", c.queue))
		return
	}
}

// process hands one message to the handler and acks or rejects it.
func (c *Consumer) process(msg amqp.Delivery) {
	if err := c.handler.HandleMessage(c.ctx, msg.Body); err != nil {
		c.logger.Error("Failed to process message",
			zap.String("queue", c.queue),
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
		if err := msg.Nack(false, false); err != nil {
			c.logger.Error("Failed to nack message",
				zap.Uint64("delivery_tag", msg.DeliveryTag),
				zap.Error(err),
			)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("queue", c.queue),
			zap.Uint64("delivery_tag", msg.DeliveryTag),
			zap.Error(err),
		)
	}
}
