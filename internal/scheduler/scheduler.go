// Package scheduler is the delayed re-enqueue primitive of the delivery
// engine. Retries never block a worker: the worker stamps next_attempt_at
// and returns, and the scheduler polls for due rows and publishes them back
// onto the delivery queue. It also rescues rows orphaned by crashed workers
// and sweeps expired previous secrets.
package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/config"
	"github.com/hooksmith/webhook-engine/internal/models"
	"github.com/hooksmith/webhook-engine/internal/rotation"
)

const (
	// batchSize bounds how many due deliveries one tick re-enqueues.
	batchSize = 100

	// requeueAfter pushes a re-enqueued row's due time forward so it is
	// only picked up again if its queue message is lost.
	requeueAfter = 5 * time.Minute

	// staleProcessingAfter is how long a row may sit in processing before
	// it is considered orphaned by a crashed worker.
	staleProcessingAfter = 10 * time.Minute
)

// Publisher publishes delivery tasks. Satisfied by rabbitmq.Connection.
type Publisher interface {
	PublishMessage(exchange, routingKey string, mandatory, immediate bool, body []byte) error
}

// Scheduler owns the poll loop.
type Scheduler struct {
	db       *gorm.DB
	pub      Publisher
	qcfg     *config.QueueConfig
	interval time.Duration
	rotation *rotation.Manager
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler polling at ecfg.PollInterval.
func New(db *gorm.DB, pub Publisher, qcfg *config.QueueConfig, ecfg *config.EngineConfig, rot *rotation.Manager, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		db:       db,
		pub:      pub,
		qcfg:     qcfg,
		interval: ecfg.PollInterval,
		rotation: rot,
		logger:   logger,
	}
}

// Start launches the poll loop.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	s.logger.Info("Scheduler started", zap.Duration("poll_interval", s.interval))
}

// Stop cancels the poll loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.rescueStale(ctx); err != nil {
		s.logger.Error("Failed to rescue stale deliveries", zap.Error(err))
	}
	if err := s.enqueueDue(ctx); err != nil {
		s.logger.Error("Failed to enqueue due deliveries", zap.Error(err))
	}
	if _, err := s.rotation.SweepExpired(ctx); err != nil {
		s.logger.Error("Failed to sweep expired secrets", zap.Error(err))
	}
}

// rescueStale returns orphaned processing rows to the retryable pool. Their
// attempt counter was already incremented by the claim, so the retry budget
// still holds; the subscription counters may drift by one on such a crash.
func (s *Scheduler) rescueStale(ctx context.Context) error {
	now := time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("status = ? AND updated_at <= ?", models.DeliveryProcessing, now.Add(-staleProcessingAfter)).
		Updates(map[string]interface{}{
			"status":          models.DeliveryPending,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("Rescued stale processing deliveries",
			zap.Int64("count", res.RowsAffected),
		)
	}
	return nil
}

// enqueueDue publishes every due delivery back onto the delivery queue. The
// due-time bump doubles as an optimistic claim so concurrent scheduler
// instances do not double-publish.
func (s *Scheduler) enqueueDue(ctx context.Context) error {
	now := time.Now().UTC()

	var ids []uuid.UUID
	err := s.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("status IN ? AND failed_at IS NULL AND next_attempt_at <= ?",
			[]models.DeliveryStatus{models.DeliveryPending, models.DeliveryFailed}, now).
		Order("next_attempt_at").
		Limit(batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	enqueued := 0
	for _, id := range ids {
		res := s.db.WithContext(ctx).Model(&models.Delivery{}).
			Where("id = ? AND next_attempt_at <= ?", id, now).
			Updates(map[string]interface{}{
				"next_attempt_at": now.Add(requeueAfter),
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			continue // another instance claimed it
		}

		body, err := json.Marshal(models.DeliveryMessage{DeliveryID: id.String()})
		if err != nil {
			return err
		}
		if err := s.pub.PublishMessage(s.qcfg.DeliveryExchange, s.qcfg.DeliveryRoutingKey, false, false, body); err != nil {
			s.logger.Error("Failed to publish due delivery",
				zap.String("delivery_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		s.logger.Info("Re-enqueued due deliveries", zap.Int("count", enqueued))
	}
	return nil
}
