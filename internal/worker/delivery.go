package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/alert"
	"github.com/hooksmith/webhook-engine/internal/config"
	"github.com/hooksmith/webhook-engine/internal/models"
)

// Reasons recorded on deliveries finalized without an HTTP attempt.
const (
	reasonSubscriptionInactive = "subscription inactive"
	reasonRetriesExhausted     = "max retries exhausted"
)

// Processor executes the delivery state machine for one scheduled task.
type Processor struct {
	db       *gorm.DB
	cfg      *config.EngineConfig
	policy   BackoffPolicy
	sender   *Sender
	notifier alert.Notifier
	logger   *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewProcessor wires a delivery processor.
func NewProcessor(db *gorm.DB, cfg *config.EngineConfig, notifier alert.Notifier, logger *zap.Logger) *Processor {
	return &Processor{
		db:       db,
		cfg:      cfg,
		policy:   PolicyFromConfig(cfg),
		sender:   NewSender(cfg.MaxResponseBody),
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Process runs one invocation of the delivery state machine.
//
// Data errors (missing delivery or subscription) are logged and dropped.
// A non-nil return means a storage failure; the record stays claimable and
// the scheduler re-enqueues it once its processing claim goes stale.
//
// Every outcome write is conditional on the processing claim still being
// held. When a duplicate task or the stale rescue supersedes this worker
// mid-flight, the outcome is discarded: the record and the subscription
// counters are left to whoever owns the claim now.
func (p *Processor) Process(ctx context.Context, deliveryID uuid.UUID) error {
	db := p.db.WithContext(ctx)
	now := p.now().UTC()

	d, err := loadDelivery(db, deliveryID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			p.logger.Warn("Delivery referenced by task not found, dropping",
				zap.String("delivery_id", deliveryID.String()),
			)
			return nil
		}
		return err
	}

	// Terminal records are never touched again; a duplicate task is a no-op.
	if d.Terminal() {
		return nil
	}

	sub, err := loadSubscription(db, d.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Soft-deleted subscription: same treatment as inactive.
			return p.finalizeInactive(ctx, db, d, nil, now)
		}
		return err
	}

	if !sub.IsActive() {
		return p.finalizeInactive(ctx, db, d, sub, now)
	}

	maxRetries := sub.EffectiveMaxRetries(p.cfg.MaxRetries)
	if d.Attempts >= maxRetries {
		// Reached only when a previous run crashed between attempting and
		// finalizing.
		finalized, err := finalizeWithoutAttempt(db, d.ID, reasonRetriesExhausted, now)
		if err != nil {
			return err
		}
		if finalized {
			p.notifier.DeliveryFailed(ctx, sub, d, reasonRetriesExhausted)
		}
		return nil
	}

	claimed, err := claimDelivery(db, d.ID)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.Debug("Lost claim race for delivery, skipping",
			zap.String("delivery_id", d.ID.String()),
		)
		return nil
	}

	// Reload for the attempt count the claim wrote: a duplicate task may
	// have completed a full cycle between our load and our claim.
	d, err = loadDelivery(db, deliveryID)
	if err != nil {
		return err
	}

	res := p.sender.Send(ctx, sub.URL, []byte(d.Payload), sub.CurrentSecret,
		sub.EffectiveTimeout(p.cfg.Timeout))

	out := EvaluateResult(res, d.Attempts, maxRetries, p.policy, p.now().UTC())

	switch {
	case out.Success:
		applied, err := finalizeSuccess(db, d, res, p.now().UTC())
		if err != nil {
			return err
		}
		if !applied {
			p.logSuperseded(d)
			return nil
		}
		p.logger.Info("Webhook delivered",
			zap.String("delivery_id", d.ID.String()),
			zap.String("event", d.EventName),
			zap.Int("attempt", d.Attempts),
			zap.Intp("status", res.StatusCode),
			zap.Int("latency_ms", res.LatencyMs),
		)

	case out.Retry:
		applied, err := scheduleRetry(db, d, res, out, p.now().UTC())
		if err != nil {
			return err
		}
		if !applied {
			p.logSuperseded(d)
			return nil
		}
		p.logger.Info("Webhook delivery failed, retry scheduled",
			zap.String("delivery_id", d.ID.String()),
			zap.Int("attempt", d.Attempts),
			zap.Time("next_attempt_at", out.NextAttemptAt),
			zap.Stringp("error", out.ErrorMessage),
		)

	default:
		applied, err := finalizeFailure(db, d, res, out.ErrorMessage, p.now().UTC())
		if err != nil {
			return err
		}
		if !applied {
			p.logSuperseded(d)
			return nil
		}
		p.notifier.DeliveryFailed(ctx, sub, d, reasonRetriesExhausted)
		p.logger.Warn("Webhook delivery permanently failed",
			zap.String("delivery_id", d.ID.String()),
			zap.Int("attempts", d.Attempts),
			zap.Stringp("error", out.ErrorMessage),
		)
	}

	return nil
}

// finalizeInactive terminates the delivery without an HTTP attempt because
// its subscription no longer accepts deliveries. A record mid-delivery on
// another worker is left alone; the claim holder sees the inactive
// subscription on its next cycle.
func (p *Processor) finalizeInactive(ctx context.Context, db *gorm.DB, d *models.Delivery, sub *models.Subscription, now time.Time) error {
	finalized, err := finalizeWithoutAttempt(db, d.ID, reasonSubscriptionInactive, now)
	if err != nil {
		return err
	}
	if !finalized {
		p.logger.Debug("Delivery claimed elsewhere or already final, leaving it",
			zap.String("delivery_id", d.ID.String()),
		)
		return nil
	}
	p.notifier.DeliveryFailed(ctx, sub, d, reasonSubscriptionInactive)
	p.logger.Info("Delivery cancelled, subscription inactive",
		zap.String("delivery_id", d.ID.String()),
		zap.String("subscription_id", d.SubscriptionID.String()),
	)
	return nil
}

func (p *Processor) logSuperseded(d *models.Delivery) {
	p.logger.Debug("Delivery claim superseded mid-flight, discarding outcome",
		zap.String("delivery_id", d.ID.String()),
	)
}
