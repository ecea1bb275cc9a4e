// Package rotation manages signing secret rotation for webhook subscriptions.
//
// Rotating keeps the outgoing secret fresh without breaking consumers:
// the old secret stays verifiable for a bounded grace window, after which
// it is cleared. In-flight deliveries are unaffected because signatures are
// computed at send time, never cached.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/models"
	"github.com/hooksmith/webhook-engine/internal/signature"
)

// DefaultGracePeriod is how long a previous secret remains valid after
// rotation unless configured otherwise.
const DefaultGracePeriod = 7 * 24 * time.Hour

// Result is returned by Rotate. Secret is shown exactly once.
type Result struct {
	Secret                  string    `json:"secret"`
	PreviousSecretExpiresAt time.Time `json:"previous_secret_expires_at"`
}

// Manager issues and retires signing secrets.
type Manager struct {
	db     *gorm.DB
	grace  time.Duration
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a rotation manager. A non-positive grace falls back to
// DefaultGracePeriod.
func NewManager(db *gorm.DB, grace time.Duration, logger *zap.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Manager{
		db:     db,
		grace:  grace,
		logger: logger,
		now:    time.Now,
	}
}

// GracePeriod returns the configured grace window.
func (m *Manager) GracePeriod() time.Duration {
	return m.grace
}

// Rotate moves the subscription's current secret into the previous slot,
// stamps the rotation time and installs a freshly generated secret.
// Returns the new secret and the instant the previous one expires.
func (m *Manager) Rotate(ctx context.Context, subID uuid.UUID) (*Result, error) {
	now := m.now().UTC()
	newSecret := signature.GenerateSecret()

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub models.Subscription
		if err := tx.First(&sub, "id = ?", subID).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"current_secret": newSecret,
			"updated_at":     now,
		}
		if sub.CurrentSecret != "" {
			updates["previous_secret"] = sub.CurrentSecret
			updates["rotated_at"] = now
		}

		return tx.Model(&models.Subscription{}).
			Where("id = ?", subID).
			Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("rotate secret for subscription %s: %w", subID, err)
	}

	m.logger.Info("Rotated subscription secret",
		zap.String("subscription_id", subID.String()),
		zap.Time("previous_secret_expires_at", now.Add(m.grace)),
	)

	return &Result{
		Secret:                  newSecret,
		PreviousSecretExpiresAt: now.Add(m.grace),
	}, nil
}

// PreviousSecretValid reports whether the subscription's previous secret is
// still within its grace window.
func (m *Manager) PreviousSecretValid(sub *models.Subscription) bool {
	return sub.PreviousSecretValid(m.now().UTC(), m.grace)
}

// ClearPreviousSecret drops the previous secret and its rotation timestamp
// together, preserving the pairing invariant.
func (m *Manager) ClearPreviousSecret(ctx context.Context, subID uuid.UUID) error {
	return m.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", subID).
		Updates(map[string]interface{}{
			"previous_secret": nil,
			"rotated_at":      nil,
			"updated_at":      m.now().UTC(),
		}).Error
}

// SweepExpired clears every previous secret whose grace window has elapsed.
// Run periodically by the scheduler. Returns the number of rows cleared.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	now := m.now().UTC()
	cutoff := now.Add(-m.grace)

	res := m.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("previous_secret IS NOT NULL AND rotated_at <= ?", cutoff).
		Updates(map[string]interface{}{
			"previous_secret": nil,
			"rotated_at":      nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		m.logger.Info("Cleared expired previous secrets",
			zap.Int64("count", res.RowsAffected),
		)
	}
	return res.RowsAffected, nil
}
