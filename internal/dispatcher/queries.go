package dispatcher

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/models"
)

// matchingSubscriptions returns active subscriptions listening to the given
// webhook event name. Event-set filtering happens in application code: the
// subscribed set is a JSON column, and the active set per tenant is small.
func matchingSubscriptions(db *gorm.DB, eventName string) ([]models.Subscription, error) {
	var active []models.Subscription
	err := db.Where("status = ?", models.SubscriptionActive).Find(&active).Error
	if err != nil {
		return nil, err
	}

	matched := make([]models.Subscription, 0, len(active))
	for _, sub := range active {
		if sub.Matches(eventName) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

// createDeliveries creates one pending delivery per subscription inside a
// transaction and stamps last_triggered_at on the subscriptions. The
// next_attempt_at is set past the requeue window because the caller
// publishes the tasks immediately after commit.
func createDeliveries(db *gorm.DB, subs []models.Subscription, eventName string, payload []byte) ([]models.Delivery, error) {
	now := time.Now().UTC()

	deliveries := make([]models.Delivery, 0, len(subs))
	subIDs := make([]uuid.UUID, 0, len(subs))
	for _, sub := range subs {
		deliveries = append(deliveries, models.Delivery{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			EventName:      eventName,
			Payload:        payload,
			Status:         models.DeliveryPending,
			NextAttemptAt:  now.Add(requeueAfter),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		subIDs = append(subIDs, sub.ID)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&deliveries).Error; err != nil {
			return err
		}
		return tx.Model(&models.Subscription{}).
			Where("id IN ?", subIDs).
			Updates(map[string]interface{}{
				"last_triggered_at": now,
				"updated_at":        now,
			}).Error
	})
	if err != nil {
		return nil, err
	}

	return deliveries, nil
}

// resetNextAttempt makes a delivery immediately due for the scheduler,
// used when the post-commit queue publish failed.
func resetNextAttempt(db *gorm.DB, deliveryID uuid.UUID) error {
	now := time.Now().UTC()
	return db.Model(&models.Delivery{}).
		Where("id = ?", deliveryID).
		Updates(map[string]interface{}{
			"next_attempt_at": now,
			"updated_at":      now,
		}).Error
}
