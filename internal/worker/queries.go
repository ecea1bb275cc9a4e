package worker

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/models"
)

func loadDelivery(db *gorm.DB, id uuid.UUID) (*models.Delivery, error) {
	var d models.Delivery
	if err := db.First(&d, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func loadSubscription(db *gorm.DB, id uuid.UUID) (*models.Subscription, error) {
	var s models.Subscription
	if err := db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// claimDelivery is the mutual-exclusion point of the state machine: the
// conditional pending/failed→processing transition succeeds for exactly one
// worker. It also increments the attempt counter atomically; the attempts
// column is written here and nowhere else, so it only ever grows. Returns
// false when another worker holds the claim or the record turned terminal.
func claimDelivery(db *gorm.DB, id uuid.UUID) (bool, error) {
	res := db.Model(&models.Delivery{}).
		Where("id = ? AND status IN ? AND failed_at IS NULL",
			id, []models.DeliveryStatus{models.DeliveryPending, models.DeliveryFailed}).
		Updates(map[string]interface{}{
			"status":     models.DeliveryProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// claimHeld scopes an outcome write to the processing claim still being
// held. A rescued or superseded claim fails the condition and the write
// becomes a no-op, so a terminal record is never touched again.
func claimHeld(db *gorm.DB, id uuid.UUID) *gorm.DB {
	return db.Model(&models.Delivery{}).
		Where("id = ? AND status = ? AND failed_at IS NULL AND delivered_at IS NULL",
			id, models.DeliveryProcessing)
}

// finalizeSuccess marks the record delivered and bumps the subscription's
// success bookkeeping. Returns false without moving any counter when the
// claim was lost in the meantime. The record update and the counter
// increment are two writes; a crash between them may drift the counter by
// one.
func finalizeSuccess(db *gorm.DB, d *models.Delivery, res *Result, now time.Time) (bool, error) {
	var applied bool
	err := db.Transaction(func(tx *gorm.DB) error {
		r := claimHeld(tx, d.ID).Updates(map[string]interface{}{
			"status":        models.DeliverySuccess,
			"response_code": res.StatusCode,
			"response_body": res.Body,
			"delivered_at":  now,
			"updated_at":    now,
		})
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return nil
		}
		applied = true

		return tx.Model(&models.Subscription{}).
			Where("id = ?", d.SubscriptionID).
			Updates(map[string]interface{}{
				"success_count":   gorm.Expr("success_count + 1"),
				"last_success_at": now,
				"updated_at":      now,
			}).Error
	})
	return applied, err
}

// scheduleRetry records the failed attempt and makes the delivery due again
// at the backoff time. The status goes back to failed without failed_at,
// which is the retryable failure state. Returns false when the claim was
// lost in the meantime.
func scheduleRetry(db *gorm.DB, d *models.Delivery, res *Result, out Outcome, now time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":          models.DeliveryFailed,
		"next_attempt_at": out.NextAttemptAt,
		"updated_at":      now,
	}
	if res.StatusCode != nil {
		updates["response_code"] = res.StatusCode
		updates["response_body"] = res.Body
	}
	if out.ErrorMessage != nil {
		updates["error_message"] = *out.ErrorMessage
	}

	r := claimHeld(db, d.ID).Updates(updates)
	if r.Error != nil {
		return false, r.Error
	}
	return r.RowsAffected > 0, nil
}

// finalizeFailure marks the delivery permanently failed and bumps the
// subscription's failure bookkeeping. Returns false without moving any
// counter when the claim was lost in the meantime.
func finalizeFailure(db *gorm.DB, d *models.Delivery, res *Result, errMsg *string, now time.Time) (bool, error) {
	var applied bool
	err := db.Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"status":     models.DeliveryFailed,
			"failed_at":  now,
			"updated_at": now,
		}
		if res != nil && res.StatusCode != nil {
			updates["response_code"] = res.StatusCode
			updates["response_body"] = res.Body
		}
		if errMsg != nil {
			updates["error_message"] = *errMsg
		}

		r := claimHeld(tx, d.ID).Updates(updates)
		if r.Error != nil {
			return r.Error
		}
		if r.RowsAffected == 0 {
			return nil
		}
		applied = true

		return tx.Model(&models.Subscription{}).
			Where("id = ?", d.SubscriptionID).
			Updates(map[string]interface{}{
				"failure_count":   gorm.Expr("failure_count + 1"),
				"last_failure_at": now,
				"updated_at":      now,
			}).Error
	})
	return applied, err
}

// finalizeWithoutAttempt terminates a delivery that never reached the HTTP
// call, e.g. because its subscription went inactive. Only claimable rows
// qualify: a processing row belongs to the worker holding the claim (or to
// the stale rescue) and is left alone. No counters move since no attempt
// was made. Returns false when nothing was finalized.
func finalizeWithoutAttempt(db *gorm.DB, id uuid.UUID, reason string, now time.Time) (bool, error) {
	r := db.Model(&models.Delivery{}).
		Where("id = ? AND status IN ? AND failed_at IS NULL",
			id, []models.DeliveryStatus{models.DeliveryPending, models.DeliveryFailed}).
		Updates(map[string]interface{}{
			"status":        models.DeliveryFailed,
			"failed_at":     now,
			"error_message": reason,
			"updated_at":    now,
		})
	if r.Error != nil {
		return false, r.Error
	}
	return r.RowsAffected > 0, nil
}
