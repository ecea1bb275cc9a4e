package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// DeliveryStatus is the state of a delivery record.
//
// pending → processing → {success | failed}. A failed record with no
// failed_at timestamp is retryable; once failed_at is set the failure is
// permanent and the record is never mutated again.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySuccess    DeliveryStatus = "success"
	DeliveryFailed     DeliveryStatus = "failed"
)

// Delivery tracks the attempts to deliver one event to one subscription.
// The payload is an immutable snapshot taken at dispatch time; retries
// resend exactly what was originally computed.
type Delivery struct {
	ID             uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	SubscriptionID uuid.UUID    `gorm:"type:uuid;not null;index" json:"subscription_id"`
	Subscription   Subscription `gorm:"foreignKey:SubscriptionID" json:"-"`

	EventName string         `gorm:"not null" json:"event_name"`
	Payload   datatypes.JSON `gorm:"not null" json:"payload"`

	Status   DeliveryStatus `gorm:"not null;default:'pending'" json:"status"`
	Attempts int            `gorm:"not null;default:0" json:"attempts"`

	ResponseCode *int    `json:"response_code,omitempty"`
	ResponseBody *string `json:"response_body,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`

	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`

	// NextAttemptAt is when the delivery becomes due for the scheduler.
	// Publishing to the delivery queue pushes it forward so a row is only
	// re-enqueued if its queue message was lost.
	NextAttemptAt time.Time `gorm:"not null;index" json:"next_attempt_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Delivery) TableName() string {
	return "webhook_deliveries"
}

// Terminal reports whether the delivery reached a final state. Terminal
// records must never be mutated again.
func (d *Delivery) Terminal() bool {
	if d.Status == DeliverySuccess {
		return true
	}
	return d.Status == DeliveryFailed && d.FailedAt != nil
}
