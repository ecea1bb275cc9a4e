package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionStatus is the lifecycle state of a webhook subscription.
// Only active subscriptions receive new deliveries.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionInactive SubscriptionStatus = "inactive"
	SubscriptionPaused   SubscriptionStatus = "paused"
)

// Subscription is a registered external endpoint plus its signing and retry
// configuration. Secrets are never serialized; they are returned exactly once
// by the create and rotate operations.
type Subscription struct {
	ID uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`

	URL string `gorm:"not null" json:"url"`

	CurrentSecret  string     `gorm:"not null" json:"-"`
	PreviousSecret *string    `json:"-"`
	RotatedAt      *time.Time `json:"rotated_at,omitempty"`

	// SubscribedEvents is the set of webhook event names this subscription
	// listens to. Empty means "all events".
	SubscribedEvents []string `gorm:"serializer:json" json:"subscribed_events"`

	Status SubscriptionStatus `gorm:"not null;default:'active'" json:"status"`

	// Per-subscription overrides of the engine defaults. Zero means
	// "use the engine default".
	TimeoutSeconds int `json:"timeout_seconds"`
	MaxRetries     int `json:"max_retries"`

	SuccessCount    int64      `gorm:"not null;default:0" json:"success_count"`
	FailureCount    int64      `gorm:"not null;default:0" json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	LastSuccessAt   *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Subscription) TableName() string {
	return "webhook_subscriptions"
}

// IsActive reports whether the subscription should receive deliveries.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

// Matches reports whether the subscription listens to the given webhook
// event name. An empty subscribed set matches every event.
func (s *Subscription) Matches(eventName string) bool {
	if len(s.SubscribedEvents) == 0 {
		return true
	}
	for _, name := range s.SubscribedEvents {
		if name == eventName {
			return true
		}
	}
	return false
}

// EffectiveTimeout returns the per-subscription HTTP timeout, falling back
// to the engine default when no override is set.
func (s *Subscription) EffectiveTimeout(def time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return def
}

// EffectiveMaxRetries returns the per-subscription attempt limit, falling
// back to the engine default when no override is set.
func (s *Subscription) EffectiveMaxRetries(def int) int {
	if s.MaxRetries > 0 {
		return s.MaxRetries
	}
	return def
}

// PreviousSecretValid reports whether the previous signing secret is still
// accepted: it must exist and the rotation grace window must not have
// elapsed.
func (s *Subscription) PreviousSecretValid(now time.Time, grace time.Duration) bool {
	if s.PreviousSecret == nil || s.RotatedAt == nil {
		return false
	}
	return now.Before(s.RotatedAt.Add(grace))
}
