package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionMatches(t *testing.T) {
	t.Run("empty set matches everything", func(t *testing.T) {
		sub := &Subscription{}
		assert.True(t, sub.Matches("user.created"))
		assert.True(t, sub.Matches("permission.revoked"))
	})

	t.Run("explicit set is exact", func(t *testing.T) {
		sub := &Subscription{SubscribedEvents: []string{"user.created", "role.assigned"}}
		assert.True(t, sub.Matches("user.created"))
		assert.True(t, sub.Matches("role.assigned"))
		assert.False(t, sub.Matches("user.deleted"))
		assert.False(t, sub.Matches("user"))
	})
}

func TestSubscriptionIsActive(t *testing.T) {
	assert.True(t, (&Subscription{Status: SubscriptionActive}).IsActive())
	assert.False(t, (&Subscription{Status: SubscriptionPaused}).IsActive())
	assert.False(t, (&Subscription{Status: SubscriptionInactive}).IsActive())
}

func TestSubscriptionEffectiveOverrides(t *testing.T) {
	def := 30 * time.Second

	sub := &Subscription{}
	assert.Equal(t, def, sub.EffectiveTimeout(def))
	assert.Equal(t, 3, sub.EffectiveMaxRetries(3))

	sub = &Subscription{TimeoutSeconds: 5, MaxRetries: 10}
	assert.Equal(t, 5*time.Second, sub.EffectiveTimeout(def))
	assert.Equal(t, 10, sub.EffectiveMaxRetries(3))
}

func TestSubscriptionPreviousSecretValid(t *testing.T) {
	grace := 7 * 24 * time.Hour
	rotatedAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	secret := "whsec_old"

	t.Run("nil fields", func(t *testing.T) {
		assert.False(t, (&Subscription{}).PreviousSecretValid(rotatedAt, grace))
		assert.False(t, (&Subscription{PreviousSecret: &secret}).PreviousSecretValid(rotatedAt, grace))
		assert.False(t, (&Subscription{RotatedAt: &rotatedAt}).PreviousSecretValid(rotatedAt.Add(time.Hour), grace))
	})

	sub := &Subscription{PreviousSecret: &secret, RotatedAt: &rotatedAt}

	t.Run("inside window", func(t *testing.T) {
		assert.True(t, sub.PreviousSecretValid(rotatedAt.Add(grace-time.Second), grace))
	})
	t.Run("at and past expiry", func(t *testing.T) {
		assert.False(t, sub.PreviousSecretValid(rotatedAt.Add(grace), grace))
		assert.False(t, sub.PreviousSecretValid(rotatedAt.Add(grace+time.Hour), grace))
	})
}

func TestDeliveryTerminal(t *testing.T) {
	now := time.Now().UTC()

	assert.True(t, (&Delivery{Status: DeliverySuccess}).Terminal())
	assert.True(t, (&Delivery{Status: DeliveryFailed, FailedAt: &now}).Terminal())
	assert.False(t, (&Delivery{Status: DeliveryFailed}).Terminal(), "failed without failed_at is retryable")
	assert.False(t, (&Delivery{Status: DeliveryPending}).Terminal())
	assert.False(t, (&Delivery{Status: DeliveryProcessing}).Terminal())
}
