package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/hooksmith/webhook-engine/internal/config"
	"github.com/hooksmith/webhook-engine/internal/models"
	"github.com/hooksmith/webhook-engine/internal/signature"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.Delivery{}))
	return db
}

func testEngineConfig() *config.EngineConfig {
	return &config.EngineConfig{
		Timeout:           5 * time.Second,
		MaxRetries:        3,
		InitialDelay:      60 * time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          3600 * time.Second,
		MaxResponseBody:   2048,
	}
}

type failureCall struct {
	subscriptionID *uuid.UUID
	deliveryID     uuid.UUID
	reason         string
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []failureCall
}

func (n *captureNotifier) DeliveryFailed(_ context.Context, sub *models.Subscription, d *models.Delivery, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	call := failureCall{deliveryID: d.ID, reason: reason}
	if sub != nil {
		id := sub.ID
		call.subscriptionID = &id
	}
	n.calls = append(n.calls, call)
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func createTestSubscription(t *testing.T, db *gorm.DB, url string, status models.SubscriptionStatus) *models.Subscription {
	t.Helper()
	sub := &models.Subscription{
		ID:            uuid.New(),
		URL:           url,
		CurrentSecret: "whsec_delivery_test",
		Status:        status,
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func createTestDelivery(t *testing.T, db *gorm.DB, subID uuid.UUID, status models.DeliveryStatus, attempts int) *models.Delivery {
	t.Helper()
	d := &models.Delivery{
		ID:             uuid.New(),
		SubscriptionID: subID,
		EventName:      "user.created",
		Payload:        []byte(`{"event":"user.created","data":{"user_id":"u1"}}`),
		Status:         status,
		Attempts:       attempts,
		NextAttemptAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(d).Error)
	return d
}

func newTestProcessor(db *gorm.DB, notifier *captureNotifier) *Processor {
	return NewProcessor(db, testEngineConfig(), notifier, zap.NewNop())
}

func TestProcessDeliverySuccess(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		// The request must be verifiable with the subscription secret.
		ts, err := strconv.ParseInt(r.Header.Get(signature.TimestampHeader), 10, 64)
		require.NoError(t, err)
		sig := r.Header.Get(signature.SignatureHeader)
		assert.True(t, signature.Verify(body, "whsec_delivery_test", ts, sig))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionActive)
	d := createTestDelivery(t, db, sub.ID, models.DeliveryPending, 0)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	assert.Equal(t, models.DeliverySuccess, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ResponseCode)
	assert.Equal(t, 200, *got.ResponseCode)
	require.NotNil(t, got.ResponseBody)
	assert.Equal(t, "ok", *got.ResponseBody)
	assert.NotNil(t, got.DeliveredAt)
	assert.Nil(t, got.FailedAt)
	assert.True(t, got.Terminal())

	var gotSub models.Subscription
	require.NoError(t, db.First(&gotSub, "id = ?", sub.ID).Error)
	assert.Equal(t, int64(1), gotSub.SuccessCount)
	assert.Equal(t, int64(0), gotSub.FailureCount)
	assert.NotNil(t, gotSub.LastSuccessAt)

	assert.Zero(t, notifier.count())
}

func TestProcessDeliveryRetriesThenExhausts(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionActive)
	d := createTestDelivery(t, db, sub.ID, models.DeliveryPending, 0)

	p := newTestProcessor(db, notifier)

	// First two attempts fail retryably.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, p.Process(context.Background(), d.ID))

		var got models.Delivery
		require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
		assert.Equal(t, models.DeliveryFailed, got.Status)
		assert.Equal(t, attempt, got.Attempts)
		assert.Nil(t, got.FailedAt, "retryable failure must not set failed_at")
		assert.False(t, got.Terminal())
		assert.True(t, got.NextAttemptAt.After(time.Now().UTC()), "retry must be scheduled in the future")
	}

	// Third attempt exhausts the budget.
	require.NoError(t, p.Process(context.Background(), d.ID))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	assert.Equal(t, models.DeliveryFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.FailedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "max retries exhausted: HTTP 500", *got.ErrorMessage)
	assert.True(t, got.Terminal())

	var gotSub models.Subscription
	require.NoError(t, db.First(&gotSub, "id = ?", sub.ID).Error)
	assert.Equal(t, int64(1), gotSub.FailureCount, "one permanent failure, not one per attempt")
	assert.NotNil(t, gotSub.LastFailureAt)

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, reasonRetriesExhausted, notifier.calls[0].reason)

	// A duplicate task after the terminal state is a no-op.
	require.NoError(t, p.Process(context.Background(), d.ID))
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestProcessDeliveryPausedSubscription(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionPaused)
	d := createTestDelivery(t, db, sub.ID, models.DeliveryFailed, 1)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	assert.Zero(t, atomic.LoadInt32(&hits), "no HTTP attempt for an inactive subscription")

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	assert.Equal(t, models.DeliveryFailed, got.Status)
	require.NotNil(t, got.FailedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, reasonSubscriptionInactive, *got.ErrorMessage)
	assert.Equal(t, 1, got.Attempts, "no attempt consumed")

	var gotSub models.Subscription
	require.NoError(t, db.First(&gotSub, "id = ?", sub.ID).Error)
	assert.Equal(t, int64(0), gotSub.FailureCount, "no attempt was made, counters stay put")

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, reasonSubscriptionInactive, notifier.calls[0].reason)
	require.NotNil(t, notifier.calls[0].subscriptionID)
	assert.Equal(t, sub.ID, *notifier.calls[0].subscriptionID)
}

func TestProcessDeliveryDeletedSubscription(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	sub := createTestSubscription(t, db, "http://example.invalid", models.SubscriptionActive)
	d := createTestDelivery(t, db, sub.ID, models.DeliveryPending, 0)
	require.NoError(t, db.Delete(&models.Subscription{}, "id = ?", sub.ID).Error)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	require.NotNil(t, got.FailedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, reasonSubscriptionInactive, *got.ErrorMessage)

	require.Equal(t, 1, notifier.count())
	assert.Nil(t, notifier.calls[0].subscriptionID)
}

func TestProcessDeliveryClaimRace(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionActive)
	// Another worker already holds the processing claim.
	d := createTestDelivery(t, db, sub.ID, models.DeliveryProcessing, 1)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	assert.Zero(t, atomic.LoadInt32(&hits))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	assert.Equal(t, models.DeliveryProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Zero(t, notifier.count())
}

func TestProcessDeliveryMissingRecord(t *testing.T) {
	db := newTestDB(t)
	p := newTestProcessor(db, &captureNotifier{})

	assert.NoError(t, p.Process(context.Background(), uuid.New()))
}

func TestProcessDeliveryExhaustedAtEntry(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionActive)
	// Crash-recovery shape: the budget was consumed but the record was never
	// finalized.
	d := createTestDelivery(t, db, sub.ID, models.DeliveryFailed, 3)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	assert.Zero(t, atomic.LoadInt32(&hits))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	require.NotNil(t, got.FailedAt)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, reasonRetriesExhausted, *got.ErrorMessage)
	assert.Equal(t, 3, got.Attempts)

	require.Equal(t, 1, notifier.count())
	assert.Equal(t, reasonRetriesExhausted, notifier.calls[0].reason)
}

func TestProcessDeliverySubscriptionOverrides(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionActive)
	require.NoError(t, db.Model(sub).Update("max_retries", 1).Error)
	d := createTestDelivery(t, db, sub.ID, models.DeliveryPending, 0)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	require.NotNil(t, got.FailedAt, "single-retry subscription fails permanently on first error")
	assert.Equal(t, 1, got.Attempts)
}

func TestProcessSupersededMidFlightDiscardsOutcome(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	// While this worker's request is in flight, its claim goes stale, gets
	// rescued, and a duplicate task runs the record to a terminal failure.
	// The late 2xx outcome must be discarded, not applied over it.
	var d *models.Delivery
	terminalAt := time.Now().UTC().Add(-time.Minute)
	terminalMsg := "max retries exhausted: HTTP 500"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		err := db.Model(&models.Delivery{}).
			Where("id = ?", d.ID).
			Updates(map[string]interface{}{
				"status":        models.DeliveryFailed,
				"attempts":      3,
				"failed_at":     terminalAt,
				"error_message": terminalMsg,
			}).Error
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := createTestSubscription(t, db, server.URL, models.SubscriptionActive)
	d = createTestDelivery(t, db, sub.ID, models.DeliveryPending, 0)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	assert.Equal(t, models.DeliveryFailed, got.Status, "terminal record stays terminal")
	require.NotNil(t, got.FailedAt)
	assert.WithinDuration(t, terminalAt, *got.FailedAt, time.Second)
	assert.Nil(t, got.DeliveredAt, "delivered_at and failed_at stay mutually exclusive")
	assert.Equal(t, 3, got.Attempts, "attempts never rewind")
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, terminalMsg, *got.ErrorMessage)

	var gotSub models.Subscription
	require.NoError(t, db.First(&gotSub, "id = ?", sub.ID).Error)
	assert.Equal(t, int64(0), gotSub.SuccessCount, "discarded outcome moves no counters")
}

func TestProcessPausedSubscriptionLeavesClaimedDeliveryAlone(t *testing.T) {
	db := newTestDB(t)
	notifier := &captureNotifier{}

	sub := createTestSubscription(t, db, "http://example.invalid", models.SubscriptionPaused)
	// Another worker holds the processing claim; pausing the subscription
	// must not let a duplicate task finalize the row out from under it.
	d := createTestDelivery(t, db, sub.ID, models.DeliveryProcessing, 1)

	p := newTestProcessor(db, notifier)
	require.NoError(t, p.Process(context.Background(), d.ID))

	var got models.Delivery
	require.NoError(t, db.First(&got, "id = ?", d.ID).Error)
	assert.Equal(t, models.DeliveryProcessing, got.Status)
	assert.Nil(t, got.FailedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, 1, got.Attempts)

	assert.Zero(t, notifier.count(), "no alert for a row the claim holder still owns")
}
