package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hooksmith/webhook-engine/internal/models"
)

func TestResolveEventName(t *testing.T) {
	name, ok := ResolveEventName(models.PermissionGranted)
	require.True(t, ok)
	assert.Equal(t, "permission.granted", name)

	_, ok = ResolveEventName("audit.log.written")
	assert.False(t, ok)
}

func TestBuildPayloadProjections(t *testing.T) {
	ts := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	data := models.SourceEventData{
		UserID:         "u-1",
		Email:          "a@example.com",
		Username:       "alice",
		RoleID:         "r-1",
		RoleName:       "admin",
		PermissionID:   "p-1",
		PermissionCode: "users:write",
		IPAddress:      "203.0.113.9",
		UserAgent:      "test-agent",
	}

	tests := []struct {
		eventType models.SourceEventType
		wantKeys  []string
	}{
		{models.UserCreated, []string{"user_id", "email", "username"}},
		{models.UserUpdated, []string{"user_id", "email", "username"}},
		{models.UserDeleted, []string{"user_id"}},
		{models.UserLogout, []string{"user_id"}},
		{models.UserLogin, []string{"user_id", "ip_address", "user_agent"}},
		{models.RoleAssigned, []string{"user_id", "role_id", "role_name"}},
		{models.RoleRevoked, []string{"user_id", "role_id", "role_name"}},
		{models.PermissionGranted, []string{"role_id", "permission_id", "permission_code"}},
		{models.PermissionRevoked, []string{"role_id", "permission_id", "permission_code"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			name, ok := ResolveEventName(tt.eventType)
			require.True(t, ok)

			p := BuildPayload(&models.SourceEvent{EventType: tt.eventType, Timestamp: ts, Data: data}, name)
			assert.Equal(t, name, p.Event)
			assert.Equal(t, "2026-04-01T09:30:00Z", p.Timestamp)

			assert.Len(t, p.Data, len(tt.wantKeys), "projection must carry only its own fields")
			for _, key := range tt.wantKeys {
				assert.Contains(t, p.Data, key)
			}
		})
	}
}

func TestBuildPayloadZeroTimestamp(t *testing.T) {
	before := time.Now().UTC()
	p := BuildPayload(&models.SourceEvent{EventType: models.UserDeleted}, "user.deleted")

	parsed, err := time.Parse(time.RFC3339, p.Timestamp)
	require.NoError(t, err)
	assert.False(t, parsed.Before(before.Truncate(time.Second)))
}
