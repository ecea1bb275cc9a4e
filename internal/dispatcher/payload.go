package dispatcher

import (
	"time"

	"github.com/hooksmith/webhook-engine/internal/models"
)

// eventNames is the static mapping from domain event classes to the webhook
// event names subscribers register for. Domain events with no entry are
// ignored by the dispatcher.
var eventNames = map[models.SourceEventType]string{
	models.UserCreated:       "user.created",
	models.UserUpdated:       "user.updated",
	models.UserDeleted:       "user.deleted",
	models.UserLogin:         "user.login",
	models.UserLogout:        "user.logout",
	models.RoleAssigned:      "role.assigned",
	models.RoleRevoked:       "role.revoked",
	models.PermissionGranted: "permission.granted",
	models.PermissionRevoked: "permission.revoked",
}

// ResolveEventName returns the webhook event name for a domain event class.
func ResolveEventName(t models.SourceEventType) (string, bool) {
	name, ok := eventNames[t]
	return name, ok
}

// Payload is the canonical body POSTed to subscribers.
type Payload struct {
	Event     string                 `json:"event"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// BuildPayload assembles the canonical payload for an event. Data is a
// minimal per-variant projection; the raw source entity is never forwarded.
func BuildPayload(evt *models.SourceEvent, eventName string) Payload {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Payload{
		Event:     eventName,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Data:      buildData(evt),
	}
}

// buildData projects the event-specific fields for each variant.
func buildData(evt *models.SourceEvent) map[string]interface{} {
	d := evt.Data
	switch evt.EventType {
	case models.UserCreated, models.UserUpdated:
		return map[string]interface{}{
			"user_id":  d.UserID,
			"email":    d.Email,
			"username": d.Username,
		}
	case models.UserDeleted, models.UserLogout:
		return map[string]interface{}{
			"user_id": d.UserID,
		}
	case models.UserLogin:
		return map[string]interface{}{
			"user_id":    d.UserID,
			"ip_address": d.IPAddress,
			"user_agent": d.UserAgent,
		}
	case models.RoleAssigned, models.RoleRevoked:
		return map[string]interface{}{
			"user_id":   d.UserID,
			"role_id":   d.RoleID,
			"role_name": d.RoleName,
		}
	case models.PermissionGranted, models.PermissionRevoked:
		return map[string]interface{}{
			"role_id":         d.RoleID,
			"permission_id":   d.PermissionID,
			"permission_code": d.PermissionCode,
		}
	default:
		return map[string]interface{}{}
	}
}
