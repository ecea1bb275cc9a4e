package models

import "time"

// SourceEventType tags a domain event raised by the core backend.
type SourceEventType string

const (
	UserCreated       SourceEventType = "user.created"
	UserUpdated       SourceEventType = "user.updated"
	UserDeleted       SourceEventType = "user.deleted"
	UserLogin         SourceEventType = "user.login"
	UserLogout        SourceEventType = "user.logout"
	RoleAssigned      SourceEventType = "role.assigned"
	RoleRevoked       SourceEventType = "role.revoked"
	PermissionGranted SourceEventType = "permission.granted"
	PermissionRevoked SourceEventType = "permission.revoked"
)

// SourceEvent is a domain event as published by the core backend on the
// source queue. Data carries the union of fields across event variants;
// the dispatcher projects the relevant subset per event type so raw entity
// fields never leak to subscribers.
type SourceEvent struct {
	EventType SourceEventType `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      SourceEventData `json:"data"`
}

// SourceEventData is the variant payload of a SourceEvent.
type SourceEventData struct {
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`

	RoleID   string `json:"role_id,omitempty"`
	RoleName string `json:"role_name,omitempty"`

	PermissionID   string `json:"permission_id,omitempty"`
	PermissionCode string `json:"permission_code,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// DeliveryMessage is the unit of work published to the delivery queue.
// It references the delivery record by id; the payload snapshot is read
// back from the store so retries resend the original bytes.
type DeliveryMessage struct {
	DeliveryID string `json:"delivery_id"`
}
