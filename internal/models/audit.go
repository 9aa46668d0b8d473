package models

import "time"

type EventType string

const (
	EventCreated  EventType = "created"
	EventAccessed EventType = "accessed"
)

// Requester describes who triggered a lifecycle transition.
type Requester struct {
	IPAddress string
	UserAgent string
}

// AuditEvent is one append-only row per lifecycle transition.
type AuditEvent struct {
	ID        string    `json:"id" validate:"required"`
	SecretID  string    `json:"secret_id" validate:"required"`
	Type      EventType `json:"event_type" validate:"required,oneof=created accessed"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	CreatedAt time.Time `json:"created_at" validate:"required"`
}
