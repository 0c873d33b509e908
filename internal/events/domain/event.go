package domain

import "time"

// Type is a session lifecycle event type.
type Type string

const (
	SessionStarted    Type = "session_started"
	SessionRunning    Type = "session_running"
	SessionExpiring   Type = "session_expiring"
	SessionCompleted  Type = "session_completed"
	SessionTerminated Type = "session_terminated"
	ProvisionFailed   Type = "provision_failed"
)

// Event is one session lifecycle event, serialized as JSON onto the event
// topic and labeled in Loki by event_type and os_variant.
type Event struct {
	ID        string    `json:"id"`
	EventType Type      `json:"eventType"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	OSVariant string    `json:"osVariant,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}
