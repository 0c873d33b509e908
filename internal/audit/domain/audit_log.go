package domain

import "time"

// AuditLog is one recorded action against a resource (e.g. start/session).
type AuditLog struct {
	ID        string
	UserID    string
	Action    string
	Resource  string
	IP        string
	Metadata  string
	CreatedAt time.Time
}
