// Package repository persists audit log entries.
package repository

import (
	"context"

	"unnati-cloud-labs/backend/internal/audit/domain"
)

// Repository is the audit log store contract.
type Repository interface {
	// Create persists one audit entry.
	Create(ctx context.Context, entry *domain.AuditLog) error
	// ListByUser returns the user's entries, newest first, up to limit.
	ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.AuditLog, error)
}
