// Package events publishes session lifecycle events (e.g. to Kafka).
package events

import (
	"context"

	"unnati-cloud-labs/backend/internal/events/domain"
)

// Emitter emits lifecycle events. Best-effort; callers log and ignore errors.
type Emitter interface {
	// Emit sends a single event. Implementations may block briefly; use
	// EmitAsync from request handlers.
	Emit(ctx context.Context, event *domain.Event) error
}
