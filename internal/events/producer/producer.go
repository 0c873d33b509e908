// Package producer writes lifecycle events to Kafka.
package producer

import (
	"context"

	"unnati-cloud-labs/backend/internal/events/domain"
)

// Producer emits lifecycle events to a broker. Callers use it best-effort:
// log and ignore errors.
type Producer interface {
	// Emit sends a single event. Returns an error only on write failure.
	Emit(ctx context.Context, event *domain.Event) error
	// Close releases resources (e.g. the Kafka writer). Safe to call if already closed.
	Close() error
}
