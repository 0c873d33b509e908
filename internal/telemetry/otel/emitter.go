package otel

import (
	"context"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"unnati-cloud-labs/backend/internal/events"
	"unnati-cloud-labs/backend/internal/events/domain"
)

// NewEventEmitter returns an events.Emitter that mirrors session lifecycle
// events as OTel log records. With a nil provider it is a no-op, so the
// mirror can be disabled without conditional wiring at the call sites.
func NewEventEmitter(provider *sdklog.LoggerProvider) events.Emitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &logEmitter{logger: provider.Logger("cloudlabs.events")}
}

// recordLogger is the narrow logger surface the emitter writes to.
type recordLogger interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitterWithLogger builds an emitter on an explicit logger. Used by
// tests to capture records.
func NewEventEmitterWithLogger(logger recordLogger) events.Emitter {
	return &logEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Event) error { return nil }

type logEmitter struct {
	logger recordLogger
}

// Emit converts the event to an OTel log record. Best-effort by contract.
func (e *logEmitter) Emit(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	if !event.CreatedAt.IsZero() {
		rec.SetTimestamp(event.CreatedAt)
	}
	rec.SetBody(otellog.StringValue(string(event.EventType)))
	rec.AddAttributes(
		otellog.String("event_type", string(event.EventType)),
		otellog.String("session_id", event.SessionID),
		otellog.String("user_id", event.UserID),
	)
	if event.OSVariant != "" {
		rec.AddAttributes(otellog.String("os_variant", event.OSVariant))
	}
	if event.Detail != "" {
		rec.AddAttributes(otellog.String("detail", event.Detail))
	}
	e.logger.Emit(ctx, rec)
	return nil
}
