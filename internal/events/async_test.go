package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"unnati-cloud-labs/backend/internal/events/domain"
)

type mockEmitter struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
	done   chan struct{}
}

func newMockEmitter(err error) *mockEmitter {
	return &mockEmitter{err: err, done: make(chan struct{}, 16)}
}

func (m *mockEmitter) Emit(ctx context.Context, event *domain.Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	m.done <- struct{}{}
	return m.err
}

func (m *mockEmitter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestEmitAsync_Delivers(t *testing.T) {
	emitter := newMockEmitter(nil)
	event := &domain.Event{ID: "evt-1", EventType: domain.SessionStarted, SessionID: "sess-1"}

	EmitAsync(emitter, context.Background(), event)

	select {
	case <-emitter.done:
	case <-time.After(time.Second):
		t.Fatal("emit never happened")
	}
	if emitter.count() != 1 {
		t.Fatalf("emitted %d events, want 1", emitter.count())
	}
	if emitter.events[0].ID != "evt-1" {
		t.Errorf("event ID = %q", emitter.events[0].ID)
	}
}

func TestEmitAsync_SurvivesCanceledRequestContext(t *testing.T) {
	emitter := newMockEmitter(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	EmitAsync(emitter, ctx, &domain.Event{ID: "evt-1"})

	select {
	case <-emitter.done:
	case <-time.After(time.Second):
		t.Fatal("emit aborted by request cancellation")
	}
}

func TestEmitAsync_NilSafe(t *testing.T) {
	// Must not panic or spawn goroutines.
	EmitAsync(nil, context.Background(), &domain.Event{})
	EmitAsync(newMockEmitter(nil), context.Background(), nil)
}

func TestEmitAsync_ErrorIgnored(t *testing.T) {
	emitter := newMockEmitter(errors.New("broker down"))
	EmitAsync(emitter, context.Background(), &domain.Event{ID: "evt-1"})
	select {
	case <-emitter.done:
	case <-time.After(time.Second):
		t.Fatal("emit never attempted")
	}
}
