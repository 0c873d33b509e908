// Package scheduler drives time-based session expiry: a warning at a fixed
// lead before the deadline and forced termination at the deadline. Deadlines
// live in memory but are reconstructed from the session store on startup, so
// a process restart never loses one.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"unnati-cloud-labs/backend/internal/session/domain"
)

// Handler receives the timed callbacks. Both must be idempotent and safe to
// fire for sessions that already left running; the state-machine guard makes
// a late fire a no-op.
type Handler interface {
	// HandleWarning fires once per session at deadline minus the warning lead.
	HandleWarning(ctx context.Context, sessionID string)
	// HandleDeadline fires at the deadline and forces termination.
	HandleDeadline(ctx context.Context, sessionID string)
}

// Store is the slice of the session store the scheduler needs for replay.
type Store interface {
	ListByState(ctx context.Context, state domain.State) ([]*domain.Session, error)
}

type entry struct {
	deadline time.Time
	warnAt   time.Time
	warned   bool
}

// Scheduler evaluates registered deadlines on a fixed tick.
type Scheduler struct {
	store    Store
	tick     time.Duration
	warnLead time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	handler Handler

	now func() time.Time
}

// New returns a Scheduler that checks deadlines every tick and warns warnLead
// before each deadline. Call SetHandler before Run.
func New(store Store, tick, warnLead time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		tick:     tick,
		warnLead: warnLead,
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
}

// SetHandler sets the callback target. Wired after construction because the
// orchestrator and scheduler reference each other.
func (s *Scheduler) SetHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Register schedules the warning and deadline callbacks for a session that
// entered running. Re-registering a session replaces its entry.
func (s *Scheduler) Register(sessionID string, runningSince time.Time, budget time.Duration) {
	deadline := runningSince.Add(budget)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = &entry{
		deadline: deadline,
		warnAt:   deadline.Add(-s.warnLead),
		// A session re-registered past its warning point starts warned,
		// so replay after restart does not duplicate the warning.
		warned: !s.now().Before(deadline.Add(-s.warnLead)),
	}
}

// Unregister drops the session's pending callbacks. Called whenever a session
// leaves running before its deadline, to avoid a spurious forced termination.
func (s *Scheduler) Unregister(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

// Pending reports whether the session still has a registered deadline.
func (s *Scheduler) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[sessionID]
	return ok
}

// Resync rebuilds pending deadlines from the store's running sessions.
// Call once on startup before Run.
func (s *Scheduler) Resync(ctx context.Context) error {
	running, err := s.store.ListByState(ctx, domain.StateRunning)
	if err != nil {
		return err
	}
	for _, session := range running {
		if session.RunningSince == nil {
			log.Printf("scheduler: running session %s has no running_since; skipping", session.ID)
			continue
		}
		s.Register(session.ID, *session.RunningSince, session.DurationBudget)
	}
	return nil
}

// Run evaluates deadlines every tick until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

// evaluate fires due callbacks. Handlers run outside the lock: they call back
// into the store and may Unregister.
func (s *Scheduler) evaluate(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	handler := s.handler
	var warnings, deadlines []string
	for id, e := range s.entries {
		if !now.Before(e.deadline) {
			deadlines = append(deadlines, id)
			delete(s.entries, id)
			continue
		}
		if !e.warned && !now.Before(e.warnAt) {
			e.warned = true
			warnings = append(warnings, id)
		}
	}
	s.mu.Unlock()

	if handler == nil {
		if len(warnings) > 0 || len(deadlines) > 0 {
			log.Printf("scheduler: %d callbacks due but no handler set", len(warnings)+len(deadlines))
		}
		return
	}
	for _, id := range warnings {
		handler.HandleWarning(ctx, id)
	}
	for _, id := range deadlines {
		handler.HandleDeadline(ctx, id)
	}
}
