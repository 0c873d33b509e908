// Package repository persists lab sessions. It is the source of truth for
// "does this user have an active session".
package repository

import (
	"context"
	"errors"
	"time"

	"unnati-cloud-labs/backend/internal/session/domain"
)

var (
	// ErrNotFound is returned when a session ID does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrActiveSessionExists is returned by CreateIfNoActiveSession when the
	// user already owns a non-terminal session.
	ErrActiveSessionExists = errors.New("active session exists")
	// ErrStateConflict is returned by Transition when the session is no longer
	// in the state the caller expected. Losers of a transition race must
	// discard it, never overwrite.
	ErrStateConflict = errors.New("session state conflict")
)

// TransitionFields are the columns a state transition may set alongside the new state.
// Nil fields are left untouched.
type TransitionFields struct {
	RunningSince      *time.Time
	Endpoint          *domain.Endpoint
	TerminationReason *domain.TerminationReason
	EndedAt           *time.Time
}

// Repository is the session store contract used by the orchestrator and scheduler.
type Repository interface {
	// CreateIfNoActiveSession persists s (state provisioning) unless the user
	// already owns a non-terminal session; then it returns ErrActiveSessionExists.
	// Atomic with respect to concurrent start requests for the same user.
	CreateIfNoActiveSession(ctx context.Context, s *domain.Session) error
	// Transition moves the session from expected to next, applying fields.
	// Returns ErrStateConflict if the session exists but is not in expected,
	// ErrNotFound if it does not exist.
	Transition(ctx context.Context, id string, expected, next domain.State, fields TransitionFields) (*domain.Session, error)
	// GetByID returns the session or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// GetActiveForUser returns the user's non-terminal session, or nil if none.
	GetActiveForUser(ctx context.Context, userID string) (*domain.Session, error)
	// ListByState returns all sessions currently in the given state (scheduler replay).
	ListByState(ctx context.Context, state domain.State) ([]*domain.Session, error)
	// ListByUser returns the user's sessions, newest first, up to limit.
	ListByUser(ctx context.Context, userID string, limit int32) ([]*domain.Session, error)
}
