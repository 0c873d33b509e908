// Package domain defines the lab session record and its state machine.
package domain

import (
	"errors"
	"time"
)

// State is the lifecycle state of a lab session.
type State string

const (
	// StateProvisioning is the initial state: credit debited, VM and gateway being set up.
	StateProvisioning State = "provisioning"
	// StateRunning means the session has a reachable remote-desktop endpoint and its clock is ticking.
	StateRunning State = "running"
	// StateTerminating means tear-down has started (user request or deadline).
	StateTerminating State = "terminating"
	// StateCompleted is terminal: the session ran out its duration budget.
	StateCompleted State = "completed"
	// StateTerminated is terminal: the user ended the session early.
	StateTerminated State = "terminated"
	// StateError is terminal: provisioning failed; the credit was refunded.
	StateError State = "error"
)

// TerminationReason records why a session left running (or provisioning).
type TerminationReason string

const (
	ReasonUser    TerminationReason = "user"
	ReasonTimeout TerminationReason = "timeout"
	ReasonError   TerminationReason = "error"
)

// OSVariant is one of the lab images a session can be provisioned with.
type OSVariant string

const (
	OSUbuntu     OSVariant = "Ubuntu"
	OSRockyLinux OSVariant = "Rocky Linux"
	OSOpenSUSE   OSVariant = "OpenSUSE"
)

// ErrUnknownOSVariant is returned by ParseOSVariant for values outside the supported set.
var ErrUnknownOSVariant = errors.New("unknown OS variant")

// ParseOSVariant validates a client-supplied OS name against the supported set.
func ParseOSVariant(s string) (OSVariant, error) {
	switch OSVariant(s) {
	case OSUbuntu, OSRockyLinux, OSOpenSUSE:
		return OSVariant(s), nil
	}
	return "", ErrUnknownOSVariant
}

// OSVariants lists the supported lab images.
func OSVariants() []OSVariant {
	return []OSVariant{OSUbuntu, OSRockyLinux, OSOpenSUSE}
}

// Endpoint is the remote-desktop connection handle returned by the gateway.
type Endpoint struct {
	URL      string
	Username string
	Password string
}

// Session represents one user's time-boxed lab allocation.
type Session struct {
	ID        string
	UserID    string
	OSVariant OSVariant
	State     State
	// DurationBudget is fixed at creation and never changes.
	DurationBudget time.Duration
	// Endpoint is set at most once, on the provisioning -> running transition.
	Endpoint          *Endpoint
	TerminationReason TerminationReason // empty until the session leaves running or fails
	CreatedAt         time.Time
	RunningSince      *time.Time // set when state becomes running; anchors the deadline
	EndedAt           *time.Time
}

// Terminal reports whether s is in a state that can never change again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTerminated || s == StateError
}

// Active reports whether s counts against the one-active-session-per-user invariant.
func (s State) Active() bool {
	return !s.Terminal()
}

// transitions is the allowed state graph. Terminal states have no exits.
var transitions = map[State][]State{
	StateProvisioning: {StateRunning, StateError},
	StateRunning:      {StateTerminating},
	StateTerminating:  {StateCompleted, StateTerminated},
}

// CanTransition reports whether from -> to is a legal state-machine edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Deadline returns when the session's budget runs out, or false if it never started running.
func (s *Session) Deadline() (time.Time, bool) {
	if s.RunningSince == nil {
		return time.Time{}, false
	}
	return s.RunningSince.Add(s.DurationBudget), true
}

// TimeRemaining returns the budget left at now, clamped at zero.
// It is zero for sessions that never reached running.
func (s *Session) TimeRemaining(now time.Time) time.Duration {
	deadline, ok := s.Deadline()
	if !ok {
		return 0
	}
	remaining := deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
