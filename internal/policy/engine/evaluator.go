// Package engine evaluates session-start policy with OPA Rego.
package engine

import "context"

// StartInput is the policy input for one session start request.
type StartInput struct {
	UserID          string
	OSVariant       string
	Credits         int
	MaintenanceMode bool
}

// Decision is the policy outcome. Reason is set when Allow is false.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator decides whether a session start is allowed.
type Evaluator interface {
	EvaluateStart(ctx context.Context, input StartInput) (*Decision, error)
	// HealthCheck verifies the policy compiles and evaluates.
	HealthCheck(ctx context.Context) error
}
