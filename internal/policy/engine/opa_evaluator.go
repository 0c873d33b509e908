package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const policyQuery = "data.cloudlabs.session_start"

// Default Rego policy: every supported OS is allowed unless the platform is
// in maintenance mode. Deployments can replace it via LAB_POLICY_FILE.
const defaultRegoPolicy = `package cloudlabs.session_start

default allow = false
default deny_reason = ""

allowed_os := {"Ubuntu", "Rocky Linux", "OpenSUSE"}

os_allowed if {
	allowed_os[input.session.os_variant]
}

allow if {
	not input.platform.maintenance_mode
	os_allowed
}

deny_reason = "platform is under maintenance" if {
	input.platform.maintenance_mode
}

deny_reason = "OS variant is not allowed" if {
	not input.platform.maintenance_mode
	not os_allowed
}
`

// OPAEvaluator evaluates the session-start policy with the in-process OPA
// Rego engine.
type OPAEvaluator struct {
	source          string
	maintenanceMode bool
}

// NewOPAEvaluator returns an evaluator using the embedded default policy, or
// the contents of policyFile when non-empty. The policy is compiled once here
// so a broken override fails at startup, not per request.
func NewOPAEvaluator(policyFile string) (*OPAEvaluator, error) {
	source := defaultRegoPolicy
	if policyFile != "" {
		raw, err := os.ReadFile(policyFile)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", policyFile, err)
		}
		source = string(raw)
	}
	if _, err := compile(source); err != nil {
		return nil, err
	}
	return &OPAEvaluator{source: source}, nil
}

// SetMaintenanceMode toggles the platform maintenance flag fed to the policy.
func (e *OPAEvaluator) SetMaintenanceMode(on bool) {
	e.maintenanceMode = on
}

// EvaluateStart evaluates the policy for one start request.
func (e *OPAEvaluator) EvaluateStart(ctx context.Context, input StartInput) (*Decision, error) {
	compiler, err := compile(e.source)
	if err != nil {
		return nil, err
	}
	regoInput := map[string]any{
		"user": map[string]any{
			"id":      input.UserID,
			"credits": input.Credits,
		},
		"session": map[string]any{
			"os_variant": input.OSVariant,
		},
		"platform": map[string]any{
			"maintenance_mode": input.MaintenanceMode || e.maintenanceMode,
		},
	}
	q := rego.New(
		rego.Query(policyQuery),
		rego.Compiler(compiler),
		rego.Input(regoInput),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, fmt.Errorf("policy: query returned no result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("policy: unexpected result shape %T", rs[0].Expressions[0].Value)
	}
	decision := &Decision{}
	if allow, ok := doc["allow"].(bool); ok {
		decision.Allow = allow
	}
	if reason, ok := doc["deny_reason"].(string); ok {
		decision.Reason = reason
	}
	return decision, nil
}

// HealthCheck verifies that the configured policy compiles and evaluates
// against a minimal input. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	decision, err := e.EvaluateStart(ctx, StartInput{
		UserID:    "",
		OSVariant: "Ubuntu",
		Credits:   1,
	})
	if err != nil {
		return err
	}
	_ = decision
	return nil
}

func compile(source string) (*ast.Compiler, error) {
	compiler, err := ast.CompileModules(map[string]string{"session_start.rego": source})
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}
	return compiler, nil
}
