// Package provision abstracts the two-step external provisioning call:
// create/boot a VM for an OS variant, then configure the remote-desktop
// gateway against it. The client performs no retries; retry policy belongs
// to the orchestrator.
package provision

import (
	"context"
	"fmt"

	"unnati-cloud-labs/backend/internal/session/domain"
)

// Stage identifies which of the two ordered external calls failed.
type Stage string

const (
	// StageVM is the create/boot VM call.
	StageVM Stage = "vm"
	// StageGateway is the remote-desktop gateway configuration call.
	StageGateway Stage = "gateway"
)

// Error is a stage-tagged provisioning failure. A gateway-stage Error carries
// the address of the VM that was already created, so the caller can retry
// only the gateway configuration without booting a second VM.
type Error struct {
	Stage  Stage
	VMAddr string // set for gateway-stage failures
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provisioning failed at %s stage: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Provisioner is the provisioning gateway client contract.
type Provisioner interface {
	// Provision creates a VM for the variant and configures the gateway
	// against it, returning a client-reachable endpoint. Long-running
	// (seconds to minutes); honor ctx. Fails with *Error.
	Provision(ctx context.Context, sessionID string, variant domain.OSVariant) (*domain.Endpoint, error)
	// ConfigureGateway runs only the gateway stage against an existing VM.
	// Used by the orchestrator for its single bounded retry after a
	// gateway-stage failure.
	ConfigureGateway(ctx context.Context, sessionID, vmAddr string) (*domain.Endpoint, error)
	// Teardown releases the VM and gateway resources for the session.
	// Best-effort; callers log and ignore errors.
	Teardown(ctx context.Context, sessionID string) error
}
