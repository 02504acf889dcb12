package worker

import (
	"context"

	"botfleet/internal/models"
)

// Runner is the body of a worker.
type Runner interface {
	// Setup performs one-time checks before the loop starts, such as
	// confirming the credential is accepted by the platform.
	Setup(ctx context.Context) error

	// Run executes the request loop until ctx is cancelled. It must call
	// ready once the loop has begun. Returning nil or ctx.Err() after
	// cancellation is a clean exit; any other error is a fault.
	Run(ctx context.Context, ready func()) error
}

// Factory builds the runner for a new instance. A construction error puts
// the instance in the error state and frees its credential.
type Factory interface {
	NewRunner(inst *Instance, cred *models.Credential) (Runner, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(inst *Instance, cred *models.Credential) (Runner, error)

func (f FactoryFunc) NewRunner(inst *Instance, cred *models.Credential) (Runner, error) {
	return f(inst, cred)
}
