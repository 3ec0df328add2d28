package provision

import (
	"context"
	"fmt"

	"github.com/slok/rollr/internal/log"
)

// Provisioner is one stage of a sandbox provisioning.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// ProvisionerFunc is a convenience adapter to allow the use of ordinary functions as Provisioners.
type ProvisionerFunc func(ctx context.Context) error

func (f ProvisionerFunc) Provision(ctx context.Context) error { return f(ctx) }

// NewProvisionerChain returns a Provisioner that runs all provisioners sequentially.
// If any provisioner fails, the chain stops and returns the error.
// An empty chain succeeds immediately.
func NewProvisionerChain(provisioners ...Provisioner) Provisioner {
	return ProvisionerFunc(func(ctx context.Context) error {
		for i, p := range provisioners {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("provisioner chain cancelled at step %d: %w", i, err)
			}

			if err := p.Provision(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewLogProvisioner wraps a provisioner with debug logging before and after execution,
// failures are annotated with the stage name.
func NewLogProvisioner(name string, logger log.Logger, p Provisioner) Provisioner {
	return ProvisionerFunc(func(ctx context.Context) error {
		logger.Debugf("Provisioning %q...", name)

		if err := p.Provision(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		logger.Debugf("Provisioned %q", name)
		return nil
	})
}
