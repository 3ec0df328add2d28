package provision

import (
	"context"
	"fmt"

	"github.com/slok/rollr/internal/container"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/port"
	"github.com/slok/rollr/internal/seed"
)

// TeardownConfig is the configuration of the sandbox teardown.
type TeardownConfig struct {
	Control container.Control
	Seeder  seed.Seeder
	Ports   port.Allocator
	Logger  log.Logger
}

func (c *TeardownConfig) defaults() error {
	if c.Control == nil {
		return fmt.Errorf("container control is required")
	}
	if c.Seeder == nil {
		return fmt.Errorf("seeder is required")
	}
	if c.Ports == nil {
		return fmt.Errorf("port allocator is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "provision.Teardown"})
	return nil
}

// Teardown releases every resource of a rollout sandbox.
type Teardown struct {
	control container.Control
	seeder  seed.Seeder
	ports   port.Allocator
	logger  log.Logger
}

// NewTeardown returns a new sandbox teardown.
func NewTeardown(cfg TeardownConfig) (*Teardown, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Teardown{
		control: cfg.Control,
		seeder:  cfg.Seeder,
		ports:   cfg.Ports,
		logger:  cfg.Logger,
	}, nil
}

// Teardown stops and removes the rollout containers (worker, application, database), releases
// the rollout database, removes the network and frees the port. Resources missing from sb are
// taken from the rollout plan so partially provisioned sandboxes are released too.
// Every step is best-effort, failures are logged and never stop the remaining steps.
// Tearing down twice is safe.
func (t *Teardown) Teardown(ctx context.Context, rolloutID string, sb model.Sandbox) {
	// Cleanup must finish even when the triggering request is gone.
	ctx = context.WithoutCancel(ctx)
	logger := t.logger.WithValues(log.Kv{"rollout-id": rolloutID})

	sb = sb.Merge(t.seeder.Plan(rolloutID, model.PlanSandbox(rolloutID)))
	if sb.WorkerContainer == "" {
		sb.WorkerContainer = model.WorkerContainerName(rolloutID)
	}

	for _, c := range sb.Containers() {
		if err := t.control.Stop(ctx, c); err != nil {
			logger.Warningf("Could not stop container %s: %v", c, err)
		}
		if err := t.control.Remove(ctx, c); err != nil {
			logger.Warningf("Could not remove container %s: %v", c, err)
		}
	}

	if err := t.seeder.Release(ctx, sb); err != nil {
		logger.Warningf("Could not release database: %v", err)
	}

	if err := t.control.RemoveNetwork(ctx, sb.Network); err != nil {
		logger.Warningf("Could not remove network %s: %v", sb.Network, err)
	}

	// Ports are released by owner, the port number may already belong to another rollout.
	if err := t.ports.ReleaseOwner(ctx, rolloutID); err != nil {
		logger.Warningf("Could not release port: %v", err)
	}

	logger.Debugf("Sandbox torn down")
}
