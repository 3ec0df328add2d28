package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// ShutdownMessage is the error stored on the rollouts closed by a cleanup.
const ShutdownMessage = "control plane shut down"

// ResourceControl removes the labeled runtime resources.
type ResourceControl interface {
	ListManaged(ctx context.Context) (containers, networks []model.ManagedResource, err error)
	Stop(ctx context.Context, container string) error
	Remove(ctx context.Context, container string) error
	RemoveNetwork(ctx context.Context, name string) error
}

// Teardown releases rollout sandboxes.
type Teardown interface {
	Teardown(ctx context.Context, rolloutID string, sb model.Sandbox)
}

// ServiceConfig is the configuration for the cleanup service.
type ServiceConfig struct {
	Repository storage.RolloutRepository
	Control    ResourceControl
	Teardown   Teardown
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Control == nil {
		return fmt.Errorf("container control is required")
	}

	if c.Teardown == nil {
		return fmt.Errorf("teardown is required")
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "cleanup.Service"})

	return nil
}

// Service closes every in flight rollout and removes every runtime resource the control plane owns.
type Service struct {
	repo     storage.RolloutRepository
	control  ResourceControl
	teardown Teardown
	clock    func() time.Time
	logger   log.Logger
}

// NewService creates a new cleanup service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:     cfg.Repository,
		control:  cfg.Control,
		teardown: cfg.Teardown,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Result is the summary of a cleanup.
type Result struct {
	ClosedRollouts    int
	RemovedContainers int
	RemovedNetworks   int
}

var errSkip = errors.New("rollout finished")

// Run closes the active rollouts as errored and tears down their sandboxes, then removes
// the labeled containers and networks still left, including the ones of other processes
// that didn't shut down cleanly. Resource removal is best-effort.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	res := &Result{}

	rs, err := s.repo.ListRollouts(ctx, model.RolloutFilter{})
	if err != nil {
		return nil, fmt.Errorf("could not list rollouts: %w", err)
	}

	for _, ro := range rs {
		if !ro.Status.IsActive() {
			continue
		}

		updated, err := s.repo.UpdateRollout(ctx, ro.ID, func(cur *model.Rollout) error {
			if !cur.Status.IsActive() {
				return errSkip
			}
			cur.SetError(ShutdownMessage)
			cur.SetStatus(model.RolloutStatusError, s.clock())
			return nil
		})
		if err != nil {
			if !errors.Is(err, errSkip) && !errors.Is(err, model.ErrNotFound) {
				s.logger.WithValues(log.Kv{"rollout-id": ro.ID}).Warningf("Could not close rollout: %v", err)
			}
			continue
		}

		res.ClosedRollouts++
		s.teardown.Teardown(ctx, updated.ID, updated.Sandbox)
	}

	containers, networks, err := s.control.ListManaged(ctx)
	if err != nil {
		return res, fmt.Errorf("could not list managed resources: %w", err)
	}

	for _, c := range containers {
		if err := s.control.Stop(ctx, c.Name); err != nil {
			s.logger.Warningf("Could not stop container %s: %v", c.Name, err)
		}
		if err := s.control.Remove(ctx, c.Name); err != nil {
			s.logger.Warningf("Could not remove container %s: %v", c.Name, err)
			continue
		}
		res.RemovedContainers++
	}

	// Networks go last, they can't be removed while containers are attached.
	for _, n := range networks {
		if err := s.control.RemoveNetwork(ctx, n.Name); err != nil {
			s.logger.Warningf("Could not remove network %s: %v", n.Name, err)
			continue
		}
		res.RemovedNetworks++
	}

	s.logger.Infof("Cleanup finished: %d rollouts closed, %d containers and %d networks removed", res.ClosedRollouts, res.RemovedContainers, res.RemovedNetworks)

	return res, nil
}
