package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// StoppedMessage is the error of rollouts whose worker died without reporting.
const StoppedMessage = "container stopped unexpectedly"

// ContainerChecker checks if a container is running.
type ContainerChecker interface {
	IsRunning(ctx context.Context, container string) (bool, error)
}

// Teardown releases rollout sandboxes.
type Teardown interface {
	Teardown(ctx context.Context, rolloutID string, sb model.Sandbox)
}

// ReconcilerConfig is the configuration of the reconciler.
type ReconcilerConfig struct {
	Repository storage.RolloutRepository
	Containers ContainerChecker
	Teardown   Teardown
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *ReconcilerConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Containers == nil {
		return fmt.Errorf("container checker is required")
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "reconcile.Reconciler"})
	return nil
}

// Reconciler repairs the status of rollouts whose worker container died without reporting.
// It runs on the read paths, there is no background polling.
type Reconciler struct {
	repo       storage.RolloutRepository
	containers ContainerChecker
	teardown   Teardown
	clock      func() time.Time
	logger     log.Logger
}

// NewReconciler returns a new reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Reconciler{
		repo:       cfg.Repository,
		containers: cfg.Containers,
		teardown:   cfg.Teardown,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

var errSkip = errors.New("rollout changed")

// Reconcile checks the worker of a started rollout (any non terminal status but pending) and
// closes the rollout as errored when the worker is gone.
// It returns the up to date rollout. Runtime check failures leave the rollout as it is.
func (r *Reconciler) Reconcile(ctx context.Context, ro model.Rollout) model.Rollout {
	if ro.Status.IsTerminal() || ro.Status == model.RolloutStatusPending || ro.ContainerRef() == "" {
		return ro
	}
	logger := r.logger.WithValues(log.Kv{"rollout-id": ro.ID})

	running, err := r.containers.IsRunning(ctx, ro.ContainerRef())
	if err != nil {
		logger.Warningf("Could not check worker container %s: %v", ro.ContainerRef(), err)
		return ro
	}
	if running {
		return ro
	}

	ref := ro.ContainerRef()
	updated, err := r.repo.UpdateRollout(ctx, ro.ID, func(cur *model.Rollout) error {
		// Reported or reconciled meanwhile.
		if cur.Status.IsTerminal() || cur.ContainerRef() != ref {
			return errSkip
		}
		cur.SetError(StoppedMessage)
		cur.SetStatus(model.RolloutStatusError, r.clock())
		return nil
	})
	if err != nil {
		if errors.Is(err, errSkip) {
			if cur, err := r.repo.GetRollout(ctx, ro.ID); err == nil {
				return *cur
			}
		} else {
			logger.Warningf("Could not close stopped rollout: %v", err)
		}
		return ro
	}

	logger.Warningf("Worker container %s stopped unexpectedly, rollout errored", ref)
	r.teardown.Teardown(ctx, updated.ID, updated.Sandbox)

	return *updated
}

// ReconcileAll reconciles every rollout of the list.
func (r *Reconciler) ReconcileAll(ctx context.Context, rollouts []model.Rollout) []model.Rollout {
	res := make([]model.Rollout, 0, len(rollouts))
	for _, ro := range rollouts {
		res = append(res, r.Reconcile(ctx, ro))
	}
	return res
}
