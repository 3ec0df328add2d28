package jobs

import (
	"context"
	"fmt"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// Teardown releases rollout sandboxes.
type Teardown interface {
	Teardown(ctx context.Context, rolloutID string, sb model.Sandbox)
}

// ServiceConfig is the configuration for the jobs service.
type ServiceConfig struct {
	Repository storage.Repository
	Teardown   Teardown
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Teardown == nil {
		return fmt.Errorf("teardown is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.jobs.Service"})

	return nil
}

// Service manages jobs.
type Service struct {
	repo     storage.Repository
	teardown Teardown
	logger   log.Logger
}

// NewService creates a new jobs service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:     cfg.Repository,
		teardown: cfg.Teardown,
		logger:   cfg.Logger,
	}, nil
}

// ListByTask returns the jobs of a task with their counters.
func (s *Service) ListByTask(ctx context.Context, taskID string) ([]model.JobSummary, error) {
	if _, err := s.repo.GetTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	js, err := s.repo.ListJobSummaries(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not list jobs: %w", err)
	}
	return js, nil
}

// Get returns a job with its counters.
func (s *Service) Get(ctx context.Context, id string) (*model.JobSummary, error) {
	j, err := s.repo.GetJobSummary(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get job: %w", err)
	}
	return j, nil
}

// Delete tears down the sandboxes of the active job rollouts and deletes the job with its
// rollouts and their step logs.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.GetJobSummary(ctx, id); err != nil {
		return fmt.Errorf("could not get job: %w", err)
	}

	rollouts, err := s.repo.ListRollouts(ctx, model.RolloutFilter{JobID: id})
	if err != nil {
		return fmt.Errorf("could not list job rollouts: %w", err)
	}

	for _, r := range rollouts {
		if r.Status.IsActive() {
			s.teardown.Teardown(ctx, r.ID, r.Sandbox)
		}
	}

	if err := s.repo.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("could not delete job: %w", err)
	}

	s.logger.Infof("Job %s deleted with %d rollouts", id, len(rollouts))
	return nil
}
