package rollouts

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/rollr/internal/dispatch"
	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// MaxAttempts is the max number of rollouts created by one request.
const MaxAttempts = 100

// Spawner provisions pending rollouts in the background.
type Spawner interface {
	Spawn(ctx context.Context, rolloutID string, opts dispatch.SpawnOptions) error
}

// Reconciler repairs rollouts whose worker died.
type Reconciler interface {
	Reconcile(ctx context.Context, r model.Rollout) model.Rollout
	ReconcileAll(ctx context.Context, rs []model.Rollout) []model.Rollout
}

// Teardown releases rollout sandboxes.
type Teardown interface {
	Teardown(ctx context.Context, rolloutID string, sb model.Sandbox)
}

// ServiceConfig is the configuration for the rollouts service.
type ServiceConfig struct {
	Repository storage.Repository
	Spawner    Spawner
	Reconciler Reconciler
	Teardown   Teardown
	// IDGenerator returns new job and rollout IDs, defaults to ULIDs.
	IDGenerator func() string
	Clock       func() time.Time
	Logger      log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Spawner == nil {
		return fmt.Errorf("spawner is required")
	}

	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}

	if c.Teardown == nil {
		return fmt.Errorf("teardown is required")
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	if c.IDGenerator == nil {
		c.IDGenerator = func() string {
			return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
		}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.rollouts.Service"})

	return nil
}

// Service creates, queries and deletes rollouts.
type Service struct {
	repo       storage.Repository
	spawner    Spawner
	reconciler Reconciler
	teardown   Teardown
	newID      func() string
	clock      func() time.Time
	logger     log.Logger
}

// NewService creates a new rollouts service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:       cfg.Repository,
		spawner:    cfg.Spawner,
		reconciler: cfg.Reconciler,
		teardown:   cfg.Teardown,
		newID:      cfg.IDGenerator,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// CreateRequest represents the rollout creation parameters.
type CreateRequest struct {
	TaskID string
	// Model is the worker model, the dispatcher default when empty.
	Model string
	// Attempts is the number of rollouts, 1 when 0.
	Attempts int
}

// CreateResult is the job grouping the created rollouts.
type CreateResult struct {
	Job      model.Job
	Rollouts []model.Rollout
}

// Create creates a job with one pending rollout per attempt and dispatches their provisioning.
// It returns once the rollouts are stored, before any sandbox exists.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Attempts == 0 {
		req.Attempts = 1
	}
	if req.Attempts < 1 || req.Attempts > MaxAttempts {
		return nil, fmt.Errorf("attempts must be between 1 and %d: %w", MaxAttempts, model.ErrNotValid)
	}

	if _, err := s.repo.GetTask(ctx, req.TaskID); err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	now := s.clock().UTC()
	job := model.Job{ID: s.newID(), TaskID: req.TaskID, CreatedAt: now}
	rollouts := make([]model.Rollout, 0, req.Attempts)
	for i := 0; i < req.Attempts; i++ {
		rollouts = append(rollouts, model.Rollout{
			ID:        s.newID(),
			TaskID:    req.TaskID,
			JobID:     job.ID,
			Status:    model.RolloutStatusPending,
			CreatedAt: now,
		})
	}

	if err := s.repo.CreateJob(ctx, job, rollouts); err != nil {
		return nil, fmt.Errorf("could not create job: %w", err)
	}

	for i, r := range rollouts {
		err := s.spawner.Spawn(ctx, r.ID, dispatch.SpawnOptions{Model: req.Model})
		if err == nil {
			continue
		}

		s.logger.Errorf("Could not dispatch rollout %s: %v", r.ID, err)
		updated, uerr := s.repo.UpdateRollout(ctx, r.ID, func(ro *model.Rollout) error {
			ro.SetError(fmt.Sprintf("DispatchError: %s", err))
			ro.SetStatus(model.RolloutStatusError, s.clock())
			return nil
		})
		if uerr == nil {
			rollouts[i] = *updated
		}
	}

	s.logger.Infof("Job %s created with %d rollouts for task %s", job.ID, len(rollouts), req.TaskID)
	return &CreateResult{Job: job, Rollouts: rollouts}, nil
}

// List returns the rollouts matching the filter, newest first, with the dead workers reconciled.
func (s *Service) List(ctx context.Context, f model.RolloutFilter) ([]model.Rollout, error) {
	rs, err := s.repo.ListRollouts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("could not list rollouts: %w", err)
	}
	return s.reconciler.ReconcileAll(ctx, rs), nil
}

// Get returns a rollout with its worker reconciled.
func (s *Service) Get(ctx context.Context, id string) (*model.Rollout, error) {
	r, err := s.repo.GetRollout(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get rollout: %w", err)
	}

	rec := s.reconciler.Reconcile(ctx, *r)
	return &rec, nil
}

// Delete tears down the rollout sandbox when it is active and deletes the rollout.
func (s *Service) Delete(ctx context.Context, id string) error {
	r, err := s.repo.GetRollout(ctx, id)
	if err != nil {
		return fmt.Errorf("could not get rollout: %w", err)
	}

	if r.Status.IsActive() {
		s.teardown.Teardown(ctx, r.ID, r.Sandbox)
	}

	if err := s.repo.DeleteRollout(ctx, id); err != nil {
		return fmt.Errorf("could not delete rollout: %w", err)
	}

	s.logger.Infof("Rollout %s deleted", id)
	return nil
}

// Logs returns the step logs of a rollout, without screenshots unless asked.
func (s *Service) Logs(ctx context.Context, id string, screenshots bool) ([]model.StepLog, error) {
	if _, err := s.repo.GetRollout(ctx, id); err != nil {
		return nil, fmt.Errorf("could not get rollout: %w", err)
	}

	ls, err := s.repo.ListStepLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not list step logs: %w", err)
	}

	if !screenshots {
		for i := range ls {
			ls[i].Screenshot = ""
		}
	}
	return ls, nil
}

// LatestLog returns the last step log of a rollout, without screenshot unless asked.
func (s *Service) LatestLog(ctx context.Context, id string, screenshot bool) (*model.StepLog, error) {
	if _, err := s.repo.GetRollout(ctx, id); err != nil {
		return nil, fmt.Errorf("could not get rollout: %w", err)
	}

	l, err := s.repo.GetLatestStepLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get latest step log: %w", err)
	}

	if !screenshot {
		l.Screenshot = ""
	}
	return l, nil
}
