package stats

import (
	"context"
	"fmt"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// DefaultLimit is the default max number of rollouts on each stats list.
const DefaultLimit = 20

// Reconciler repairs rollouts whose worker died.
type Reconciler interface {
	ReconcileAll(ctx context.Context, rs []model.Rollout) []model.Rollout
}

// ServiceConfig is the configuration for the compute stats service.
type ServiceConfig struct {
	Repository storage.RolloutRepository
	Reconciler Reconciler
	// Limit is the max number of rollouts on each list.
	Limit  int
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Reconciler == nil {
		return fmt.Errorf("reconciler is required")
	}

	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.stats.Service"})

	return nil
}

// Service computes the overview of the rollouts compute usage.
type Service struct {
	repo       storage.RolloutRepository
	reconciler Reconciler
	limit      int
	logger     log.Logger
}

// NewService creates a new compute stats service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:       cfg.Repository,
		reconciler: cfg.Reconciler,
		limit:      cfg.Limit,
		logger:     cfg.Logger,
	}, nil
}

// Request filters the stats, all fields are optional.
type Request struct {
	TaskID string
	Status model.RolloutStatus
}

// Compute returns the rollout counts by status and the most recent rollouts of each group.
// Dead workers are reconciled before counting.
func (s *Service) Compute(ctx context.Context, req Request) (*model.ComputeStats, error) {
	if err := s.reconcileActive(ctx, req.TaskID); err != nil {
		return nil, err
	}

	filter := model.RolloutFilter{TaskID: req.TaskID}
	if req.Status != "" {
		filter.Statuses = []model.RolloutStatus{req.Status}
	}

	byStatus, err := s.repo.CountRolloutsByStatus(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("could not count rollouts: %w", err)
	}

	stats := &model.ComputeStats{ByStatus: byStatus}
	for _, n := range byStatus {
		stats.Total += n
	}

	// In progress is every active status but pending, workers may report their own ones.
	inProgress, err := s.list(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	stats.InProgress = []model.Rollout{}
	for _, r := range inProgress {
		if r.Status.IsActive() && r.Status != model.RolloutStatusPending && len(stats.InProgress) < s.limit {
			stats.InProgress = append(stats.InProgress, r)
		}
	}

	groups := []struct {
		status model.RolloutStatus
		dst    *[]model.Rollout
	}{
		{model.RolloutStatusPending, &stats.Pending},
		{model.RolloutStatusSuccess, &stats.RecentSuccess},
		{model.RolloutStatusFailed, &stats.RecentFailed},
		{model.RolloutStatusError, &stats.RecentErrored},
	}
	for _, g := range groups {
		rs, err := s.list(ctx, req, []model.RolloutStatus{g.status})
		if err != nil {
			return nil, err
		}
		*g.dst = rs
	}

	return stats, nil
}

// list lists the rollouts of the request limited to the given statuses, a status
// filtered out by the request yields no rollouts.
func (s *Service) list(ctx context.Context, req Request, statuses []model.RolloutStatus) ([]model.Rollout, error) {
	f := model.RolloutFilter{TaskID: req.TaskID, Statuses: statuses}

	switch {
	case req.Status != "" && len(statuses) == 0:
		f.Statuses = []model.RolloutStatus{req.Status}
	case req.Status != "" && statuses[0] != req.Status:
		return []model.Rollout{}, nil
	}

	// The in progress list is filtered after the query.
	if len(statuses) > 0 {
		f.Limit = s.limit
	}

	rs, err := s.repo.ListRollouts(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("could not list rollouts: %w", err)
	}
	return rs, nil
}

func (s *Service) reconcileActive(ctx context.Context, taskID string) error {
	rs, err := s.repo.ListRollouts(ctx, model.RolloutFilter{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("could not list rollouts: %w", err)
	}

	active := rs[:0]
	for _, r := range rs {
		if r.Status.IsActive() && r.Status != model.RolloutStatusPending {
			active = append(active, r)
		}
	}
	s.reconciler.ReconcileAll(ctx, active)

	return nil
}
