package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

type stepKey struct {
	rolloutID string
	step      int
}

// Repository is an in-memory implementation of storage.Repository.
// A single lock guards every map, all the operations are atomic.
type Repository struct {
	tasks    map[string]model.Task
	jobs     map[string]model.Job
	rollouts map[string]model.Rollout
	tokens   map[string]string
	steps    map[stepKey]model.StepLog
	mu       sync.RWMutex
	logger   log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		tasks:    map[string]model.Task{},
		jobs:     map[string]model.Job{},
		rollouts: map[string]model.Rollout{},
		tokens:   map[string]string{},
		steps:    map[stepKey]model.StepLog{},
		logger:   cfg.Logger,
	}, nil
}

// UpsertTask creates the task or updates its text and answer keeping the creation time.
func (r *Repository) UpsertTask(_ context.Context, t model.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	}
	r.tasks[t.ID] = t
	r.logger.Debugf("Upserted task in repository: %s", t.ID)

	return nil
}

// GetTask retrieves a task by ID.
func (r *Repository) GetTask(_ context.Context, id string) (*model.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	return &t, nil
}

// GetTaskSummary retrieves a task with its aggregated counters.
func (r *Repository) GetTaskSummary(_ context.Context, id string) (*model.TaskSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, model.ErrNotFound)
	}
	ts := r.taskSummary(t)
	return &ts, nil
}

// ListTaskSummaries returns all the tasks with their aggregated counters, newest first.
func (r *Repository) ListTaskSummaries(_ context.Context) ([]model.TaskSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.TaskSummary, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, r.taskSummary(t))
	}
	sort.Slice(tasks, func(i, j int) bool {
		return newer(tasks[i].CreatedAt.UnixNano(), tasks[i].ID, tasks[j].CreatedAt.UnixNano(), tasks[j].ID)
	})

	return tasks, nil
}

func (r *Repository) taskSummary(t model.Task) model.TaskSummary {
	ts := model.TaskSummary{Task: t}
	for _, j := range r.jobs {
		if j.TaskID == t.ID {
			ts.JobCount++
		}
	}
	ts.Counts = r.counts(func(ro model.Rollout) bool { return ro.TaskID == t.ID })
	return ts
}

// CreateJob creates a job together with its rollouts.
func (r *Repository) CreateJob(_ context.Context, j model.Job, rollouts []model.Rollout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[j.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", j.TaskID, model.ErrNotFound)
	}
	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("job %s: %w", j.ID, model.ErrAlreadyExists)
	}
	for _, ro := range rollouts {
		ro.JobID = j.ID
		if err := r.checkNewRollout(ro, true); err != nil {
			return err
		}
	}

	r.jobs[j.ID] = j
	for _, ro := range rollouts {
		ro.JobID = j.ID
		r.putRollout(ro)
	}
	r.logger.Debugf("Created job %s with %d rollouts in repository", j.ID, len(rollouts))

	return nil
}

// GetJobSummary retrieves a job with its aggregated counters.
func (r *Repository) GetJobSummary(_ context.Context, id string) (*model.JobSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	js := r.jobSummary(j)
	return &js, nil
}

// ListJobSummaries returns the jobs of a task with their aggregated counters, newest first.
func (r *Repository) ListJobSummaries(_ context.Context, taskID string) ([]model.JobSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := []model.JobSummary{}
	for _, j := range r.jobs {
		if j.TaskID == taskID {
			jobs = append(jobs, r.jobSummary(j))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return newer(jobs[i].CreatedAt.UnixNano(), jobs[i].ID, jobs[k].CreatedAt.UnixNano(), jobs[k].ID)
	})

	return jobs, nil
}

func (r *Repository) jobSummary(j model.Job) model.JobSummary {
	return model.JobSummary{
		Job:    j,
		Counts: r.counts(func(ro model.Rollout) bool { return ro.JobID == j.ID }),
	}
}

// DeleteJob deletes a job, its rollouts and their step logs.
func (r *Repository) DeleteJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}

	delete(r.jobs, id)
	for _, ro := range r.rollouts {
		if ro.JobID == id {
			r.deleteRollout(ro)
		}
	}
	r.logger.Debugf("Deleted job from repository: %s", id)

	return nil
}

// CreateRollout creates a new rollout.
func (r *Repository) CreateRollout(_ context.Context, ro model.Rollout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNewRollout(ro, false); err != nil {
		return err
	}
	r.putRollout(ro)
	r.logger.Debugf("Created rollout in repository: %s", ro.ID)

	return nil
}

func (r *Repository) checkNewRollout(ro model.Rollout, jobPending bool) error {
	if _, ok := r.rollouts[ro.ID]; ok {
		return fmt.Errorf("rollout %s: %w", ro.ID, model.ErrAlreadyExists)
	}
	if _, ok := r.tasks[ro.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", ro.TaskID, model.ErrNotFound)
	}
	if _, ok := r.jobs[ro.JobID]; ro.JobID != "" && !ok && !jobPending {
		return fmt.Errorf("job %s: %w", ro.JobID, model.ErrNotFound)
	}
	if _, ok := r.tokens[ro.CallbackToken]; ro.CallbackToken != "" && ok {
		return fmt.Errorf("callback token: %w", model.ErrAlreadyExists)
	}
	return nil
}

func (r *Repository) putRollout(ro model.Rollout) {
	r.rollouts[ro.ID] = ro
	if ro.CallbackToken != "" {
		r.tokens[ro.CallbackToken] = ro.ID
	}
}

func (r *Repository) deleteRollout(ro model.Rollout) {
	delete(r.rollouts, ro.ID)
	delete(r.tokens, ro.CallbackToken)
	for k := range r.steps {
		if k.rolloutID == ro.ID {
			delete(r.steps, k)
		}
	}
}

// GetRollout retrieves a rollout by ID.
func (r *Repository) GetRollout(_ context.Context, id string) (*model.Rollout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ro, ok := r.rollouts[id]
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", id, model.ErrNotFound)
	}
	return &ro, nil
}

// GetRolloutByToken retrieves a rollout by its callback token.
func (r *Repository) GetRolloutByToken(_ context.Context, token string) (*model.Rollout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.tokens[token]
	if !ok || token == "" {
		return nil, fmt.Errorf("rollout with token: %w", model.ErrNotFound)
	}
	ro := r.rollouts[id]
	return &ro, nil
}

// ListRollouts returns the rollouts matching the filter, newest first.
func (r *Repository) ListRollouts(_ context.Context, f model.RolloutFilter) ([]model.Rollout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rollouts := []model.Rollout{}
	for _, ro := range r.rollouts {
		if matchesFilter(ro, f) {
			rollouts = append(rollouts, ro)
		}
	}
	sort.Slice(rollouts, func(i, j int) bool {
		return newer(rollouts[i].CreatedAt.UnixNano(), rollouts[i].ID, rollouts[j].CreatedAt.UnixNano(), rollouts[j].ID)
	})
	if f.Limit > 0 && len(rollouts) > f.Limit {
		rollouts = rollouts[:f.Limit]
	}

	return rollouts, nil
}

// CountRolloutsByStatus returns the number of rollouts per status matching the filter.
func (r *Repository) CountRolloutsByStatus(_ context.Context, f model.RolloutFilter) (map[model.RolloutStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[model.RolloutStatus]int{}
	for _, ro := range r.rollouts {
		if matchesFilter(ro, f) {
			counts[ro.Status]++
		}
	}
	return counts, nil
}

// UpdateRollout atomically reads, mutates and stores a rollout.
func (r *Repository) UpdateRollout(_ context.Context, id string, fn storage.RolloutUpdateFunc) (*model.Rollout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.rollouts[id]
	if !ok {
		return nil, fmt.Errorf("rollout %s: %w", id, model.ErrNotFound)
	}

	ro := old
	if err := fn(&ro); err != nil {
		return nil, err
	}
	ro.ID = id
	ro.TaskID = old.TaskID
	ro.JobID = old.JobID
	ro.CreatedAt = old.CreatedAt

	if ro.CallbackToken != old.CallbackToken {
		if owner, ok := r.tokens[ro.CallbackToken]; ok && ro.CallbackToken != "" && owner != id {
			return nil, fmt.Errorf("callback token of rollout %s: %w", id, model.ErrAlreadyExists)
		}
		delete(r.tokens, old.CallbackToken)
	}
	r.putRollout(ro)
	r.logger.Debugf("Updated rollout in repository: %s", id)

	return &ro, nil
}

// DeleteRollout deletes a rollout and its step logs.
func (r *Repository) DeleteRollout(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ro, ok := r.rollouts[id]
	if !ok {
		return fmt.Errorf("rollout %s: %w", id, model.ErrNotFound)
	}
	r.deleteRollout(ro)
	r.logger.Debugf("Deleted rollout from repository: %s", id)

	return nil
}

// UpsertStepLog stores a step log overwriting the one with the same rollout and step number.
func (r *Repository) UpsertStepLog(_ context.Context, l model.StepLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rollouts[l.RolloutID]; !ok {
		return fmt.Errorf("rollout %s: %w", l.RolloutID, model.ErrNotFound)
	}
	r.steps[stepKey{rolloutID: l.RolloutID, step: l.StepNumber}] = l

	return nil
}

// ListStepLogs returns the step logs of a rollout ordered by step number.
func (r *Repository) ListStepLogs(_ context.Context, rolloutID string) ([]model.StepLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	logs := []model.StepLog{}
	for k, l := range r.steps {
		if k.rolloutID == rolloutID {
			logs = append(logs, l)
		}
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].StepNumber < logs[j].StepNumber })

	return logs, nil
}

// GetLatestStepLog returns the step log with the highest step number.
func (r *Repository) GetLatestStepLog(ctx context.Context, rolloutID string) (*model.StepLog, error) {
	logs, err := r.ListStepLogs(ctx, rolloutID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("step logs of rollout %s: %w", rolloutID, model.ErrNotFound)
	}
	l := logs[len(logs)-1]
	return &l, nil
}

func (r *Repository) counts(match func(model.Rollout) bool) model.RolloutCounts {
	var c model.RolloutCounts
	for _, ro := range r.rollouts {
		if !match(ro) {
			continue
		}
		c.Rollouts++
		if ro.Status == model.RolloutStatusSuccess {
			c.Success++
		}
		if ro.Status.IsTerminal() {
			c.Completed++
		}
	}
	return c
}

func matchesFilter(ro model.Rollout, f model.RolloutFilter) bool {
	if f.TaskID != "" && ro.TaskID != f.TaskID {
		return false
	}
	if f.JobID != "" && ro.JobID != f.JobID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if ro.Status == s {
			return true
		}
	}
	return false
}

// newer orders by creation time descending, ties broken by ID descending.
func newer(aTime int64, aID string, bTime int64, bID string) bool {
	if aTime != bTime {
		return aTime > bTime
	}
	return aID > bID
}
