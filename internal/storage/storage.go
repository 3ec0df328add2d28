package storage

import (
	"context"

	"github.com/slok/rollr/internal/model"
)

// TaskRepository is the persistence of tasks.
type TaskRepository interface {
	// UpsertTask creates the task or updates its text and answer, the creation time is kept.
	UpsertTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	// GetTaskSummary returns the task with its aggregated counters.
	GetTaskSummary(ctx context.Context, id string) (*model.TaskSummary, error)
	// ListTaskSummaries returns all tasks with their aggregated counters, newest first.
	ListTaskSummaries(ctx context.Context) ([]model.TaskSummary, error)
}

// JobRepository is the persistence of jobs.
type JobRepository interface {
	// CreateJob creates a job together with its rollouts atomically.
	CreateJob(ctx context.Context, j model.Job, rollouts []model.Rollout) error
	GetJobSummary(ctx context.Context, id string) (*model.JobSummary, error)
	// ListJobSummaries returns the jobs of a task with their aggregated counters, newest first.
	ListJobSummaries(ctx context.Context, taskID string) ([]model.JobSummary, error)
	// DeleteJob deletes the job, its rollouts and their step logs.
	DeleteJob(ctx context.Context, id string) error
}

// RolloutUpdateFunc mutates a rollout inside an update transaction.
// Returning an error aborts the update.
type RolloutUpdateFunc func(r *model.Rollout) error

// RolloutRepository is the persistence of rollouts.
type RolloutRepository interface {
	CreateRollout(ctx context.Context, r model.Rollout) error
	GetRollout(ctx context.Context, id string) (*model.Rollout, error)
	// GetRolloutByToken resolves a rollout by its callback token.
	GetRolloutByToken(ctx context.Context, token string) (*model.Rollout, error)
	// ListRollouts returns the rollouts matching the filter, newest first.
	ListRollouts(ctx context.Context, f model.RolloutFilter) ([]model.Rollout, error)
	// UpdateRollout atomically reads, mutates and stores a rollout.
	UpdateRollout(ctx context.Context, id string, fn RolloutUpdateFunc) (*model.Rollout, error)
	// DeleteRollout deletes the rollout and its step logs.
	DeleteRollout(ctx context.Context, id string) error
	// CountRolloutsByStatus returns the number of rollouts per status matching the filter.
	CountRolloutsByStatus(ctx context.Context, f model.RolloutFilter) (map[model.RolloutStatus]int, error)
}

// StepLogRepository is the persistence of rollout step logs.
type StepLogRepository interface {
	// UpsertStepLog stores the step log overwriting the one with the same rollout and step number.
	UpsertStepLog(ctx context.Context, l model.StepLog) error
	// ListStepLogs returns the step logs of a rollout ordered by step number.
	ListStepLogs(ctx context.Context, rolloutID string) ([]model.StepLog, error)
	// GetLatestStepLog returns the step log with the highest step number.
	GetLatestStepLog(ctx context.Context, rolloutID string) (*model.StepLog, error)
}

// Repository is the whole control plane persistence.
type Repository interface {
	TaskRepository
	JobRepository
	RolloutRepository
	StepLogRepository
}
