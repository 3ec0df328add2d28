package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage/memory"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRepository(t *testing.T) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, repo *memory.Repository)
	}{
		"Upserting a task should keep its creation time.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "a", CreatedAt: t0}))
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "b", Answer: "42", CreatedAt: t0.Add(time.Hour)}))

				got, err := repo.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, "b", got.Task)
				assert.Equal(t, "42", got.Answer)
				assert.Equal(t, t0, got.CreatedAt)
			},
		},

		"Creating a job for a missing task should fail.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				err := repo.CreateJob(ctx, model.Job{ID: "j1", TaskID: "missing"}, nil)
				assert.ErrorIs(t, err, model.ErrNotFound)
			},
		},

		"Creating a job should create its rollouts grouped and count them.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "a", CreatedAt: t0}))
				failed := model.Rollout{ID: "r2", TaskID: "t1", CreatedAt: t0}
				failed.SetStatus(model.RolloutStatusFailed, t0)
				require.NoError(t, repo.CreateJob(ctx, model.Job{ID: "j1", TaskID: "t1", CreatedAt: t0}, []model.Rollout{
					{ID: "r1", TaskID: "t1", Status: model.RolloutStatusPending, CreatedAt: t0},
					failed,
				}))

				rollouts, err := repo.ListRollouts(ctx, model.RolloutFilter{JobID: "j1"})
				require.NoError(t, err)
				assert.Len(t, rollouts, 2)

				js, err := repo.GetJobSummary(ctx, "j1")
				require.NoError(t, err)
				assert.Equal(t, model.RolloutCounts{Rollouts: 2, Success: 0, Completed: 1}, js.Counts)

				ts, err := repo.GetTaskSummary(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, 1, ts.JobCount)
				assert.Equal(t, 2, ts.Counts.Rollouts)
			},
		},

		"Deleting a job should cascade to rollouts, tokens and step logs.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "a", CreatedAt: t0}))
				require.NoError(t, repo.CreateJob(ctx, model.Job{ID: "j1", TaskID: "t1", CreatedAt: t0}, []model.Rollout{
					{ID: "r1", TaskID: "t1", Status: model.RolloutStatusRunning, CallbackToken: "tok", CreatedAt: t0},
				}))
				require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 1}))

				require.NoError(t, repo.DeleteJob(ctx, "j1"))

				_, err := repo.GetRollout(ctx, "r1")
				assert.ErrorIs(t, err, model.ErrNotFound)
				_, err = repo.GetRolloutByToken(ctx, "tok")
				assert.ErrorIs(t, err, model.ErrNotFound)
				logs, err := repo.ListStepLogs(ctx, "r1")
				require.NoError(t, err)
				assert.Empty(t, logs)
				assert.ErrorIs(t, repo.DeleteJob(ctx, "j1"), model.ErrNotFound)
			},
		},

		"Callback tokens should be unique.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "a", CreatedAt: t0}))
				require.NoError(t, repo.CreateRollout(ctx, model.Rollout{ID: "r1", TaskID: "t1", CallbackToken: "tok", CreatedAt: t0}))
				require.NoError(t, repo.CreateRollout(ctx, model.Rollout{ID: "r2", TaskID: "t1", CreatedAt: t0}))

				_, err := repo.UpdateRollout(ctx, "r2", func(r *model.Rollout) error {
					r.CallbackToken = "tok"
					return nil
				})
				assert.ErrorIs(t, err, model.ErrAlreadyExists)

				_, err = repo.UpdateRollout(ctx, "r1", func(r *model.Rollout) error {
					r.CallbackToken = "tok-2"
					return nil
				})
				require.NoError(t, err)
				_, err = repo.GetRolloutByToken(ctx, "tok")
				assert.ErrorIs(t, err, model.ErrNotFound)
				got, err := repo.GetRolloutByToken(ctx, "tok-2")
				require.NoError(t, err)
				assert.Equal(t, "r1", got.ID)
			},
		},

		"Step logs should be upserted by step number.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "a", CreatedAt: t0}))
				require.NoError(t, repo.CreateRollout(ctx, model.Rollout{ID: "r1", TaskID: "t1", CreatedAt: t0}))

				require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 3, Reasoning: "c"}))
				require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 1, Reasoning: "a"}))
				require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 1, Reasoning: "a2"}))

				logs, err := repo.ListStepLogs(ctx, "r1")
				require.NoError(t, err)
				require.Len(t, logs, 2)
				assert.Equal(t, "a2", logs[0].Reasoning)

				latest, err := repo.GetLatestStepLog(ctx, "r1")
				require.NoError(t, err)
				assert.Equal(t, 3, latest.StepNumber)

				err = repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "missing", StepNumber: 1})
				assert.ErrorIs(t, err, model.ErrNotFound)
			},
		},

		"Listing rollouts should filter and order newest first.": {
			actions: func(ctx context.Context, t *testing.T, repo *memory.Repository) {
				require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "a", CreatedAt: t0}))
				for i, id := range []string{"r1", "r2", "r3"} {
					status := model.RolloutStatusRunning
					if id == "r2" {
						status = model.RolloutStatusPending
					}
					require.NoError(t, repo.CreateRollout(ctx, model.Rollout{ID: id, TaskID: "t1", Status: status, CreatedAt: t0.Add(time.Duration(i) * time.Second)}))
				}

				got, err := repo.ListRollouts(ctx, model.RolloutFilter{Statuses: []model.RolloutStatus{model.RolloutStatusRunning}, Limit: 5})
				require.NoError(t, err)
				require.Len(t, got, 2)
				assert.Equal(t, "r3", got[0].ID)
				assert.Equal(t, "r1", got[1].ID)

				counts, err := repo.CountRolloutsByStatus(ctx, model.RolloutFilter{})
				require.NoError(t, err)
				assert.Equal(t, map[model.RolloutStatus]int{model.RolloutStatusRunning: 2, model.RolloutStatusPending: 1}, counts)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, err := memory.NewRepository(memory.RepositoryConfig{Logger: log.Noop})
			require.NoError(t, err)

			test.actions(context.Background(), t, repo)
		})
	}
}
