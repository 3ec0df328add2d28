package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage/sqlite"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func rolloutFixture(id, taskID string, status model.RolloutStatus, createdAt time.Time) model.Rollout {
	ro := model.Rollout{ID: id, TaskID: taskID, Status: status, CreatedAt: createdAt}
	if status.IsTerminal() {
		ro.SetStatus(status, createdAt.Add(time.Minute))
	}
	return ro
}

func seedTask(t *testing.T, repo *sqlite.Repository, id string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, repo.UpsertTask(context.Background(), model.Task{ID: id, Task: "task " + id, CreatedAt: createdAt}))
}

func TestRepositoryTaskUpsert(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "count users", Answer: `{"x":1}`, CreatedAt: t0}))
	require.NoError(t, repo.UpsertTask(ctx, model.Task{ID: "t1", Task: "count admins", Answer: `{"x":2}`, CreatedAt: t0.Add(time.Hour)}))

	got, err := repo.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "count admins", got.Task)
	assert.Equal(t, `{"x":2}`, got.Answer)
	assert.Equal(t, t0, got.CreatedAt)

	err = repo.UpsertTask(ctx, model.Task{ID: "t2"})
	assert.ErrorIs(t, err, model.ErrNotValid)

	_, err = repo.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryAggregates(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	seedTask(t, repo, "t1", t0)
	seedTask(t, repo, "t2", t0.Add(time.Hour))

	require.NoError(t, repo.CreateJob(ctx, model.Job{ID: "j1", TaskID: "t1", CreatedAt: t0}, []model.Rollout{
		rolloutFixture("r1", "t1", model.RolloutStatusSuccess, t0),
		rolloutFixture("r2", "t1", model.RolloutStatusFailed, t0),
		rolloutFixture("r3", "t1", model.RolloutStatusRunning, t0),
	}))
	require.NoError(t, repo.CreateJob(ctx, model.Job{ID: "j2", TaskID: "t1", CreatedAt: t0.Add(time.Minute)}, []model.Rollout{
		rolloutFixture("r4", "t1", model.RolloutStatusError, t0),
	}))
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r5", "t1", model.RolloutStatusSuccess, t0)))

	tasks, err := repo.ListTaskSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t2", tasks[0].ID)
	assert.Equal(t, model.RolloutCounts{}, tasks[0].Counts)

	t1 := tasks[1]
	assert.Equal(t, "t1", t1.ID)
	assert.Equal(t, 2, t1.JobCount)
	assert.Equal(t, model.RolloutCounts{Rollouts: 5, Success: 2, Completed: 4}, t1.Counts)

	ts, err := repo.GetTaskSummary(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, t1, *ts)

	jobs, err := repo.ListJobSummaries(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j2", jobs[0].ID)
	assert.Equal(t, model.RolloutCounts{Rollouts: 1, Success: 0, Completed: 1}, jobs[0].Counts)
	assert.Equal(t, model.RolloutCounts{Rollouts: 3, Success: 1, Completed: 2}, jobs[1].Counts)

	js, err := repo.GetJobSummary(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, jobs[1], *js)

	_, err = repo.GetJobSummary(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	counts, err := repo.CountRolloutsByStatus(ctx, model.RolloutFilter{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, map[model.RolloutStatus]int{
		model.RolloutStatusSuccess: 2,
		model.RolloutStatusFailed:  1,
		model.RolloutStatusRunning: 1,
		model.RolloutStatusError:   1,
	}, counts)
}

func TestRepositoryCreateJobForMissingTask(t *testing.T) {
	repo := newRepo(t)

	err := repo.CreateJob(context.Background(), model.Job{ID: "j1", TaskID: "missing", CreatedAt: t0}, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryListRollouts(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedTask(t, repo, "t1", t0)
	seedTask(t, repo, "t2", t0)

	require.NoError(t, repo.CreateJob(ctx, model.Job{ID: "j1", TaskID: "t1", CreatedAt: t0}, []model.Rollout{
		rolloutFixture("r1", "t1", model.RolloutStatusPending, t0),
		rolloutFixture("r2", "t1", model.RolloutStatusRunning, t0.Add(time.Second)),
	}))
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r3", "t2", model.RolloutStatusSuccess, t0.Add(2*time.Second))))
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r4", "t1", model.RolloutStatusError, t0.Add(3*time.Second))))

	tests := map[string]struct {
		filter model.RolloutFilter
		expIDs []string
	}{
		"Without filter all rollouts should be returned newest first.": {
			filter: model.RolloutFilter{},
			expIDs: []string{"r4", "r3", "r2", "r1"},
		},
		"Filtering by task.": {
			filter: model.RolloutFilter{TaskID: "t1"},
			expIDs: []string{"r4", "r2", "r1"},
		},
		"Filtering by job.": {
			filter: model.RolloutFilter{JobID: "j1"},
			expIDs: []string{"r2", "r1"},
		},
		"Filtering by statuses.": {
			filter: model.RolloutFilter{Statuses: []model.RolloutStatus{model.RolloutStatusPending, model.RolloutStatusError}},
			expIDs: []string{"r4", "r1"},
		},
		"Filters should be conjunctive.": {
			filter: model.RolloutFilter{TaskID: "t1", Statuses: []model.RolloutStatus{model.RolloutStatusSuccess}},
			expIDs: []string{},
		},
		"Limit should bound the results.": {
			filter: model.RolloutFilter{Limit: 2},
			expIDs: []string{"r4", "r3"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := repo.ListRollouts(ctx, test.filter)
			require.NoError(t, err)

			ids := []string{}
			for _, r := range got {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, test.expIDs, ids)
		})
	}
}

func TestRepositoryUpdateRollout(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedTask(t, repo, "t1", t0)
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r1", "t1", model.RolloutStatusPending, t0)))
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r2", "t1", model.RolloutStatusPending, t0)))

	matches := true
	updated, err := repo.UpdateRollout(ctx, "r1", func(r *model.Rollout) error {
		r.SetStatus(model.RolloutStatusSuccess, t0.Add(time.Hour))
		r.CallbackToken = "tok-1"
		r.Result = "done"
		r.ParsedResult = `{"x":1}`
		r.MatchesExpected = &matches
		r.Sandbox = model.Sandbox{Network: "n", DatabaseContainer: "d", AppContainer: "a", WorkerContainer: "w", Port: 8100}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, model.RolloutStatusSuccess, updated.Status)

	got, err := repo.GetRolloutByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "done", got.Result)
	require.NotNil(t, got.MatchesExpected)
	assert.True(t, *got.MatchesExpected)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.CompletedAt)
	assert.Equal(t, "w", got.ContainerRef())
	assert.Equal(t, 8100, got.Sandbox.Port)

	// Tokens are unique.
	_, err = repo.UpdateRollout(ctx, "r2", func(r *model.Rollout) error {
		r.CallbackToken = "tok-1"
		return nil
	})
	assert.ErrorIs(t, err, model.ErrAlreadyExists)

	// A mutation error aborts the update.
	_, err = repo.UpdateRollout(ctx, "r2", func(r *model.Rollout) error {
		r.Status = model.RolloutStatusRunning
		return fmt.Errorf("nope")
	})
	assert.Error(t, err)
	r2, err := repo.GetRollout(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, model.RolloutStatusPending, r2.Status)
	assert.Nil(t, r2.MatchesExpected)
	assert.Nil(t, r2.CompletedAt)

	_, err = repo.UpdateRollout(ctx, "missing", func(r *model.Rollout) error { return nil })
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = repo.GetRolloutByToken(ctx, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = repo.GetRolloutByToken(ctx, "unknown")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryUpdateRolloutConcurrently(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedTask(t, repo, "t1", t0)
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r1", "t1", model.RolloutStatusRunning, t0)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateRollout(ctx, "r1", func(r *model.Rollout) error {
				r.Sandbox.Port++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := repo.GetRollout(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Sandbox.Port)
}

func TestRepositoryStepLogs(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedTask(t, repo, "t1", t0)
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r1", "t1", model.RolloutStatusRunning, t0)))

	require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 2, Timestamp: t0, Reasoning: "second"}))
	require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 1, Timestamp: t0, Reasoning: "first"}))
	require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "r1", StepNumber: 1, Timestamp: t0, Reasoning: "first retried", Screenshot: "aGk="}))

	logs, err := repo.ListStepLogs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].StepNumber)
	assert.Equal(t, "first retried", logs[0].Reasoning)
	assert.Equal(t, "aGk=", logs[0].Screenshot)
	assert.Equal(t, 2, logs[1].StepNumber)

	latest, err := repo.GetLatestStepLog(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "second", latest.Reasoning)

	err = repo.UpsertStepLog(ctx, model.StepLog{RolloutID: "missing", StepNumber: 1, Timestamp: t0})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = repo.GetLatestStepLog(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRepositoryDeleteCascades(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedTask(t, repo, "t1", t0)

	require.NoError(t, repo.CreateJob(ctx, model.Job{ID: "j1", TaskID: "t1", CreatedAt: t0}, []model.Rollout{
		rolloutFixture("r1", "t1", model.RolloutStatusRunning, t0),
		rolloutFixture("r2", "t1", model.RolloutStatusRunning, t0),
	}))
	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r3", "t1", model.RolloutStatusRunning, t0)))
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, repo.UpsertStepLog(ctx, model.StepLog{RolloutID: id, StepNumber: 1, Timestamp: t0}))
	}

	require.NoError(t, repo.DeleteJob(ctx, "j1"))
	for _, id := range []string{"r1", "r2"} {
		_, err := repo.GetRollout(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		logs, err := repo.ListStepLogs(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, logs)
	}

	require.NoError(t, repo.DeleteRollout(ctx, "r3"))
	logs, err := repo.ListStepLogs(ctx, "r3")
	require.NoError(t, err)
	assert.Empty(t, logs)

	assert.ErrorIs(t, repo.DeleteJob(ctx, "j1"), model.ErrNotFound)
	assert.ErrorIs(t, repo.DeleteRollout(ctx, "r3"), model.ErrNotFound)
}

func TestRepositoryCreateRolloutDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	seedTask(t, repo, "t1", t0)

	require.NoError(t, repo.CreateRollout(ctx, rolloutFixture("r1", "t1", model.RolloutStatusPending, t0)))
	err := repo.CreateRollout(ctx, rolloutFixture("r1", "t1", model.RolloutStatusPending, t0))
	assert.ErrorIs(t, err, model.ErrAlreadyExists)
}
