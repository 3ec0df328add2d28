// Package storagemock has testify mocks of the storage repositories.
package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// MockRepository is a mock of storage.Repository.
type MockRepository struct {
	mock.Mock
}

var _ storage.Repository = &MockRepository{}

func (m *MockRepository) UpsertTask(ctx context.Context, t model.Task) error {
	return m.Called(ctx, t).Error(0)
}

func (m *MockRepository) GetTask(ctx context.Context, id string) (*model.Task, error) {
	args := m.Called(ctx, id)
	return ptr[model.Task](args.Get(0)), args.Error(1)
}

func (m *MockRepository) GetTaskSummary(ctx context.Context, id string) (*model.TaskSummary, error) {
	args := m.Called(ctx, id)
	return ptr[model.TaskSummary](args.Get(0)), args.Error(1)
}

func (m *MockRepository) ListTaskSummaries(ctx context.Context) ([]model.TaskSummary, error) {
	args := m.Called(ctx)
	return slice[model.TaskSummary](args.Get(0)), args.Error(1)
}

func (m *MockRepository) CreateJob(ctx context.Context, j model.Job, rollouts []model.Rollout) error {
	return m.Called(ctx, j, rollouts).Error(0)
}

func (m *MockRepository) GetJobSummary(ctx context.Context, id string) (*model.JobSummary, error) {
	args := m.Called(ctx, id)
	return ptr[model.JobSummary](args.Get(0)), args.Error(1)
}

func (m *MockRepository) ListJobSummaries(ctx context.Context, taskID string) ([]model.JobSummary, error) {
	args := m.Called(ctx, taskID)
	return slice[model.JobSummary](args.Get(0)), args.Error(1)
}

func (m *MockRepository) DeleteJob(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRepository) CreateRollout(ctx context.Context, r model.Rollout) error {
	return m.Called(ctx, r).Error(0)
}

func (m *MockRepository) GetRollout(ctx context.Context, id string) (*model.Rollout, error) {
	args := m.Called(ctx, id)
	return ptr[model.Rollout](args.Get(0)), args.Error(1)
}

func (m *MockRepository) GetRolloutByToken(ctx context.Context, token string) (*model.Rollout, error) {
	args := m.Called(ctx, token)
	return ptr[model.Rollout](args.Get(0)), args.Error(1)
}

func (m *MockRepository) ListRollouts(ctx context.Context, f model.RolloutFilter) ([]model.Rollout, error) {
	args := m.Called(ctx, f)
	return slice[model.Rollout](args.Get(0)), args.Error(1)
}

func (m *MockRepository) UpdateRollout(ctx context.Context, id string, fn storage.RolloutUpdateFunc) (*model.Rollout, error) {
	args := m.Called(ctx, id, fn)
	return ptr[model.Rollout](args.Get(0)), args.Error(1)
}

func (m *MockRepository) DeleteRollout(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockRepository) CountRolloutsByStatus(ctx context.Context, f model.RolloutFilter) (map[model.RolloutStatus]int, error) {
	args := m.Called(ctx, f)
	if v := args.Get(0); v != nil {
		return v.(map[model.RolloutStatus]int), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) UpsertStepLog(ctx context.Context, l model.StepLog) error {
	return m.Called(ctx, l).Error(0)
}

func (m *MockRepository) ListStepLogs(ctx context.Context, rolloutID string) ([]model.StepLog, error) {
	args := m.Called(ctx, rolloutID)
	return slice[model.StepLog](args.Get(0)), args.Error(1)
}

func (m *MockRepository) GetLatestStepLog(ctx context.Context, rolloutID string) (*model.StepLog, error) {
	args := m.Called(ctx, rolloutID)
	return ptr[model.StepLog](args.Get(0)), args.Error(1)
}

func ptr[T any](v any) *T {
	if v == nil {
		return nil
	}
	return v.(*T)
}

func slice[T any](v any) []T {
	if v == nil {
		return nil
	}
	return v.([]T)
}
