package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/internal/app/jobs"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage/storagemock"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type recordTeardown struct {
	calls []string
}

func (r *recordTeardown) Teardown(_ context.Context, rolloutID string, _ model.Sandbox) {
	r.calls = append(r.calls, rolloutID)
}

func TestServiceDelete(t *testing.T) {
	tests := map[string]struct {
		mock        func(m *storagemock.MockRepository)
		expTeardown []string
		expErr      error
	}{
		"Deleting a job should tear down its active rollouts only.": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetJobSummary", mock.Anything, "j1").Once().Return(&model.JobSummary{Job: model.Job{ID: "j1", TaskID: "t1", CreatedAt: t0}}, nil)
				m.On("ListRollouts", mock.Anything, model.RolloutFilter{JobID: "j1"}).Once().Return([]model.Rollout{
					{ID: "r1", Status: model.RolloutStatusRunning},
					{ID: "r2", Status: model.RolloutStatusSuccess},
					{ID: "r3", Status: model.RolloutStatusPending},
					{ID: "r4", Status: model.RolloutStatusError},
					{ID: "r5", Status: "thinking"},
				}, nil)
				m.On("DeleteJob", mock.Anything, "j1").Once().Return(nil)
			},
			expTeardown: []string{"r1", "r3", "r5"},
		},

		"Deleting a missing job should fail with not found.": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetJobSummary", mock.Anything, "j1").Once().Return(nil, model.ErrNotFound)
			},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			mRepo := &storagemock.MockRepository{}
			test.mock(mRepo)
			td := &recordTeardown{}

			svc, err := jobs.NewService(jobs.ServiceConfig{Repository: mRepo, Teardown: td})
			require.NoError(err)

			err = svc.Delete(context.TODO(), "j1")
			if test.expErr != nil {
				assert.ErrorIs(err, test.expErr)
			} else {
				assert.NoError(err)
			}
			assert.Equal(test.expTeardown, td.calls)

			mRepo.AssertExpectations(t)
		})
	}
}

func TestServiceListByTask(t *testing.T) {
	tests := map[string]struct {
		mock    func(m *storagemock.MockRepository)
		expJobs []model.JobSummary
		expErr  error
	}{
		"Listing the jobs of a task should return them.": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, "t1").Once().Return(&model.Task{ID: "t1", Task: "x"}, nil)
				m.On("ListJobSummaries", mock.Anything, "t1").Once().Return([]model.JobSummary{
					{Job: model.Job{ID: "j1", TaskID: "t1"}, Counts: model.RolloutCounts{Rollouts: 2, Completed: 1, Success: 1}},
				}, nil)
			},
			expJobs: []model.JobSummary{
				{Job: model.Job{ID: "j1", TaskID: "t1"}, Counts: model.RolloutCounts{Rollouts: 2, Completed: 1, Success: 1}},
			},
		},

		"Listing the jobs of a missing task should fail with not found.": {
			mock: func(m *storagemock.MockRepository) {
				m.On("GetTask", mock.Anything, "t1").Once().Return(nil, model.ErrNotFound)
			},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			mRepo := &storagemock.MockRepository{}
			test.mock(mRepo)

			svc, err := jobs.NewService(jobs.ServiceConfig{Repository: mRepo, Teardown: &recordTeardown{}})
			require.NoError(t, err)

			js, err := svc.ListByTask(context.TODO(), "t1")
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, test.expJobs, js)
			}

			mRepo.AssertExpectations(t)
		})
	}
}
