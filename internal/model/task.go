package model

import (
	"fmt"
	"time"
)

// Task is a unit of work rollouts are attempted against.
type Task struct {
	ID   string
	Task string
	// Answer is the expected result, empty when the task has none.
	Answer    string
	CreatedAt time.Time
}

// HasAnswer returns true if the task carries an expected answer.
func (t Task) HasAnswer() bool { return t.Answer != "" }

// Validate validates the task.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}
	if t.Task == "" {
		return fmt.Errorf("task is required: %w", ErrNotValid)
	}
	return nil
}

// RolloutCounts are the aggregated rollout counters of a task or a job.
type RolloutCounts struct {
	Rollouts  int
	Success   int
	Completed int
}

// TaskSummary is a task with its aggregated job and rollout counters.
type TaskSummary struct {
	Task
	JobCount int
	Counts   RolloutCounts
}
