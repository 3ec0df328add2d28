package model

import "time"

// Job groups the rollouts created together for a task.
type Job struct {
	ID        string
	TaskID    string
	CreatedAt time.Time
}

// JobSummary is a job with its aggregated rollout counters.
type JobSummary struct {
	Job
	Counts RolloutCounts
}
