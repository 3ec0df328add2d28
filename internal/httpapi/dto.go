package httpapi

import (
	"encoding/json"
	"time"

	"github.com/slok/rollr/internal/model"
)

type taskResponse struct {
	ID             string    `json:"id"`
	Task           string    `json:"task"`
	Answer         *string   `json:"answer"`
	CreatedAt      time.Time `json:"created_at"`
	JobCount       int       `json:"job_count"`
	RolloutCount   int       `json:"rollout_count"`
	SuccessCount   int       `json:"success_count"`
	CompletedCount int       `json:"completed_count"`
}

func mapTask(t model.TaskSummary) taskResponse {
	return taskResponse{
		ID:             t.ID,
		Task:           t.Task.Task,
		Answer:         nullable(t.Answer),
		CreatedAt:      t.CreatedAt,
		JobCount:       t.JobCount,
		RolloutCount:   t.Counts.Rollouts,
		SuccessCount:   t.Counts.Success,
		CompletedCount: t.Counts.Completed,
	}
}

type jobResponse struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	CreatedAt      time.Time `json:"created_at"`
	RolloutCount   int       `json:"rollout_count"`
	SuccessCount   int       `json:"success_count"`
	CompletedCount int       `json:"completed_count"`
}

func mapJob(j model.JobSummary) jobResponse {
	return jobResponse{
		ID:             j.ID,
		TaskID:         j.TaskID,
		CreatedAt:      j.CreatedAt,
		RolloutCount:   j.Counts.Rollouts,
		SuccessCount:   j.Counts.Success,
		CompletedCount: j.Counts.Completed,
	}
}

// rolloutResponse never exposes the callback token, only the worker knows it.
type rolloutResponse struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	JobID           *string    `json:"job_id"`
	Status          string     `json:"status"`
	Result          *string    `json:"result"`
	ParsedResult    *string    `json:"parsed_result"`
	MatchesExpected *bool      `json:"matches_expected"`
	Error           *string    `json:"error"`
	LogPath         *string    `json:"log_path"`
	ContainerRef    *string    `json:"container_ref"`
	ExposedPort     *int       `json:"exposed_port"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

func mapRollout(r model.Rollout) rolloutResponse {
	res := rolloutResponse{
		ID:              r.ID,
		TaskID:          r.TaskID,
		JobID:           nullable(r.JobID),
		Status:          string(r.Status),
		Result:          nullable(r.Result),
		ParsedResult:    nullable(r.ParsedResult),
		MatchesExpected: r.MatchesExpected,
		Error:           nullable(r.Error),
		LogPath:         nullable(r.LogPath),
		ContainerRef:    nullable(r.ContainerRef()),
		CreatedAt:       r.CreatedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.Sandbox.Port != 0 {
		p := r.Sandbox.Port
		res.ExposedPort = &p
	}
	return res
}

func mapRollouts(rs []model.Rollout) []rolloutResponse {
	res := make([]rolloutResponse, 0, len(rs))
	for _, r := range rs {
		res = append(res, mapRollout(r))
	}
	return res
}

type stepLogResponse struct {
	RolloutID  string          `json:"rollout_id"`
	StepNumber int             `json:"step_number"`
	Timestamp  time.Time       `json:"timestamp"`
	Reasoning  *string         `json:"reasoning"`
	Actions    json.RawMessage `json:"actions"`
	Screenshot *string         `json:"screenshot,omitempty"`
}

func mapStepLog(l model.StepLog) stepLogResponse {
	actions := json.RawMessage(l.Actions)
	if !json.Valid(actions) {
		actions, _ = json.Marshal(l.Actions)
	}

	return stepLogResponse{
		RolloutID:  l.RolloutID,
		StepNumber: l.StepNumber,
		Timestamp:  l.Timestamp,
		Reasoning:  nullable(l.Reasoning),
		Actions:    actions,
		Screenshot: nullable(l.Screenshot),
	}
}

type computeStatsResponse struct {
	Total         int                         `json:"total"`
	ByStatus      map[model.RolloutStatus]int `json:"by_status"`
	InProgress    []rolloutResponse           `json:"in_progress"`
	Pending       []rolloutResponse           `json:"pending"`
	RecentSuccess []rolloutResponse           `json:"recent_success"`
	RecentFailed  []rolloutResponse           `json:"recent_failed"`
	RecentErrored []rolloutResponse           `json:"recent_errored"`
}

func mapComputeStats(s model.ComputeStats) computeStatsResponse {
	return computeStatsResponse{
		Total:         s.Total,
		ByStatus:      s.ByStatus,
		InProgress:    mapRollouts(s.InProgress),
		Pending:       mapRollouts(s.Pending),
		RecentSuccess: mapRollouts(s.RecentSuccess),
		RecentFailed:  mapRollouts(s.RecentFailed),
		RecentErrored: mapRollouts(s.RecentErrored),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
