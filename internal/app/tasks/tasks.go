package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
)

// ServiceConfig is the configuration for the tasks service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.tasks.Service"})

	return nil
}

// Service manages tasks.
type Service struct {
	repo   storage.TaskRepository
	clock  func() time.Time
	logger log.Logger
}

// NewService creates a new tasks service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

type uploadedTask struct {
	ID     json.RawMessage `json:"id"`
	Task   json.RawMessage `json:"task"`
	Answer json.RawMessage `json:"answer"`
}

// Upload upserts the tasks of a JSON array of {id, task, answer?} objects. Entries that are not
// objects or lack a string task or a string or numeric id are skipped. Returns the number of
// upserted tasks.
func (s *Service) Upload(ctx context.Context, data []byte) (int, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("tasks must be a JSON array of tasks: %w", model.ErrNotValid)
	}

	now := s.clock().UTC()
	count := 0
	for i, raw := range entries {
		t, err := decodeTask(raw)
		if err != nil {
			s.logger.Debugf("Skipping task %d: %v", i, err)
			continue
		}
		t.CreatedAt = now

		if err := t.Validate(); err != nil {
			s.logger.Debugf("Skipping task %d: %v", i, err)
			continue
		}

		if err := s.repo.UpsertTask(ctx, t); err != nil {
			return count, fmt.Errorf("could not store task %q: %w", t.ID, err)
		}
		count++
	}

	s.logger.Infof("Uploaded %d tasks (%d skipped)", count, len(entries)-count)
	return count, nil
}

func decodeTask(raw json.RawMessage) (model.Task, error) {
	var e uploadedTask
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.Task{}, fmt.Errorf("entry is not a task object: %w", model.ErrNotValid)
	}

	id, ok := idText(e.ID)
	if !ok {
		return model.Task{}, fmt.Errorf("id must be a string or a number: %w", model.ErrNotValid)
	}

	var task string
	if len(e.Task) > 0 && !bytes.Equal(e.Task, []byte("null")) {
		if err := json.Unmarshal(e.Task, &task); err != nil {
			return model.Task{}, fmt.Errorf("task must be a string: %w", model.ErrNotValid)
		}
	}

	return model.Task{ID: id, Task: task, Answer: answerText(e.Answer)}, nil
}

// idText returns the id of an entry, numeric ids are kept as their JSON literal. A missing
// id is returned empty so validation skips the entry.
func idText(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}

	return "", false
}

// answerText returns string answers as they are and any other JSON value serialized.
func answerText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// List returns every task with its counters.
func (s *Service) List(ctx context.Context) ([]model.TaskSummary, error) {
	ts, err := s.repo.ListTaskSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	return ts, nil
}

// Get returns a task with its counters.
func (s *Service) Get(ctx context.Context, id string) (*model.TaskSummary, error) {
	t, err := s.repo.GetTaskSummary(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return t, nil
}
