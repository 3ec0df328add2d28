package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/storage"
	"github.com/slok/rollr/internal/verify"
)

// StepLogWriter appends to the rollout step log artifacts.
type StepLogWriter interface {
	AppendStep(logPath string, step model.StepLog) error
	AppendResult(logPath string, r model.Rollout, success bool) error
}

// Teardown releases rollout sandboxes.
type Teardown interface {
	Teardown(ctx context.Context, rolloutID string, sb model.Sandbox)
}

// ServiceConfig is the configuration for the worker callbacks service.
type ServiceConfig struct {
	Repository storage.Repository
	Teardown   Teardown
	// StepLogs is optional, the artifacts are not written without it.
	StepLogs StepLogWriter
	// Background runs the sandbox teardown of finished rollouts, defaults to a goroutine.
	Background func(f func())
	Clock      func() time.Time
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Teardown == nil {
		return fmt.Errorf("teardown is required")
	}

	if c.Background == nil {
		c.Background = func(f func()) { go f() }
	}

	if c.Clock == nil {
		c.Clock = time.Now
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.agent.Service"})

	return nil
}

// Service handles the callbacks of the sandboxed workers. Every call is authenticated
// with the rollout callback token.
type Service struct {
	repo       storage.Repository
	teardown   Teardown
	stepLogs   StepLogWriter
	background func(f func())
	clock      func() time.Time
	logger     log.Logger
}

// NewService creates a new worker callbacks service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:       cfg.Repository,
		teardown:   cfg.Teardown,
		stepLogs:   cfg.StepLogs,
		background: cfg.Background,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}, nil
}

// Authenticate resolves the rollout of a callback token.
func (s *Service) Authenticate(ctx context.Context, token string) (*model.Rollout, error) {
	if token == "" {
		return nil, fmt.Errorf("missing agent token: %w", model.ErrUnauthorized)
	}

	r, err := s.repo.GetRolloutByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("invalid agent token: %w", model.ErrUnauthorized)
		}
		return nil, fmt.Errorf("could not resolve agent token: %w", err)
	}

	return r, nil
}

// UpdateStatus sets the status reported by the worker. Any status is accepted.
func (s *Service) UpdateStatus(ctx context.Context, token string, status model.RolloutStatus) (*model.Rollout, error) {
	if strings.TrimSpace(string(status)) == "" {
		return nil, fmt.Errorf("status is required: %w", model.ErrNotValid)
	}

	r, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	var closed bool
	updated, err := s.repo.UpdateRollout(ctx, r.ID, func(r *model.Rollout) error {
		closed = !r.Status.IsTerminal() && status.IsTerminal()
		r.SetStatus(status, s.clock())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not update rollout status: %w", err)
	}

	s.logger.WithValues(log.Kv{"rollout-id": r.ID}).Debugf("Worker reported status %q", status)
	if closed {
		s.release(*updated)
	}

	return updated, nil
}

// StepRequest is a worker reasoning/action step.
type StepRequest struct {
	StepNumber int
	// Timestamp defaults to the reception time.
	Timestamp  time.Time
	Reasoning  string
	Actions    json.RawMessage
	Screenshot string
}

// AppendStep stores a worker step, a step number reported twice overwrites the first one.
func (s *Service) AppendStep(ctx context.Context, token string, req StepRequest) (*model.StepLog, error) {
	r, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	if req.StepNumber < 0 {
		return nil, fmt.Errorf("step number must be positive: %w", model.ErrNotValid)
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = s.clock()
	}

	step := model.StepLog{
		RolloutID:  r.ID,
		StepNumber: req.StepNumber,
		Timestamp:  req.Timestamp.UTC(),
		Reasoning:  req.Reasoning,
		Actions:    actionsText(req.Actions),
		Screenshot: req.Screenshot,
	}
	if err := s.repo.UpsertStepLog(ctx, step); err != nil {
		return nil, fmt.Errorf("could not store step log: %w", err)
	}

	if s.stepLogs != nil {
		if err := s.stepLogs.AppendStep(r.LogPath, step); err != nil {
			s.logger.WithValues(log.Kv{"rollout-id": r.ID}).Warningf("Could not append step to log artifact: %v", err)
		}
	}

	return &step, nil
}

func actionsText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "[]"
	}
	return string(raw)
}

// ResultRequest is the final result of a worker.
type ResultRequest struct {
	Result string
	// ParsedJSON is the structured answer extracted by the worker, if any.
	ParsedJSON json.RawMessage
	Success    bool
	Error      string
}

// Result closes the rollout with the worker result: success when the worker reports success,
// failed otherwise. When the worker sends no structured answer, it is extracted from the raw
// result and compared with the task expected answer.
func (s *Service) Result(ctx context.Context, token string, req ResultRequest) (*model.Rollout, error) {
	r, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}

	parsed, matches, err := s.check(ctx, r.TaskID, req)
	if err != nil {
		return nil, err
	}

	status := model.RolloutStatusFailed
	if req.Success {
		status = model.RolloutStatusSuccess
	}

	var wasActive bool
	updated, err := s.repo.UpdateRollout(ctx, r.ID, func(r *model.Rollout) error {
		wasActive = r.Status.IsActive()
		r.Result = req.Result
		r.ParsedResult = parsed
		r.MatchesExpected = &matches
		r.SetError(req.Error)
		r.SetStatus(status, s.clock())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not store rollout result: %w", err)
	}

	logger := s.logger.WithValues(log.Kv{"rollout-id": r.ID})
	logger.Infof("Worker reported result, rollout %s", status)

	if s.stepLogs != nil {
		if err := s.stepLogs.AppendResult(updated.LogPath, *updated, req.Success); err != nil {
			logger.Warningf("Could not append result to log artifact: %v", err)
		}
	}

	if wasActive {
		s.release(*updated)
	}

	return updated, nil
}

func (s *Service) check(ctx context.Context, taskID string, req ResultRequest) (parsed string, matches bool, err error) {
	if p := strings.TrimSpace(string(req.ParsedJSON)); p != "" && p != "null" {
		return p, req.Success, nil
	}

	if req.Result == "" {
		return "", req.Success, nil
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return "", false, fmt.Errorf("could not get rollout task: %w", err)
	}

	res := verify.Verify(req.Result, task.Answer)
	if res.Matches == nil {
		return res.Parsed, req.Success, nil
	}
	return res.Parsed, *res.Matches, nil
}

// release tears down the sandbox of a finished rollout without blocking the worker callback.
func (s *Service) release(r model.Rollout) {
	s.background(func() {
		s.teardown.Teardown(context.Background(), r.ID, r.Sandbox)
	})
}
