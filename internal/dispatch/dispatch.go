package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slok/rollr/internal/log"
	"github.com/slok/rollr/internal/model"
	"github.com/slok/rollr/internal/provision"
	"github.com/slok/rollr/internal/storage"
)

// DefaultModel is the worker model used when a rollout doesn't ask for one.
const DefaultModel = "gemini-2.5-computer-use-preview-10-2025"

// ErrClosed is returned when spawning on a closed dispatcher.
var ErrClosed = errors.New("dispatcher closed")

// Pipeline provisions rollout sandboxes.
type Pipeline interface {
	Plan(rolloutID string) model.Sandbox
	Provision(ctx context.Context, req provision.Request, sb model.Sandbox) (model.Sandbox, error)
}

// Teardown releases rollout sandboxes.
type Teardown interface {
	Teardown(ctx context.Context, rolloutID string, sb model.Sandbox)
}

// LogCreator creates the step log artifact of a rollout.
type LogCreator interface {
	Create(taskID, rolloutID string, now time.Time) (string, error)
}

// SpawnOptions are the per rollout provisioning options.
type SpawnOptions struct {
	Model string
}

// DispatcherConfig is the configuration of the dispatcher.
type DispatcherConfig struct {
	Repository storage.Repository
	Pipeline   Pipeline
	Teardown   Teardown
	// StepLogs is optional, rollouts have no log artifact without it.
	StepLogs LogCreator
	// CallbackURL is the control plane address as reachable from the sandboxes.
	CallbackURL string
	// Workers is the number of sandboxes provisioned in parallel.
	Workers int
	// TokenGenerator returns new callback tokens, defaults to random UUIDs.
	TokenGenerator func() string
	Clock          func() time.Time
	Logger         log.Logger
}

func (c *DispatcherConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	if c.Teardown == nil {
		return fmt.Errorf("teardown is required")
	}
	if c.CallbackURL == "" {
		return fmt.Errorf("callback url is required")
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TokenGenerator == nil {
		c.TokenGenerator = uuid.NewString
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Dispatcher"})
	return nil
}

// Dispatcher provisions pending rollouts in the background on a bounded pool.
type Dispatcher struct {
	repo        storage.Repository
	pipeline    Pipeline
	teardown    Teardown
	stepLogs    LogCreator
	callbackURL string
	newToken    func() string
	clock       func() time.Time
	logger      log.Logger

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
	// queueCtx is cancelled on close so queued spawns stop waiting for a slot.
	queueCtx    context.Context
	cancelQueue context.CancelFunc
}

// NewDispatcher returns a new dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		repo:        cfg.Repository,
		pipeline:    cfg.Pipeline,
		teardown:    cfg.Teardown,
		stepLogs:    cfg.StepLogs,
		callbackURL: cfg.CallbackURL,
		newToken:    cfg.TokenGenerator,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		queueCtx:    ctx,
		cancelQueue: cancel,
	}, nil
}

// Spawn queues the provisioning of a pending rollout and returns immediately. Provisioning
// failures are stored on the rollout, never returned.
func (d *Dispatcher) Spawn(ctx context.Context, rolloutID string, opts SpawnOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	if opts.Model == "" {
		opts.Model = DefaultModel
	}

	// Provisioning outlives the spawning request.
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if err := d.sem.Acquire(d.queueCtx, 1); err != nil {
			d.logger.WithValues(log.Kv{"rollout-id": rolloutID}).Warningf("Rollout not provisioned, dispatcher closed")
			return
		}
		defer d.sem.Release(1)

		d.provision(ctx, rolloutID, opts)
	}()

	return nil
}

// Close stops accepting rollouts, drops the queued ones and waits until the in-flight
// provisionings finish or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancelQueue()

	return d.Wait(ctx)
}

// Wait waits until every spawned rollout has been processed or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("in-flight provisioning not finished: %w", ctx.Err())
	}
}

var errNotPending = errors.New("rollout is not pending")

func (d *Dispatcher) provision(ctx context.Context, rolloutID string, opts SpawnOptions) {
	logger := d.logger.WithValues(log.Kv{"rollout-id": rolloutID})

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Provisioning panicked: %v", r)
			d.teardown.Teardown(ctx, rolloutID, model.Sandbox{})
			d.fail(ctx, rolloutID, "PanicError", fmt.Errorf("%v", r))
		}
	}()

	r, err := d.repo.GetRollout(ctx, rolloutID)
	if err != nil {
		logger.Errorf("Could not get rollout: %v", err)
		return
	}
	task, err := d.repo.GetTask(ctx, r.TaskID)
	if err != nil {
		logger.Errorf("Could not get task: %v", err)
		d.fail(ctx, rolloutID, errorKind(err), err)
		return
	}

	now := d.clock()
	plan := d.pipeline.Plan(rolloutID)
	token := d.newToken()

	var logPath string
	if d.stepLogs != nil {
		logPath, err = d.stepLogs.Create(task.ID, rolloutID, now)
		if err != nil {
			logger.Warningf("Could not create step log: %v", err)
		}
	}

	_, err = d.repo.UpdateRollout(ctx, rolloutID, func(r *model.Rollout) error {
		if r.Status != model.RolloutStatusPending {
			return errNotPending
		}
		r.SetStatus(model.RolloutStatusProvisioning, now)
		r.CallbackToken = token
		r.LogPath = logPath
		r.Sandbox = plan
		return nil
	})
	if err != nil {
		logger.Warningf("Rollout not provisioned: %v", err)
		return
	}

	logger.Infof("Provisioning rollout sandbox")
	sb, err := d.pipeline.Provision(ctx, provision.Request{
		RolloutID:   rolloutID,
		TaskID:      task.ID,
		Task:        task.Task,
		Answer:      task.Answer,
		Model:       opts.Model,
		Token:       token,
		CallbackURL: d.callbackURL,
	}, plan)
	if err != nil {
		logger.Errorf("Provisioning failed: %v", err)
		d.teardown.Teardown(ctx, rolloutID, sb)
		d.fail(ctx, rolloutID, errorKind(err), err)
		return
	}

	_, err = d.repo.UpdateRollout(ctx, rolloutID, func(r *model.Rollout) error {
		r.Sandbox = sb
		// The worker may have reported already.
		if r.Status == model.RolloutStatusProvisioning {
			r.SetStatus(model.RolloutStatusRunning, d.clock())
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			logger.Infof("Rollout deleted while provisioning, tearing down")
		} else {
			logger.Errorf("Could not store provisioned sandbox, tearing down: %v", err)
		}
		d.teardown.Teardown(ctx, rolloutID, sb)
		return
	}

	logger.Infof("Rollout running")
}

// fail closes the rollout as errored unless it is already closed.
func (d *Dispatcher) fail(ctx context.Context, rolloutID, kind string, cause error) {
	_, err := d.repo.UpdateRollout(ctx, rolloutID, func(r *model.Rollout) error {
		if r.Status.IsTerminal() {
			return nil
		}
		r.SetError(fmt.Sprintf("%s: %s", kind, cause))
		r.SetStatus(model.RolloutStatusError, d.clock())
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		d.logger.WithValues(log.Kv{"rollout-id": rolloutID}).Errorf("Could not mark rollout as errored: %v", err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CancelledError"
	case errors.Is(err, model.ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, model.ErrNotValid):
		return "ValidationError"
	default:
		return "ProvisioningError"
	}
}
