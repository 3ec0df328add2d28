package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/slok/rollr/pkg/client/log"
)

// Errors returned by the client, check them with [errors.Is].
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotValid     = errors.New("not valid")
)

// TokenHeader is the header carrying the callback token.
const TokenHeader = "X-Agent-Token"

// Environment variables set on every worker container.
const (
	EnvRolloutID   = "ROLLOUT_ID"
	EnvTaskID      = "TASK_ID"
	EnvTaskPrompt  = "TASK_PROMPT"
	EnvTaskAnswer  = "TASK_ANSWER"
	EnvModel       = "ROLLOUT_MODEL"
	EnvToken       = "AGENT_TOKEN"
	EnvCallbackURL = "CALLBACK_URL"
	EnvAppURL      = "APP_URL"
)

// Task is the rollout a worker runs, as received on its environment.
type Task struct {
	RolloutID string
	TaskID    string
	// Prompt is the task text, prefixed with the sandbox instructions.
	Prompt string
	// Answer is the expected answer, empty when the task has none.
	Answer      string
	Model       string
	Token       string
	CallbackURL string
	// AppURL is the application address inside the sandbox network.
	AppURL string
}

// TaskFromEnv reads the worker task from the environment.
func TaskFromEnv() (Task, error) {
	t := Task{
		RolloutID:   os.Getenv(EnvRolloutID),
		TaskID:      os.Getenv(EnvTaskID),
		Prompt:      os.Getenv(EnvTaskPrompt),
		Answer:      os.Getenv(EnvTaskAnswer),
		Model:       os.Getenv(EnvModel),
		Token:       os.Getenv(EnvToken),
		CallbackURL: os.Getenv(EnvCallbackURL),
		AppURL:      os.Getenv(EnvAppURL),
	}

	missing := []string{}
	for env, v := range map[string]string{EnvRolloutID: t.RolloutID, EnvToken: t.Token, EnvCallbackURL: t.CallbackURL} {
		if v == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return Task{}, fmt.Errorf("missing worker environment %s: %w", strings.Join(missing, ", "), ErrNotValid)
	}

	return t, nil
}

// Config configures the callback client.
type Config struct {
	// BaseURL is the control plane address, the CALLBACK_URL of the worker.
	BaseURL string
	// Token is the rollout callback token, the AGENT_TOKEN of the worker.
	Token string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Retries is the number of retries of a failed call.
	// Default: 3.
	Retries int
	// RetryDelay is the delay before the first retry, doubled on every retry.
	// Default: 500ms.
	RetryDelay time.Duration
	// Logger receives the client log output.
	// Default: noop (silent).
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base url is required")
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if c.Token == "" {
		return fmt.Errorf("token is required")
	}

	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	if c.Retries < 0 {
		c.Retries = 0
	} else if c.Retries == 0 {
		c.Retries = 3
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "client.Client"})

	return nil
}

// Client reports the progress of a rollout to the control plane.
// A Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpCli    *http.Client
	retries    int
	retryDelay time.Duration
	logger     log.Logger
}

// New creates a new callback client.
func New(cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		token:      cfg.Token,
		httpCli:    cfg.HTTPClient,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
	}, nil
}

// SetStatus sets the rollout status. Any status is accepted, the terminal ones
// (success, failed, error) close the rollout.
func (c *Client) SetStatus(ctx context.Context, status string) error {
	return c.post(ctx, "/agent/status", map[string]string{"status": status})
}

// Step is one reasoning/action step of the worker.
type Step struct {
	Number int
	// Timestamp defaults to the reception time on the control plane.
	Timestamp time.Time
	Reasoning string
	// Actions is any JSON serializable list of the attempted actions.
	Actions any
	// Screenshot is the base64 encoded screenshot of the step.
	Screenshot string
}

type stepPayload struct {
	StepNumber int        `json:"step_number"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Actions    any        `json:"actions,omitempty"`
	Screenshot string     `json:"screenshot,omitempty"`
}

// LogStep stores a step of the worker, a step number sent twice overwrites the first one.
func (c *Client) LogStep(ctx context.Context, s Step) error {
	p := stepPayload{
		StepNumber: s.Number,
		Reasoning:  s.Reasoning,
		Actions:    s.Actions,
		Screenshot: s.Screenshot,
	}
	if !s.Timestamp.IsZero() {
		ts := s.Timestamp.UTC()
		p.Timestamp = &ts
	}

	return c.post(ctx, "/agent/log", map[string]any{"log_data": p})
}

// Result is the final result of the worker.
type Result struct {
	// Result is the raw worker answer.
	Result string
	// ParsedJSON is the structured answer, when the worker extracted one it is
	// used as is, otherwise the control plane extracts it from Result.
	ParsedJSON any
	Success    bool
	Error      string
}

type resultPayload struct {
	Result     string `json:"result,omitempty"`
	ParsedJSON any    `json:"parsed_json,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// ReportResult closes the rollout with the final worker result.
func (c *Client) ReportResult(ctx context.Context, r Result) error {
	return c.post(ctx, "/agent/result", resultPayload(r))
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}

	delay := c.retryDelay
	for attempt := 0; ; attempt++ {
		retry, err := c.do(ctx, path, body)
		if err == nil {
			return nil
		}
		if !retry || attempt >= c.retries {
			return err
		}

		c.logger.Warningf("Callback %s failed, retrying in %s: %v", path, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// do sends one request and returns whether a failure can be retried.
func (c *Client) do(ctx context.Context, path string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.token)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("callback %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}

	detail := errorDetail(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, fmt.Errorf("callback %s: %s: %w", path, detail, ErrUnauthorized)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("callback %s: %d: %s", path, resp.StatusCode, detail)
	default:
		return false, fmt.Errorf("callback %s: %d: %s: %w", path, resp.StatusCode, detail, ErrNotValid)
	}
}

func errorDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var e struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return strings.TrimSpace(string(data))
}
