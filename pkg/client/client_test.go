package client_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/rollr/pkg/client"
)

type request struct {
	path  string
	token string
	body  map[string]any
}

// controlPlane records the callbacks and answers with the queued status codes, 200 once empty.
type controlPlane struct {
	mu       sync.Mutex
	requests []request
	codes    []int
}

func (c *controlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	c.mu.Lock()
	c.requests = append(c.requests, request{path: r.URL.Path, token: r.Header.Get(client.TokenHeader), body: body})
	code := http.StatusOK
	if len(c.codes) > 0 {
		code, c.codes = c.codes[0], c.codes[1:]
	}
	c.mu.Unlock()

	w.WriteHeader(code)
	if code >= 300 {
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "nope"})
	}
}

func newClient(t *testing.T, cp *controlPlane) *client.Client {
	t.Helper()

	srv := httptest.NewServer(cp)
	t.Cleanup(srv.Close)

	c, err := client.New(client.Config{BaseURL: srv.URL + "/", Token: "tok", RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return c
}

func TestClientCallbacks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	cp := &controlPlane{}
	c := newClient(t, cp)

	require.NoError(c.SetStatus(ctx, "running"))
	require.NoError(c.LogStep(ctx, client.Step{
		Number:    2,
		Timestamp: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Reasoning: "open the dashboard",
		Actions:   []map[string]string{{"type": "click"}},
	}))
	require.NoError(c.ReportResult(ctx, client.Result{Result: `{"count": 3}`, ParsedJSON: map[string]int{"count": 3}, Success: true}))

	require.Len(cp.requests, 3)
	for _, r := range cp.requests {
		assert.Equal("tok", r.token)
	}

	assert.Equal("/agent/status", cp.requests[0].path)
	assert.Equal(map[string]any{"status": "running"}, cp.requests[0].body)

	assert.Equal("/agent/log", cp.requests[1].path)
	assert.Equal(map[string]any{"log_data": map[string]any{
		"step_number": float64(2),
		"timestamp":   "2025-06-01T10:00:00Z",
		"reasoning":   "open the dashboard",
		"actions":     []any{map[string]any{"type": "click"}},
	}}, cp.requests[1].body)

	assert.Equal("/agent/result", cp.requests[2].path)
	assert.Equal(map[string]any{
		"result":      `{"count": 3}`,
		"parsed_json": map[string]any{"count": float64(3)},
		"success":     true,
	}, cp.requests[2].body)
}

func TestClientErrors(t *testing.T) {
	tests := map[string]struct {
		codes       []int
		expErr      bool
		expErrIs    error
		expRequests int
	}{
		"A server error should be retried.": {
			codes:       []int{http.StatusInternalServerError, http.StatusBadGateway},
			expRequests: 3,
		},

		"Server errors should fail once the retries are exhausted.": {
			codes:       []int{500, 500, 500, 500, 500},
			expErr:      true,
			expRequests: 4,
		},

		"An unauthorized token should fail without retries.": {
			codes:       []int{http.StatusUnauthorized},
			expErr:      true,
			expErrIs:    client.ErrUnauthorized,
			expRequests: 1,
		},

		"A rejected payload should fail without retries.": {
			codes:       []int{http.StatusBadRequest},
			expErr:      true,
			expErrIs:    client.ErrNotValid,
			expRequests: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			cp := &controlPlane{codes: test.codes}
			c := newClient(t, cp)

			err := c.LogStep(context.Background(), client.Step{Number: 1})
			if test.expErr {
				assert.Error(err)
				if test.expErrIs != nil {
					assert.ErrorIs(err, test.expErrIs)
				}
			} else {
				assert.NoError(err)
			}
			assert.Len(cp.requests, test.expRequests)
		})
	}
}

func TestTaskFromEnv(t *testing.T) {
	t.Setenv(client.EnvRolloutID, "01J")
	t.Setenv(client.EnvTaskID, "t1")
	t.Setenv(client.EnvTaskPrompt, "count rows")
	t.Setenv(client.EnvTaskAnswer, "")
	t.Setenv(client.EnvModel, "")
	t.Setenv(client.EnvToken, "tok")
	t.Setenv(client.EnvCallbackURL, "http://host.docker.internal:8000")
	t.Setenv(client.EnvAppURL, "http://app:3000")

	task, err := client.TaskFromEnv()
	require.NoError(t, err)
	assert.Equal(t, client.Task{
		RolloutID:   "01J",
		TaskID:      "t1",
		Prompt:      "count rows",
		Token:       "tok",
		CallbackURL: "http://host.docker.internal:8000",
		AppURL:      "http://app:3000",
	}, task)

	t.Setenv(client.EnvToken, "")
	_, err = client.TaskFromEnv()
	assert.ErrorIs(t, err, client.ErrNotValid)
}
